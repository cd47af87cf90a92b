package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zenGate-Global/hrms-tenancy/domains/settings/be/service"
	platformlogging "github.com/zenGate-Global/hrms-tenancy/platform/go/logging"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/problem"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/tenant"
)

type operation string

const (
	listOperation   operation = "settingsList"
	getOperation    operation = "settingsGet"
	putOperation    operation = "settingsPut"
	deleteOperation operation = "settingsDelete"
)

// Handler exposes the routed tenant's settings.
type Handler struct {
	svc    service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("settings service is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the settings endpoints on r. r must sit behind the tenant router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/settings", h.SettingsList)
	r.Get("/settings/{key}", h.SettingsGet)
	r.Put("/settings/{key}", h.SettingsPut)
	r.Delete("/settings/{key}", h.SettingsDelete)
}

type setting struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type settingsList struct {
	TenantID string    `json:"tenant_id,omitempty"`
	Items    []setting `json:"items"`
}

type putSetting struct {
	Value json.RawMessage `json:"value"`
}

// SettingsList implements GET /settings
func (h *Handler) SettingsList(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.List(r.Context())
	if err != nil {
		h.writeError(w, r, err, listOperation)
		return
	}

	out := settingsList{Items: make([]setting, 0, len(items))}
	if tc, ok := tenant.FromContext(r.Context()); ok {
		out.TenantID = tc.TenantID
	}
	for _, item := range items {
		out.Items = append(out.Items, toAPISetting(item))
	}
	writeJSON(w, http.StatusOK, out)
}

// SettingsGet implements GET /settings/{key}
func (h *Handler) SettingsGet(w http.ResponseWriter, r *http.Request) {
	item, err := h.svc.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, r, err, getOperation)
		return
	}
	writeJSON(w, http.StatusOK, toAPISetting(item))
}

// SettingsPut implements PUT /settings/{key}
func (h *Handler) SettingsPut(w http.ResponseWriter, r *http.Request) {
	var body putSetting
	dec := json.NewDecoder(io.LimitReader(r.Body, service.MaxValueBytes*2))
	if err := dec.Decode(&body); err != nil {
		details := problem.New(http.StatusBadRequest, problem.TypeValidation, "Invalid request body", "request body must be a JSON object with a value")
		details.Instance = r.URL.Path
		problem.Write(w, details)
		return
	}

	item, err := h.svc.Put(r.Context(), chi.URLParam(r, "key"), body.Value)
	if err != nil {
		h.writeError(w, r, err, putOperation)
		return
	}
	writeJSON(w, http.StatusOK, toAPISetting(item))
}

// SettingsDelete implements DELETE /settings/{key}
func (h *Handler) SettingsDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "key")); err != nil {
		h.writeError(w, r, err, deleteOperation)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, op operation) {
	details := classifyError(err)
	details.Instance = r.URL.Path

	logger := platformlogging.FromRequest(r, h.logger)
	fields := []zap.Field{
		zap.String("operation", string(op)),
		zap.Int("status", details.Status),
		zap.Error(err),
	}
	switch {
	case details.Status >= http.StatusInternalServerError:
		logger.Error("settings operation failed", fields...)
	case details.Status == http.StatusNotFound:
		logger.Info("settings resource not found", fields...)
	default:
		logger.Warn("settings request rejected", fields...)
	}

	problem.Write(w, details)
}

func classifyError(err error) problem.Details {
	var validationErr *service.ValidationError
	switch {
	case errors.As(err, &validationErr):
		details := problem.New(http.StatusBadRequest, problem.TypeValidation, "Validation failed", "one or more fields are invalid")
		details.Errors = make(map[string][]string, len(validationErr.Fields))
		for field, messages := range validationErr.Fields {
			details.Errors[field] = append([]string(nil), messages...)
		}
		return details
	case errors.Is(err, service.ErrNotFound):
		return problem.New(http.StatusNotFound, problem.TypeNotFound, "Resource not found", "setting not found")
	case errors.Is(err, service.ErrNoTenantDatabase):
		return problem.New(http.StatusServiceUnavailable, problem.TypeUnavailable, "Tenant database unavailable", "request is not routed to a tenant database")
	default:
		return problem.New(http.StatusInternalServerError, problem.TypeInternal, "Internal server error", "an unexpected error occurred")
	}
}

func toAPISetting(s service.Setting) setting {
	return setting{Key: s.Key, Value: s.Value, UpdatedAt: s.UpdatedAt}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
