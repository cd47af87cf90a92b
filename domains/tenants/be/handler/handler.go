package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zenGate-Global/hrms-tenancy/domains/tenants/be/service"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/connpool"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/directory"
	platformlogging "github.com/zenGate-Global/hrms-tenancy/platform/go/logging"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/problem"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/tenant"
)

// DefaultCleanupAge applies when cleanup is requested without maxAgeSeconds.
const DefaultCleanupAge = 30 * time.Minute

// Handler exposes the provisioning workflow on the admin HTTP contract.
type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("provisioning service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the admin endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/admin/tenants/{tenantId}/database", h.TenantDatabaseCreate)
	r.Delete("/admin/tenants/{tenantId}/database", h.TenantDatabaseDrop)
	r.Get("/admin/tenants/{tenantId}/database", h.TenantDatabaseStatus)
	r.Get("/admin/tenants/databases", h.TenantDatabasesList)
	r.Get("/admin/connections", h.ConnectionsReport)
	r.Post("/admin/connections/cleanup", h.ConnectionsCleanup)
}

// TenantDatabaseCreate implements POST /admin/tenants/{tenantId}/database
func (h *Handler) TenantDatabaseCreate(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Provision(r.Context(), chi.URLParam(r, "tenantId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toAPIResult(res))
}

// TenantDatabaseDrop implements DELETE /admin/tenants/{tenantId}/database
func (h *Handler) TenantDatabaseDrop(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Drop(r.Context(), chi.URLParam(r, "tenantId")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TenantDatabaseStatus implements GET /admin/tenants/{tenantId}/database
func (h *Handler) TenantDatabaseStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context(), chi.URLParam(r, "tenantId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := databaseStatus{TenantID: st.TenantID, Database: st.Database, Exists: st.Exists}
	if st.Ledger != nil {
		p := toAPIProvisioning(*st.Ledger)
		out.Ledger = &p
	}
	writeJSON(w, http.StatusOK, out)
}

// TenantDatabasesList implements GET /admin/tenants/databases
func (h *Handler) TenantDatabasesList(w http.ResponseWriter, r *http.Request) {
	opts, err := buildListOptions(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.svc.List(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items := make([]provisioning, 0, len(result.Items))
	for _, p := range result.Items {
		items = append(items, toAPIProvisioning(p))
	}
	writeJSON(w, http.StatusOK, provisioningList{
		Items:      items,
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalItems: result.TotalItems,
		TotalPages: result.TotalPages,
	})
}

// ConnectionsReport implements GET /admin/connections
func (h *Handler) ConnectionsReport(w http.ResponseWriter, r *http.Request) {
	report := h.svc.Connections()
	writeJSON(w, http.StatusOK, connectionsReport{
		Service:     report.Service,
		Connections: report.Connections,
		Breaker:     report.Breaker,
	})
}

// ConnectionsCleanup implements POST /admin/connections/cleanup
func (h *Handler) ConnectionsCleanup(w http.ResponseWriter, r *http.Request) {
	maxAge := DefaultCleanupAge
	if raw := r.URL.Query().Get("maxAgeSeconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			h.writeError(w, r, tenant.NewError(tenant.KindInvalidArgument, "cleanup connections", "", "", errors.New("maxAgeSeconds must be a non-negative integer")))
			return
		}
		maxAge = time.Duration(secs) * time.Second
	}
	writeJSON(w, http.StatusOK, map[string]int{"evicted": h.svc.Cleanup(maxAge)})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, details := problemForError(err)
	logger := platformlogging.FromRequest(r, h.logger)
	if status >= http.StatusInternalServerError {
		logger.Error("tenant database operation failed", zap.String("kind", tenant.KindOf(err).String()), zap.Error(err))
	} else {
		logger.Info("tenant database operation rejected", zap.Int("status", status), zap.Error(err))
	}
	details.Instance = r.URL.Path
	problem.Write(w, details)
}

func problemForError(err error) (int, problem.Details) {
	if errors.Is(err, service.ErrNotFound) {
		return http.StatusNotFound, problem.New(http.StatusNotFound, problem.TypeNotFound, "Not found", err.Error())
	}

	var te *tenant.Error
	detail := "internal error"
	if errors.As(err, &te) {
		detail = te.Kind.String()
	}
	switch tenant.KindOf(err) {
	case tenant.KindInvalidArgument:
		return http.StatusBadRequest, problem.New(http.StatusBadRequest, problem.TypeValidation, "Invalid request", err.Error())
	case tenant.KindTenantNotFound:
		return http.StatusNotFound, problem.New(http.StatusNotFound, problem.TypeNotFound, "Tenant not found", detail)
	case tenant.KindDatabaseMissing:
		return http.StatusNotFound, problem.New(http.StatusNotFound, problem.TypeNotFound, "Tenant database not found", detail)
	case tenant.KindTenantInactive:
		return http.StatusForbidden, problem.New(http.StatusForbidden, problem.TypeForbidden, "Tenant inactive", detail)
	case tenant.KindConnectionFailed:
		return http.StatusServiceUnavailable, problem.New(http.StatusServiceUnavailable, problem.TypeUnavailable, "Database unavailable", detail)
	default:
		return http.StatusInternalServerError, problem.New(http.StatusInternalServerError, problem.TypeInternal, "Internal error", detail)
	}
}

func buildListOptions(r *http.Request) (service.ListOptions, error) {
	q := r.URL.Query()
	opts := service.ListOptions{Page: 1, PageSize: 20}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &opts.Page}, {"pageSize", &opts.PageSize}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return service.ListOptions{}, tenant.NewError(tenant.KindInvalidArgument, "list tenant databases", "", "", errors.New(p.name+" must be a positive integer"))
		}
		*p.dst = v
	}
	if raw := q.Get("status"); raw != "" {
		st := service.Status(raw)
		if service.StatusFromString(raw) != st {
			return service.ListOptions{}, tenant.NewError(tenant.KindInvalidArgument, "list tenant databases", "", "", errors.New("unknown status "+raw))
		}
		opts.Status = &st
	}
	return opts, nil
}

type provisionResult struct {
	TenantID   string         `json:"tenant_id"`
	Database   string         `json:"database"`
	Created    bool           `json:"created"`
	Steps      []service.Step `json:"steps"`
	Warnings   []string       `json:"warnings,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

type provisioning struct {
	TenantID      string     `json:"tenant_id"`
	Service       string     `json:"service"`
	Database      string     `json:"database"`
	Status        string     `json:"status"`
	Warnings      []string   `json:"warnings,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	ProvisionedAt *time.Time `json:"provisioned_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type provisioningList struct {
	Items      []provisioning `json:"items"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
	TotalItems int            `json:"total_items"`
	TotalPages int            `json:"total_pages"`
}

type databaseStatus struct {
	TenantID string        `json:"tenant_id"`
	Database string        `json:"database"`
	Exists   bool          `json:"exists"`
	Ledger   *provisioning `json:"ledger,omitempty"`
}

type connectionsReport struct {
	Service     string                      `json:"service"`
	Connections []connpool.PooledConnection `json:"connections"`
	Breaker     *directory.BreakerStatus    `json:"breaker,omitempty"`
}

func toAPIResult(res service.ProvisionResult) provisionResult {
	steps := res.Steps
	if steps == nil {
		steps = []service.Step{}
	}
	return provisionResult{
		TenantID:   res.TenantID,
		Database:   res.Database,
		Created:    res.Created,
		Steps:      steps,
		Warnings:   res.Warnings,
		DurationMS: res.Duration.Milliseconds(),
	}
}

func toAPIProvisioning(p service.Provisioning) provisioning {
	return provisioning{
		TenantID:      p.TenantID.String(),
		Service:       p.Service,
		Database:      p.Database,
		Status:        string(p.Status),
		Warnings:      p.Warnings,
		LastError:     p.LastError,
		ProvisionedAt: p.ProvisionedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
