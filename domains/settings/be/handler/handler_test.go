package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zenGate-Global/hrms-tenancy/domains/settings/be/service"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/problem"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/tenant"
)

type mockService struct {
	listFn   func(ctx context.Context) ([]service.Setting, error)
	getFn    func(ctx context.Context, key string) (service.Setting, error)
	putFn    func(ctx context.Context, key string, value json.RawMessage) (service.Setting, error)
	deleteFn func(ctx context.Context, key string) error
}

func (m *mockService) List(ctx context.Context) ([]service.Setting, error) {
	if m.listFn == nil {
		panic("listFn not configured")
	}
	return m.listFn(ctx)
}

func (m *mockService) Get(ctx context.Context, key string) (service.Setting, error) {
	if m.getFn == nil {
		panic("getFn not configured")
	}
	return m.getFn(ctx, key)
}

func (m *mockService) Put(ctx context.Context, key string, value json.RawMessage) (service.Setting, error) {
	if m.putFn == nil {
		panic("putFn not configured")
	}
	return m.putFn(ctx, key, value)
}

func (m *mockService) Delete(ctx context.Context, key string) error {
	if m.deleteFn == nil {
		panic("deleteFn not configured")
	}
	return m.deleteFn(ctx, key)
}

func newRouter(t *testing.T, svc service.Service) http.Handler {
	r := chi.NewRouter()
	New(svc, zaptest.NewLogger(t)).Routes(r)
	return r
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) problem.Details {
	t.Helper()
	require.Equal(t, problem.ContentType, rec.Header().Get("Content-Type"))
	var details problem.Details
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&details))
	return details
}

func TestSettingsListSuccess(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	svc := &mockService{listFn: func(ctx context.Context) ([]service.Setting, error) {
		return []service.Setting{{Key: "locale", Value: json.RawMessage(`"en"`), UpdatedAt: now}}, nil
	}}

	req := httptest.NewRequest(http.MethodGet, "/settings", nil)
	req = req.WithContext(tenant.WithContext(req.Context(), tenant.Context{TenantID: "t-1"}))
	rec := httptest.NewRecorder()
	newRouter(t, svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body settingsList
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "t-1", body.TenantID)
	require.Len(t, body.Items, 1)
	require.JSONEq(t, `"en"`, string(body.Items[0].Value))
}

func TestSettingsGetErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "not found", err: service.ErrNotFound, status: http.StatusNotFound},
		{name: "not routed", err: service.ErrNoTenantDatabase, status: http.StatusServiceUnavailable},
		{name: "unexpected", err: context.DeadlineExceeded, status: http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockService{getFn: func(ctx context.Context, key string) (service.Setting, error) {
				require.Equal(t, "locale", key)
				return service.Setting{}, tc.err
			}}
			rec := httptest.NewRecorder()
			newRouter(t, svc).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/settings/locale", nil))

			require.Equal(t, tc.status, rec.Code)
			details := decodeProblem(t, rec)
			require.Equal(t, tc.status, details.Status)
			require.Equal(t, "/settings/locale", details.Instance)
		})
	}
}

func TestSettingsPut(t *testing.T) {
	t.Parallel()

	svc := &mockService{putFn: func(ctx context.Context, key string, value json.RawMessage) (service.Setting, error) {
		return service.Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}, nil
	}}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/settings/timezone", strings.NewReader(`{"value":"Europe/Madrid"}`))
	newRouter(t, svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body setting
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "timezone", body.Key)
	require.JSONEq(t, `"Europe/Madrid"`, string(body.Value))
}

func TestSettingsPutRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/settings/timezone", strings.NewReader(`not json`))
	newRouter(t, &mockService{}).ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, problem.TypeValidation, decodeProblem(t, rec).Type)
}

func TestSettingsPutValidationFields(t *testing.T) {
	t.Parallel()

	svc := &mockService{putFn: func(ctx context.Context, key string, value json.RawMessage) (service.Setting, error) {
		return service.Setting{}, &service.ValidationError{Fields: service.FieldErrors{"value": {"value is required"}}}
	}}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/settings/timezone", strings.NewReader(`{}`))
	newRouter(t, svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	details := decodeProblem(t, rec)
	require.Equal(t, []string{"value is required"}, details.Errors["value"])
}

func TestSettingsDelete(t *testing.T) {
	t.Parallel()

	var deleted string
	svc := &mockService{deleteFn: func(ctx context.Context, key string) error {
		deleted = key
		return nil
	}}

	rec := httptest.NewRecorder()
	newRouter(t, svc).ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/settings/locale", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "locale", deleted)
}
