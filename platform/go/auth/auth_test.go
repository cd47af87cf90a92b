package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInternalSecret(t *testing.T) {
	var seen *ServiceCredentials
	handler := InternalSecret("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ServiceFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	testCases := []struct {
		name    string
		secret  string
		service string
		want    int
		caller  string
	}{
		{name: "missing secret", want: http.StatusUnauthorized},
		{name: "wrong secret", secret: "nope", want: http.StatusUnauthorized},
		{name: "named caller", secret: "s3cret", service: "identity", want: http.StatusNoContent, caller: "identity"},
		{name: "anonymous caller", secret: "s3cret", want: http.StatusNoContent, caller: "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodPost, "/admin/tenants/x/database", nil)
			if tc.secret != "" {
				req.Header.Set(SecretHeader, tc.secret)
			}
			if tc.service != "" {
				req.Header.Set(ServiceNameHeader, tc.service)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.Equal(t, tc.want, rec.Code)
			if tc.caller == "" {
				require.Nil(t, seen)
				require.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
				return
			}
			require.NotNil(t, seen)
			require.Equal(t, tc.caller, seen.Service)
		})
	}
}

func TestInternalSecretDisabled(t *testing.T) {
	handler := InternalSecret("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/connections", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
