// Package auth authenticates internal service-to-service calls with a shared secret header.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type ctxKey string

const (
	ctxServiceCredentials ctxKey = "HRMS_SERVICE_CREDENTIALS"
)

// Header names of the internal-service contract.
const (
	SecretHeader      = "X-Internal-Service-Secret"
	ServiceNameHeader = "X-Service-Name"
)

// ServiceCredentials identifies an authenticated internal caller.
type ServiceCredentials struct {
	// Service is the caller's self-declared name; "unknown" when the header is absent.
	Service string
}

// ServiceFromContext returns the credentials attached by InternalSecret.
func ServiceFromContext(ctx context.Context) (*ServiceCredentials, bool) {
	v := ctx.Value(ctxServiceCredentials)
	if v == nil {
		return nil, false
	}
	c, ok := v.(*ServiceCredentials)
	return c, ok
}

// WithService attaches credentials to ctx.
func WithService(ctx context.Context, creds *ServiceCredentials) context.Context {
	return context.WithValue(ctx, ctxServiceCredentials, creds)
}

// InternalSecret rejects requests whose secret header does not match secret.
// An empty secret disables the check, which is only meant for local development.
func InternalSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			if secret != "" && !SecretMatches(r.Header.Get(SecretHeader), secret) {
				w.Header().Set("WWW-Authenticate", `ApiKey realm="internal", header="`+SecretHeader+`"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			name := strings.TrimSpace(r.Header.Get(ServiceNameHeader))
			if name == "" {
				name = "unknown"
			}
			ctx := WithService(r.Context(), &ServiceCredentials{Service: name})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SecretMatches compares in constant time.
func SecretMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
