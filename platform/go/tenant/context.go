package tenant

import (
	"context"
)

// Tenant mirrors the identity authority's tenant record. It is read-only here.
type Tenant struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Domain   string         `json:"domain"`
	IsActive bool           `json:"is_active"`
	Settings map[string]any `json:"settings,omitempty"`
}

// Context captures the resolved tenant routing metadata for a request.
// The router attaches it once the tenant connection is active.
type Context struct {
	TenantID     string
	Domain       string
	Name         string
	Service      string
	DatabaseName string
}

type ctxKey string

const contextKey ctxKey = "HRMS_TENANT_CONTEXT"

// WithContext returns a derived context carrying the tenant Context.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, contextKey, tc)
}

// FromContext extracts the tenant Context and a boolean indicating presence.
func FromContext(ctx context.Context) (Context, bool) {
	v := ctx.Value(contextKey)
	if v == nil {
		return Context{}, false
	}

	tc, ok := v.(Context)
	return tc, ok
}
