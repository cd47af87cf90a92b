package service

import "github.com/zenGate-Global/hrms-tenancy/platform/go/outbox"

// AggregateTenantDatabase is the outbox aggregate type for tenant database facts.
const AggregateTenantDatabase = "tenant_database"

// Event types exchanged on the tenant events channel.
const (
	EventTenantCreated         = "tenant.created"
	EventTenantDatabaseCreated = "tenant.database.created"
	EventTenantDatabaseDropped = "tenant.database.dropped"
)

// TenantCreated is announced by the identity authority when a tenant is registered.
type TenantCreated struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name,omitempty"`
	Domain   string `json:"domain,omitempty"`
}

// TenantDatabaseCreated is announced once a service has provisioned a tenant database.
type TenantDatabaseCreated struct {
	TenantID string   `json:"tenant_id"`
	Service  string   `json:"service"`
	Database string   `json:"database"`
	Warnings []string `json:"warnings,omitempty"`
}

// TenantDatabaseDropped is announced once a service has dropped a tenant database.
type TenantDatabaseDropped struct {
	TenantID string `json:"tenant_id"`
	Service  string `json:"service"`
	Database string `json:"database"`
}

// RegisterEvents binds the tenant event payloads to r.
func RegisterEvents(r *outbox.Registry) {
	r.Register(EventTenantCreated, func() any { return &TenantCreated{} })
	r.Register(EventTenantDatabaseCreated, func() any { return &TenantDatabaseCreated{} })
	r.Register(EventTenantDatabaseDropped, func() any { return &TenantDatabaseDropped{} })
}
