package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zenGate-Global/hrms-tenancy/platform/go/connpool"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/tenant"
)

// TenantsTable is the local ownership table created by the tenant migration set.
const TenantsTable = "tenants"

// ErrNotFound is returned when a tenant or ledger record is not found.
var ErrNotFound = errors.New("record not found")

// TenantRecord is the local copy of who owns a tenant database.
type TenantRecord struct {
	TenantID      uuid.UUID      `db:"tenant_id"`
	Name          string         `db:"name"`
	Domain        string         `db:"domain"`
	IsActive      bool           `db:"is_active"`
	Settings      map[string]any `db:"settings"`
	Service       string         `db:"service"`
	DatabaseName  string         `db:"database_name"`
	ProvisionedAt time.Time      `db:"provisioned_at"`
}

// TenantRecorder writes the ownership row into a freshly provisioned tenant database.
type TenantRecorder struct {
	service string
	now     func() time.Time
}

// NewTenantRecorder returns a recorder stamping rows with service.
func NewTenantRecorder(service string) *TenantRecorder {
	if service == "" {
		panic("persistence: tenant recorder requires a service name")
	}
	return &TenantRecorder{service: service, now: time.Now}
}

// Record inserts the ownership row unless one already exists. It reports whether a row was written.
func (r *TenantRecorder) Record(ctx context.Context, db connpool.DB, t tenant.Tenant) (bool, error) {
	id, err := uuid.Parse(t.ID)
	if err != nil {
		return false, fmt.Errorf("parse tenant id: %w", err)
	}
	settings, err := json.Marshal(nonNilSettings(t.Settings))
	if err != nil {
		return false, fmt.Errorf("encode tenant settings: %w", err)
	}
	database, err := tenant.PhysicalDatabaseName(t.ID, r.service)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
        INSERT INTO %s (tenant_id, name, domain, is_active, settings, service, database_name, provisioned_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (tenant_id) DO NOTHING
    `, TenantsTable)

	tag, err := db.Exec(ctx, query, id, t.Name, t.Domain, t.IsActive, settings, r.service, database, r.now().UTC())
	if err != nil {
		return false, fmt.Errorf("insert tenant record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetTenantRecord loads the ownership row stored in the tenant database behind db.
func GetTenantRecord(ctx context.Context, db connpool.DB, id uuid.UUID) (TenantRecord, error) {
	query := fmt.Sprintf(`SELECT tenant_id, name, domain, is_active, settings, service, database_name, provisioned_at
        FROM %s WHERE tenant_id = $1`, TenantsTable)
	return scanTenantRecord(db.QueryRow(ctx, query, id))
}

func scanTenantRecord(row pgx.Row) (TenantRecord, error) {
	var rec TenantRecord
	var settings []byte
	if err := row.Scan(&rec.TenantID, &rec.Name, &rec.Domain, &rec.IsActive, &settings, &rec.Service, &rec.DatabaseName, &rec.ProvisionedAt); err != nil {
		if IsNotFound(err) {
			return TenantRecord{}, ErrNotFound
		}
		return TenantRecord{}, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &rec.Settings); err != nil {
			return TenantRecord{}, fmt.Errorf("decode tenant settings: %w", err)
		}
	}
	return rec, nil
}

func nonNilSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return map[string]any{}
	}
	return settings
}
