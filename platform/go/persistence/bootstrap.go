package persistence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	sqlassets "github.com/zenGate-Global/hrms-tenancy/database"
)

// BootstrapCentral applies the central migration set (outbox and tenant database ledger) to the service's own
// database. It is idempotent and used by the API on startup, the CLI and tests.
func BootstrapCentral(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if pool == nil {
		return fmt.Errorf("bootstrap central: pool is required")
	}
	if err := NewMigrator(sqlassets.CentralMigrations(), logger).Migrate(ctx, pool); err != nil {
		return fmt.Errorf("bootstrap central: %w", err)
	}
	return nil
}

// NewTenantMigrator returns a migrator over the embedded tenant migration set.
func NewTenantMigrator(logger *zap.Logger) *Migrator {
	return NewMigrator(sqlassets.TenantMigrations(), logger)
}

// NewTenantSeeder returns a seeder over the embedded tenant seed set.
func NewTenantSeeder() *Seeder {
	return NewSeeder(sqlassets.TenantSeeds())
}
