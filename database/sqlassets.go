// Package sqlassets embeds the migration and seed sets so binaries stay self-contained.
package sqlassets

import (
	"embed"
	"io/fs"
)

//go:embed migrations/tenant/*.sql
var tenantMigrations embed.FS

//go:embed migrations/central/*.sql
var centralMigrations embed.FS

//go:embed seeds/tenant/*.sql
var tenantSeeds embed.FS

// TenantMigrations is the goose migration set applied to every tenant database.
func TenantMigrations() fs.FS { return mustSub(tenantMigrations, "migrations/tenant") }

// CentralMigrations is the goose migration set for the service's central database (outbox, provisioning ledger).
func CentralMigrations() fs.FS { return mustSub(centralMigrations, "migrations/central") }

// TenantSeeds holds idempotent default data for new tenant databases.
func TenantSeeds() fs.FS { return mustSub(tenantSeeds, "seeds/tenant") }

func mustSub(fsys embed.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
