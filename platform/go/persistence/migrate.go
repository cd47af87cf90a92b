package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/zenGate-Global/hrms-tenancy/platform/go/connpool"
)

// Migrator applies a goose migration set to a database handle.
type Migrator struct {
	fsys   fs.FS
	logger *zap.Logger
}

// NewMigrator returns a migrator over fsys, whose root holds NNNNN_name.sql goose files.
func NewMigrator(fsys fs.FS, logger *zap.Logger) *Migrator {
	if fsys == nil {
		panic("persistence: migrator requires a migration filesystem")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{fsys: fsys, logger: logger}
}

// Migrate runs every pending migration. db must be backed by a *pgxpool.Pool.
func (m *Migrator) Migrate(ctx context.Context, db connpool.DB) error {
	pool, ok := db.(*pgxpool.Pool)
	if !ok {
		return fmt.Errorf("migrate: unsupported handle %T", db)
	}

	// goose speaks database/sql; the bridge shares the pool's connections.
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer func(sqlDB *sql.DB) {
		if err := sqlDB.Close(); err != nil {
			m.logger.Warn("close migration handle", zap.Error(err))
		}
	}(sqlDB)

	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, m.fsys)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		m.logger.Info("applied migration",
			zap.Int64("version", r.Source.Version),
			zap.String("file", r.Source.Path),
			zap.Duration("duration", r.Duration),
		)
	}
	return nil
}

// Seeder applies idempotent seed scripts in lexical file order inside one transaction.
type Seeder struct {
	fsys fs.FS
}

// NewSeeder returns a seeder over the *.sql files at the root of fsys.
func NewSeeder(fsys fs.FS) *Seeder {
	if fsys == nil {
		panic("persistence: seeder requires a seed filesystem")
	}
	return &Seeder{fsys: fsys}
}

// Seed runs every seed script; nothing is committed if one fails.
// Each file is sent whole; without arguments pgx uses the simple protocol, so the server
// parses statement boundaries, literals and dollar-quoted bodies itself.
func (s *Seeder) Seed(ctx context.Context, db connpool.DB) error {
	files, err := fs.Glob(s.fsys, "*.sql")
	if err != nil {
		return fmt.Errorf("list seed files: %w", err)
	}
	sort.Strings(files)

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	for _, name := range files {
		raw, err := fs.ReadFile(s.fsys, name)
		if err != nil {
			return fmt.Errorf("read seed %s: %w", name, err)
		}
		script := strings.TrimSpace(string(raw))
		if script == "" {
			continue
		}
		if _, err := tx.Exec(ctx, script); err != nil {
			return fmt.Errorf("apply seed %s: %w", name, err)
		}
	}

	return tx.Commit(ctx)
}
