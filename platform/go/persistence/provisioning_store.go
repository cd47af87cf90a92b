package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProvisioningTable is the central ledger of tenant databases hosted by this service.
const ProvisioningTable = "tenant_databases"

// ProvisioningRecord is one ledger row.
type ProvisioningRecord struct {
	TenantID      uuid.UUID  `db:"tenant_id"`
	Service       string     `db:"service"`
	DatabaseName  string     `db:"database_name"`
	Status        string     `db:"status"`
	Warnings      []string   `db:"warnings"`
	LastError     *string    `db:"last_error"`
	ProvisionedAt *time.Time `db:"provisioned_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// ProvisioningStore reads and writes the ledger on the central pool.
type ProvisioningStore struct {
	pool *pgxpool.Pool
}

// NewProvisioningStore returns a store on the central pool.
func NewProvisioningStore(pool *pgxpool.Pool) *ProvisioningStore {
	if pool == nil {
		panic("provisioning store requires pool")
	}
	return &ProvisioningStore{pool: pool}
}

// WithTx runs fn in a transaction committed only when fn succeeds.
func (s *ProvisioningStore) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UpsertTx writes rec inside tx and returns the stored row.
func (s *ProvisioningStore) UpsertTx(ctx context.Context, tx pgx.Tx, rec ProvisioningRecord) (ProvisioningRecord, error) {
	warnings, err := json.Marshal(nonNilStrings(rec.Warnings))
	if err != nil {
		return ProvisioningRecord{}, fmt.Errorf("encode warnings: %w", err)
	}
	query := fmt.Sprintf(`
        INSERT INTO %s (tenant_id, service, database_name, status, warnings, last_error, provisioned_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7, now())
        ON CONFLICT (tenant_id, service) DO UPDATE SET
            database_name  = EXCLUDED.database_name,
            status         = EXCLUDED.status,
            warnings       = EXCLUDED.warnings,
            last_error     = EXCLUDED.last_error,
            provisioned_at = COALESCE(EXCLUDED.provisioned_at, %s.provisioned_at),
            updated_at     = now()
        RETURNING tenant_id, service, database_name, status, warnings, last_error, provisioned_at, updated_at
    `, ProvisioningTable, ProvisioningTable)

	row := tx.QueryRow(ctx, query, rec.TenantID, rec.Service, rec.DatabaseName, rec.Status, warnings, rec.LastError, rec.ProvisionedAt)
	return scanProvisioningRecord(row)
}

// Get loads the ledger row for tenantID on service.
func (s *ProvisioningStore) Get(ctx context.Context, tenantID uuid.UUID, service string) (ProvisioningRecord, error) {
	query := fmt.Sprintf(`
        SELECT tenant_id, service, database_name, status, warnings, last_error, provisioned_at, updated_at
        FROM %s WHERE tenant_id = $1 AND service = $2
    `, ProvisioningTable)
	rec, err := scanProvisioningRecord(s.pool.QueryRow(ctx, query, tenantID, service))
	if IsNotFound(err) {
		return ProvisioningRecord{}, ErrNotFound
	}
	return rec, err
}

// List pages through the ledger for service, newest first. status filters when non-nil.
func (s *ProvisioningStore) List(ctx context.Context, service string, status *string, limit, offset int) ([]ProvisioningRecord, int, error) {
	var total int
	countQuery := fmt.Sprintf(`SELECT count(*) FROM %s WHERE service = $1 AND ($2::text IS NULL OR status = $2)`, ProvisioningTable)
	if err := s.pool.QueryRow(ctx, countQuery, service, status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tenant databases: %w", err)
	}

	query := fmt.Sprintf(`
        SELECT tenant_id, service, database_name, status, warnings, last_error, provisioned_at, updated_at
        FROM %s WHERE service = $1 AND ($2::text IS NULL OR status = $2)
        ORDER BY updated_at DESC, tenant_id
        LIMIT $3 OFFSET $4
    `, ProvisioningTable)
	rows, err := s.pool.Query(ctx, query, service, status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list tenant databases: %w", err)
	}
	defer rows.Close()

	var out []ProvisioningRecord
	for rows.Next() {
		rec, err := scanProvisioningRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func scanProvisioningRecord(row pgx.Row) (ProvisioningRecord, error) {
	var rec ProvisioningRecord
	var warnings []byte
	if err := row.Scan(&rec.TenantID, &rec.Service, &rec.DatabaseName, &rec.Status, &warnings,
		&rec.LastError, &rec.ProvisionedAt, &rec.UpdatedAt); err != nil {
		return ProvisioningRecord{}, err
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &rec.Warnings); err != nil {
			return ProvisioningRecord{}, fmt.Errorf("decode warnings: %w", err)
		}
	}
	return rec, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
