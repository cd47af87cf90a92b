package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Table is the central outbox table created by the central migration set.
const Table = "outbox_events"

// DefaultClaimLease hides claimed rows from other dispatchers while they are being published.
const DefaultClaimLease = time.Minute

// ErrNotFound is returned when an outbox row does not exist.
var ErrNotFound = errors.New("outbox event not found")

// Store persists outbox rows in the central database.
type Store struct {
	pool  *pgxpool.Pool
	lease time.Duration
}

// NewStore returns a Store on the central pool.
func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("outbox store requires pool")
	}
	return &Store{pool: pool, lease: DefaultClaimLease}
}

// Enqueue persists e in its own transaction.
func (s *Store) Enqueue(ctx context.Context, e Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin outbox tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := EnqueueTx(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit outbox tx: %w", err)
	}
	return nil
}

// EnqueueTx persists e inside the caller's transaction so it commits or rolls back with the domain write.
func EnqueueTx(ctx context.Context, tx pgx.Tx, e Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	headers, err := json.Marshal(nonNilHeaders(e.Headers))
	if err != nil {
		return fmt.Errorf("encode outbox headers: %w", err)
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	query := fmt.Sprintf(`
        INSERT INTO %s (event_id, tenant_id, aggregate_type, aggregate_id, event_type, payload, headers, created_at, available_at)
        VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7, $8, $8)
    `, Table)
	if _, err := tx.Exec(ctx, query, e.ID, e.TenantID, e.AggregateType, e.AggregateID, e.EventType, []byte(payload), headers, e.OccurredAt); err != nil {
		return fmt.Errorf("insert outbox event %s: %w", e.EventType, err)
	}
	return nil
}

// ClaimPendingBatch returns up to limit pending rows that are due, oldest first, and pushes their
// available_at forward by the claim lease. Concurrent dispatchers never receive the same row.
func (s *Store) ClaimPendingBatch(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
        UPDATE %[1]s SET available_at = now() + make_interval(secs => $2)
        WHERE event_id IN (
            SELECT event_id FROM %[1]s
            WHERE status = 'pending' AND available_at <= now()
            ORDER BY created_at
            LIMIT $1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING event_id, COALESCE(tenant_id::text, ''), aggregate_type, aggregate_id, event_type,
                  payload, headers, status, attempts, available_at, created_at, dispatched_at, last_error
    `, Table)

	rows, err := s.pool.Query(ctx, query, limit, s.lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	return out, nil
}

// MarkDispatched records a successful publish.
func (s *Store) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	query := fmt.Sprintf(`
        UPDATE %s SET status = 'dispatched', dispatched_at = now(), last_error = NULL
        WHERE event_id = $1
    `, Table)
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark outbox event dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a failed publish. The row becomes due again after retryDelay;
// a negative retryDelay gives up and parks the row as failed.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, retryDelay time.Duration, lastErr string) error {
	status := StatusPending
	if retryDelay < 0 {
		status = StatusFailed
		retryDelay = 0
	}
	query := fmt.Sprintf(`
        UPDATE %s SET status = $2, attempts = $3, last_error = $4,
                      available_at = now() + make_interval(secs => $5)
        WHERE event_id = $1
    `, Table)
	tag, err := s.pool.Exec(ctx, query, id, string(status), attempts, lastErr, retryDelay.Seconds())
	if err != nil {
		return fmt.Errorf("mark outbox event failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads one row.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	query := fmt.Sprintf(`
        SELECT event_id, COALESCE(tenant_id::text, ''), aggregate_type, aggregate_id, event_type,
               payload, headers, status, attempts, available_at, created_at, dispatched_at, last_error
        FROM %s WHERE event_id = $1
    `, Table)
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec     Record
		payload []byte
		headers []byte
		status  string
	)
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.AggregateType, &rec.AggregateID, &rec.EventType,
		&payload, &headers, &status, &rec.Attempts, &rec.AvailableAt, &rec.OccurredAt, &rec.DispatchedAt, &rec.LastError); err != nil {
		return Record{}, err
	}
	rec.Payload = json.RawMessage(payload)
	rec.Status = Status(status)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &rec.Headers); err != nil {
			return Record{}, fmt.Errorf("decode outbox headers: %w", err)
		}
	}
	return rec, nil
}

func nonNilHeaders(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}
