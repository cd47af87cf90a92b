package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/zenGate-Global/hrms-tenancy/platform/go/connpool"
)

// SettingsTable holds per-tenant key/value settings inside each tenant database.
const SettingsTable = "tenant_settings"

// ErrSettingNotFound is returned when a settings key does not exist.
var ErrSettingNotFound = errors.New("setting not found")

// Setting is one row of the tenant settings table.
type Setting struct {
	Key       string          `db:"key"`
	Value     json.RawMessage `db:"value"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// SettingsStore reads and writes tenant settings through whichever handle the caller routed to.
type SettingsStore struct{}

// NewSettingsStore returns a settings store.
func NewSettingsStore() *SettingsStore {
	return &SettingsStore{}
}

// List returns every setting ordered by key.
func (s *SettingsStore) List(ctx context.Context, db connpool.DB) ([]Setting, error) {
	rows, err := db.Query(ctx, fmt.Sprintf(`SELECT key, value, updated_at FROM %s ORDER BY key`, SettingsTable))
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := make([]Setting, 0)
	for rows.Next() {
		setting, err := scanSetting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, setting)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}
	return out, nil
}

// Get loads one setting.
func (s *SettingsStore) Get(ctx context.Context, db connpool.DB, key string) (Setting, error) {
	row := db.QueryRow(ctx, fmt.Sprintf(`SELECT key, value, updated_at FROM %s WHERE key = $1`, SettingsTable), key)
	return scanSetting(row)
}

// Put inserts or replaces a setting.
func (s *SettingsStore) Put(ctx context.Context, db connpool.DB, key string, value json.RawMessage) (Setting, error) {
	query := fmt.Sprintf(`
        INSERT INTO %s (key, value, updated_at)
        VALUES ($1, $2, now())
        ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
        RETURNING key, value, updated_at
    `, SettingsTable)
	return scanSetting(db.QueryRow(ctx, query, key, []byte(value)))
}

// Delete removes a setting.
func (s *SettingsStore) Delete(ctx context.Context, db connpool.DB, key string) error {
	tag, err := db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, SettingsTable), key)
	if err != nil {
		return fmt.Errorf("delete setting: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSettingNotFound
	}
	return nil
}

func scanSetting(row pgx.Row) (Setting, error) {
	var (
		setting Setting
		value   []byte
	)
	if err := row.Scan(&setting.Key, &value, &setting.UpdatedAt); err != nil {
		if IsNotFound(err) {
			return Setting{}, ErrSettingNotFound
		}
		return Setting{}, fmt.Errorf("scan setting: %w", err)
	}
	setting.Value = json.RawMessage(value)
	return setting, nil
}
