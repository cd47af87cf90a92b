package connpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/zenGate-Global/hrms-tenancy/platform/go/metrics"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/tenant"
)

// ConnectionInfo is the read-only view of a session's active connection.
// Error is set instead of failing when the connection is unreachable.
type ConnectionInfo struct {
	ActiveKey    string `json:"active_key"`
	DatabaseName string `json:"database_name"`
	Host         string `json:"host"`
	Driver       string `json:"driver"`
	Error        string `json:"error,omitempty"`
}

// Session is the request-scoped active connection. It starts on the central connection.
// A session pins at most one registry entry at a time.
type Session struct {
	m *Manager

	mu     sync.Mutex
	active *entry
}

// SwitchToTenant makes the tenant's database the active connection.
// On failure the previously active connection is left untouched.
func (s *Session) SwitchToTenant(ctx context.Context, tenantID string) error {
	const op = "switch to tenant"
	m := s.m

	t, err := m.directory.Resolve(ctx, tenantID)
	if err != nil {
		metrics.ConnectionSwitches.WithLabelValues("tenant", "not_found").Inc()
		kind := tenant.KindOf(err)
		if kind == tenant.KindUnknown {
			kind = tenant.KindTenantNotFound
		}
		return tenant.NewError(kind, op, tenantID, "", err)
	}
	return s.SwitchTo(ctx, t)
}

// SwitchTo makes an already resolved tenant's database the active connection.
// The directory is not consulted.
func (s *Session) SwitchTo(ctx context.Context, t tenant.Tenant) error {
	const op = "switch to tenant"
	m := s.m

	name, err := m.DatabaseName(t.ID)
	if err != nil {
		return err
	}

	exists, err := m.catalog.DatabaseExists(ctx, name)
	if err != nil {
		metrics.ConnectionSwitches.WithLabelValues("tenant", "failed").Inc()
		return tenant.NewError(tenant.KindConnectionFailed, op, t.ID, name, err)
	}
	if !exists {
		metrics.ConnectionSwitches.WithLabelValues("tenant", "missing").Inc()
		return tenant.NewError(tenant.KindDatabaseMissing, op, t.ID, name, nil)
	}

	e, err := m.acquire(ctx, t.ID, name)
	if err != nil {
		metrics.ConnectionSwitches.WithLabelValues("tenant", "failed").Inc()
		return err
	}

	s.mu.Lock()
	prev := s.active
	s.active = e
	s.mu.Unlock()

	if prev != nil {
		m.release(prev)
	}
	metrics.ConnectionSwitches.WithLabelValues("tenant", "ok").Inc()
	return nil
}

// SwitchToCentral releases the tenant entry, purges idle tenant entries when configured,
// and verifies the central connection.
func (s *Session) SwitchToCentral(ctx context.Context) error {
	m := s.m

	s.mu.Lock()
	prev := s.active
	s.active = nil
	s.mu.Unlock()

	if prev != nil {
		m.release(prev)
	}
	if m.cfg.PurgeOnRelease {
		if n := m.PurgeIdle(); n > 0 {
			m.logger.Debug("purged idle tenant connections", zap.Int("count", n))
		}
	}

	if err := m.central.Ping(ctx); err != nil {
		metrics.ConnectionSwitches.WithLabelValues("central", "failed").Inc()
		return tenant.NewError(tenant.KindConnectionFailed, "switch to central", "", m.cfg.CentralDatabase, err)
	}
	metrics.ConnectionSwitches.WithLabelValues("central", "ok").Inc()
	return nil
}

// Discard drops the active tenant entry from the registry so no later session reuses it,
// and returns the session to central. The handle closes once its last holder releases it.
func (s *Session) Discard() {
	m := s.m

	s.mu.Lock()
	e := s.active
	s.active = nil
	s.mu.Unlock()
	if e == nil {
		return
	}

	m.mu.Lock()
	m.removeLocked(e)
	m.mu.Unlock()
	m.release(e)

	metrics.PoolEvictions.WithLabelValues("discarded").Inc()
	m.logger.Warn("discarded tenant connection", zap.String("registry_key", e.key))
}

// DB returns the active connection handle. A tenant session whose handle is gone gets a
// handle that fails every call; it never falls back to central.
func (s *Session) DB() DB {
	s.mu.Lock()
	e := s.active
	s.mu.Unlock()
	if e == nil {
		return s.m.central
	}

	// Handles are closed and cleared under the manager lock.
	s.m.mu.Lock()
	db := e.db
	s.m.mu.Unlock()
	if db == nil {
		return detachedDB{key: e.key, tenantID: e.tenantID, database: e.database}
	}
	return db
}

// detachedDB stands in for a tenant handle that was closed underneath its session.
type detachedDB struct {
	key      string
	tenantID string
	database string
}

func (d detachedDB) err() error {
	return tenant.NewError(tenant.KindConnectionFailed, "use tenant connection", d.tenantID, d.database,
		fmt.Errorf("connection %s is no longer available", d.key))
}

func (d detachedDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, d.err()
}

func (d detachedDB) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, d.err() }

func (d detachedDB) QueryRow(context.Context, string, ...any) pgx.Row { return errRow{err: d.err()} }

func (d detachedDB) Begin(context.Context) (pgx.Tx, error) { return nil, d.err() }

func (d detachedDB) Ping(context.Context) error { return d.err() }

func (d detachedDB) Close() {}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// ActiveKey returns the registry key of the active connection, or CentralKey.
func (s *Session) ActiveKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return CentralKey
	}
	return s.active.key
}

// IsCentral reports whether the central connection is active.
func (s *Session) IsCentral() bool {
	return s.ActiveKey() == CentralKey
}

// CurrentConnectionInfo reports the active connection, reading the live database name.
func (s *Session) CurrentConnectionInfo(ctx context.Context) ConnectionInfo {
	info := ConnectionInfo{
		ActiveKey: s.ActiveKey(),
		Host:      s.m.cfg.Host,
		Driver:    s.m.cfg.Driver,
	}

	var current string
	if err := s.DB().QueryRow(ctx, "SELECT current_database()").Scan(&current); err != nil {
		info.Error = fmt.Sprintf("active connection unreachable: %v", err)
		return info
	}
	info.DatabaseName = current
	return info
}

type sessionKey struct{}

// WithSession stores the session on the context for downstream handlers.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext retrieves the request session, if present.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}
