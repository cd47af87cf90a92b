package connpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/zenGate-Global/hrms-tenancy/platform/go/metrics"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/tenant"
)

// CentralKey is the registry key reported while the central connection is active.
const CentralKey = "central"

// DefaultMaxIdle is the age-based cleanup threshold used by the router.
const DefaultMaxIdle = 30 * time.Minute

// DB is the query surface shared by the central connection and pooled tenant handles.
// *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Connector opens a handle to a named database on the current service's server,
// reusing the central host, port and credentials.
type Connector interface {
	Connect(ctx context.Context, database string) (DB, error)
}

// Catalog answers existence probes against the server's database catalog.
type Catalog interface {
	DatabaseExists(ctx context.Context, name string) (bool, error)
}

// Directory resolves a tenant identifier to tenant metadata.
type Directory interface {
	Resolve(ctx context.Context, identifier string) (tenant.Tenant, error)
}

// Config describes the service whose tenant databases are routed.
type Config struct {
	Service         string
	CentralDatabase string
	Host            string
	Driver          string
	// PurgeOnRelease drops every idle tenant entry when a session switches back to central.
	PurgeOnRelease bool
}

// Deps groups the collaborators required by the Manager.
type Deps struct {
	Central   DB
	Connector Connector
	Catalog   Catalog
	Directory Directory
}

// PooledConnection is a read-only snapshot of a registry entry.
type PooledConnection struct {
	Key       string    `json:"key"`
	TenantID  string    `json:"tenant_id"`
	Database  string    `json:"database"`
	Service   string    `json:"service"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
	InUse     int       `json:"in_use"`
}

type entry struct {
	key       string
	tenantID  string
	database  string
	service   string
	db        DB
	createdAt time.Time
	lastUsed  time.Time
	refs      int
	evicted   bool
}

// Manager owns the process-wide registry of per-tenant connection handles.
// All registry mutations happen under mu; network calls never do.
type Manager struct {
	cfg       Config
	central   DB
	connector Connector
	catalog   Catalog
	directory Directory
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs a Manager with required dependencies.
func New(cfg Config, deps Deps, logger *zap.Logger) *Manager {
	if strings.TrimSpace(cfg.Service) == "" {
		panic("connpool: service name is required")
	}
	if deps.Central == nil {
		panic("connpool: central connection is required")
	}
	if deps.Connector == nil {
		panic("connpool: connector is required")
	}
	if deps.Catalog == nil {
		panic("connpool: catalog is required")
	}
	if deps.Directory == nil {
		panic("connpool: directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Driver == "" {
		cfg.Driver = "pgx"
	}

	return &Manager{
		cfg:       cfg,
		central:   deps.Central,
		connector: deps.Connector,
		catalog:   deps.Catalog,
		directory: deps.Directory,
		logger:    logger,
		now:       time.Now,
		entries:   make(map[string]*entry),
	}
}

// Service returns the name of the service this manager routes for.
func (m *Manager) Service() string { return m.cfg.Service }

// Central returns the service's own database handle.
func (m *Manager) Central() DB { return m.central }

// DatabaseName returns the physical database name of tenantID on this service.
func (m *Manager) DatabaseName(tenantID string) (string, error) {
	return tenant.PhysicalDatabaseName(tenantID, m.cfg.Service)
}

// DatabaseExists probes the server catalog for the tenant's physical database.
func (m *Manager) DatabaseExists(ctx context.Context, tenantID string) (bool, error) {
	name, err := m.DatabaseName(tenantID)
	if err != nil {
		return false, err
	}
	exists, err := m.catalog.DatabaseExists(ctx, name)
	if err != nil {
		return false, tenant.NewError(tenant.KindConnectionFailed, "database exists", tenantID, name, err)
	}
	return exists, nil
}

// NewSession returns a request-scoped session whose active connection is central.
func (m *Manager) NewSession() *Session {
	return &Session{m: m}
}

// Register opens (or reuses) a verified handle to the tenant's database and pins it until
// release is called. The provisioner uses it to configure a freshly created database.
func (m *Manager) Register(ctx context.Context, tenantID string) (DB, func(), error) {
	name, err := m.DatabaseName(tenantID)
	if err != nil {
		return nil, nil, err
	}
	e, err := m.acquire(ctx, tenantID, name)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return e.db, func() { once.Do(func() { m.release(e) }) }, nil
}

// Evict removes the tenant's registry entry. The handle is closed once no session uses it.
func (m *Manager) Evict(tenantID string) bool {
	key, err := tenant.RegistryKey(tenantID, m.cfg.Service)
	if err != nil {
		return false
	}

	m.mu.Lock()
	e, ok := m.entries[key]
	var toClose DB
	if ok {
		toClose = m.removeLocked(e)
	}
	m.mu.Unlock()

	if toClose != nil {
		toClose.Close()
	}
	if ok {
		metrics.PoolEvictions.WithLabelValues("explicit").Inc()
		m.logger.Info("evicted tenant connection", zap.String("registry_key", key))
	}
	return ok
}

// CleanupOlderThan evicts entries whose last use is older than now-maxAge.
// Entries held by an in-flight session are never evicted.
func (m *Manager) CleanupOlderThan(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	var closing []DB
	var keys []string
	for key, e := range m.entries {
		if e.refs > 0 || !e.lastUsed.Before(cutoff) {
			continue
		}
		if db := m.removeLocked(e); db != nil {
			closing = append(closing, db)
		}
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, db := range closing {
		db.Close()
	}
	if len(keys) > 0 {
		metrics.PoolEvictions.WithLabelValues("aged").Add(float64(len(keys)))
		m.logger.Debug("cleaned up aged tenant connections", zap.Strings("registry_keys", keys), zap.Duration("max_age", maxAge))
	}
	return len(keys)
}

// PurgeIdle evicts every tenant entry not currently held by a session.
func (m *Manager) PurgeIdle() int {
	m.mu.Lock()
	var closing []DB
	for key, e := range m.entries {
		if e.refs > 0 || !tenant.IsRegistryKey(key) {
			continue
		}
		if db := m.removeLocked(e); db != nil {
			closing = append(closing, db)
		}
	}
	m.mu.Unlock()

	for _, db := range closing {
		db.Close()
	}
	if len(closing) > 0 {
		metrics.PoolEvictions.WithLabelValues("purge").Add(float64(len(closing)))
	}
	return len(closing)
}

// Snapshot lists the registry entries ordered by key.
func (m *Manager) Snapshot() []PooledConnection {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PooledConnection, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, PooledConnection{
			Key:       e.key,
			TenantID:  e.tenantID,
			Database:  e.database,
			Service:   e.service,
			CreatedAt: e.createdAt,
			LastUsed:  e.lastUsed,
			InUse:     e.refs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of registry entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close evicts every entry and closes all tenant handles. The central handle is left to its owner.
func (m *Manager) Close() {
	m.mu.Lock()
	var closing []DB
	for _, e := range m.entries {
		e.evicted = true
		delete(m.entries, e.key)
		if e.db != nil {
			closing = append(closing, e.db)
			e.db = nil
		}
	}
	metrics.PooledConnections.Set(0)
	m.mu.Unlock()

	for _, db := range closing {
		db.Close()
	}
}

// acquire returns a live, verified entry for the tenant database with its ref count bumped.
func (m *Manager) acquire(ctx context.Context, tenantID, database string) (*entry, error) {
	const op = "acquire tenant connection"

	key := tenant.ToIdentifier(database)

	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		e.refs++
	}
	m.mu.Unlock()

	if ok {
		err := e.db.Ping(ctx)
		if err == nil {
			m.touch(e)
			return e, nil
		}
		m.logger.Warn("pooled tenant connection failed liveness probe; evicting",
			zap.String("registry_key", key), zap.Error(err))

		// Our ref keeps removeLocked from closing; release closes once the last holder lets go.
		m.mu.Lock()
		m.removeLocked(e)
		m.mu.Unlock()
		m.release(e)
		metrics.PoolEvictions.WithLabelValues("stale").Inc()
	}

	db, err := m.connector.Connect(ctx, database)
	if err != nil {
		return nil, tenant.NewError(tenant.KindConnectionFailed, op, tenantID, database, err)
	}

	if err := verifyDatabase(ctx, db, database); err != nil {
		db.Close()
		if errors.Is(err, tenant.ErrVerificationMismatch) {
			m.logger.Error("tenant connection verification mismatch",
				zap.String("tenant_id", tenantID), zap.String("expected_database", database), zap.Error(err))
		}
		return nil, tenant.NewError(tenant.KindOf(err), op, tenantID, database, errors.Unwrap(err))
	}

	now := m.now()

	m.mu.Lock()
	if existing, ok := m.entries[key]; ok {
		// Another session registered the same database while we were connecting.
		existing.refs++
		existing.lastUsed = now
		m.mu.Unlock()
		db.Close()
		return existing, nil
	}
	e = &entry{
		key:       key,
		tenantID:  tenantID,
		database:  database,
		service:   m.cfg.Service,
		db:        db,
		createdAt: now,
		lastUsed:  now,
		refs:      1,
	}
	m.entries[key] = e
	metrics.PooledConnections.Set(float64(len(m.entries)))
	m.mu.Unlock()

	m.logger.Debug("registered tenant connection", zap.String("registry_key", key), zap.String("tenant_id", tenantID))
	return e, nil
}

func (m *Manager) touch(e *entry) {
	m.mu.Lock()
	e.lastUsed = m.now()
	m.mu.Unlock()
}

func (m *Manager) release(e *entry) {
	m.mu.Lock()
	if e.refs > 0 {
		e.refs--
	}
	var toClose DB
	if e.evicted && e.refs == 0 && e.db != nil {
		toClose = e.db
		e.db = nil
	}
	m.mu.Unlock()

	if toClose != nil {
		toClose.Close()
	}
}

// removeLocked drops e from the registry and returns its handle when it can be closed now.
// Caller must hold mu.
func (m *Manager) removeLocked(e *entry) DB {
	if current, ok := m.entries[e.key]; ok && current == e {
		delete(m.entries, e.key)
		metrics.PooledConnections.Set(float64(len(m.entries)))
	}
	e.evicted = true
	if e.refs > 0 || e.db == nil {
		return nil
	}
	db := e.db
	e.db = nil
	return db
}

// verifyDatabase guards against a connection silently landing on a default database.
func verifyDatabase(ctx context.Context, db DB, expected string) error {
	if err := db.Ping(ctx); err != nil {
		return tenant.NewError(tenant.KindConnectionFailed, "", "", expected, err)
	}
	var current string
	if err := db.QueryRow(ctx, "SELECT current_database()").Scan(&current); err != nil {
		return tenant.NewError(tenant.KindConnectionFailed, "", "", expected, fmt.Errorf("read current database: %w", err))
	}
	if current != expected {
		return tenant.NewError(tenant.KindVerificationMismatch, "", "", expected,
			fmt.Errorf("connected to %q", current))
	}
	return nil
}
