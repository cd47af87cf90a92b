// Package connpooltest provides an in-memory stand-in for a PostgreSQL server so the pool
// manager, provisioner and router can be exercised without a database.
package connpooltest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zenGate-Global/hrms-tenancy/platform/go/connpool"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/persistence"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/tenant"
)

// ErrUnsupported is returned by fake DB methods that have no in-memory behaviour.
var ErrUnsupported = errors.New("connpooltest: unsupported operation")

// Server tracks databases, open handles and injected failures.
type Server struct {
	mu sync.Mutex

	databases map[string]bool
	// redirect makes a connection to key report the value as current_database().
	redirect map[string]string
	// dead marks databases whose existing handles fail Ping.
	dead map[string]bool
	// execErr fails Exec statements containing the key substring.
	execErr map[string]error

	ConnectErr   error
	CreateErr    error
	DropErr      error
	TerminateErr error
	CatalogErr   error

	Connects   map[string]int
	Creates    int
	Drops      int
	Terminates int
	Locks      int
	Execs      []string
	open       []*DB
}

// NewServer returns a server that already hosts the given databases.
func NewServer(databases ...string) *Server {
	s := &Server{
		databases: make(map[string]bool),
		redirect:  make(map[string]string),
		dead:      make(map[string]bool),
		execErr:   make(map[string]error),
		Connects:  make(map[string]int),
	}
	for _, d := range databases {
		s.databases[d] = true
	}
	return s
}

// Central opens a handle that is not counted as a tenant connection.
func (s *Server) Central(name string) *DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.databases[name] = true
	return &DB{server: s, name: name}
}

// AddDatabase registers an existing database.
func (s *Server) AddDatabase(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.databases[name] = true
}

// Redirect makes connections to database report actual as their current database.
func (s *Server) Redirect(database, actual string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirect[database] = actual
}

// Kill makes every handle to database fail its liveness probe.
func (s *Server) Kill(database string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead[database] = true
}

// Revive clears Kill.
func (s *Server) Revive(database string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dead, database)
}

// FailExec makes Exec return err for statements containing substr.
func (s *Server) FailExec(substr string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execErr[substr] = err
}

// HasDatabase reports whether name exists.
func (s *Server) HasDatabase(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.databases[name]
}

// OpenHandles counts handles to database that were not closed.
func (s *Server) OpenHandles(database string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, db := range s.open {
		if db.name == database && !db.closed {
			n++
		}
	}
	return n
}

// ExecCount returns how many Exec statements contained substr.
func (s *Server) ExecCount(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, stmt := range s.Execs {
		if strings.Contains(stmt, substr) {
			n++
		}
	}
	return n
}

// Connect implements connpool.Connector.
func (s *Server) Connect(_ context.Context, database string) (connpool.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Connects[database]++
	if s.ConnectErr != nil {
		return nil, s.ConnectErr
	}
	if !s.databases[database] {
		return nil, fmt.Errorf("database %q does not exist", database)
	}
	db := &DB{server: s, name: database}
	s.open = append(s.open, db)
	return db, nil
}

// DatabaseExists implements connpool.Catalog.
func (s *Server) DatabaseExists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CatalogErr != nil {
		return false, s.CatalogErr
	}
	return s.databases[name], nil
}

// CreateDatabase creates name or fails with persistence.ErrDatabaseExists.
func (s *Server) CreateDatabase(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Creates++
	if s.CreateErr != nil {
		return s.CreateErr
	}
	if s.databases[name] {
		return fmt.Errorf("create database %q: %w", name, persistence.ErrDatabaseExists)
	}
	s.databases[name] = true
	return nil
}

// DropDatabase removes name if it exists.
func (s *Server) DropDatabase(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Drops++
	if s.DropErr != nil {
		return s.DropErr
	}
	delete(s.databases, name)
	return nil
}

// TerminateConnections closes every open handle to name.
func (s *Server) TerminateConnections(_ context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Terminates++
	if s.TerminateErr != nil {
		return 0, s.TerminateErr
	}
	n := 0
	for _, db := range s.open {
		if db.name == name && !db.terminated {
			db.terminated = true
			n++
		}
	}
	return n, nil
}

// Lock is a no-op advisory lock that counts acquisitions.
func (s *Server) Lock(_ context.Context, _ string) (func(), error) {
	s.mu.Lock()
	s.Locks++
	s.mu.Unlock()
	return func() {}, nil
}

// DB is an in-memory connpool.DB.
type DB struct {
	server     *Server
	name       string
	closed     bool
	terminated bool
}

var _ connpool.DB = (*DB)(nil)

// Name returns the database the handle was opened for.
func (d *DB) Name() string { return d.name }

// Closed reports whether Close was called.
func (d *DB) Closed() bool {
	d.server.mu.Lock()
	defer d.server.mu.Unlock()
	return d.closed
}

func (d *DB) usable() error {
	if d.closed {
		return errors.New("connection closed")
	}
	if d.terminated {
		return errors.New("terminating connection due to administrator command")
	}
	if d.server.dead[d.name] {
		return errors.New("connection reset by peer")
	}
	return nil
}

func (d *DB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	d.server.mu.Lock()
	defer d.server.mu.Unlock()
	if err := d.usable(); err != nil {
		return pgconn.CommandTag{}, err
	}
	d.server.Execs = append(d.server.Execs, sql)
	for substr, err := range d.server.execErr {
		if strings.Contains(sql, substr) {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (d *DB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, ErrUnsupported
}

func (d *DB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	d.server.mu.Lock()
	defer d.server.mu.Unlock()
	if err := d.usable(); err != nil {
		return row{err: err}
	}
	if strings.Contains(sql, "current_database()") {
		current := d.name
		if actual, ok := d.server.redirect[d.name]; ok {
			current = actual
		}
		return row{value: current}
	}
	return row{err: ErrUnsupported}
}

func (d *DB) Begin(context.Context) (pgx.Tx, error) {
	return nil, ErrUnsupported
}

func (d *DB) Ping(context.Context) error {
	d.server.mu.Lock()
	defer d.server.mu.Unlock()
	return d.usable()
}

func (d *DB) Close() {
	d.server.mu.Lock()
	defer d.server.mu.Unlock()
	d.closed = true
}

type row struct {
	value string
	err   error
}

func (r row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 1 {
		return fmt.Errorf("connpooltest: expected 1 scan target, got %d", len(dest))
	}
	p, ok := dest[0].(*string)
	if !ok {
		return fmt.Errorf("connpooltest: unsupported scan target %T", dest[0])
	}
	*p = r.value
	return nil
}

// Directory is an in-memory connpool.Directory.
type Directory struct {
	mu      sync.Mutex
	tenants map[string]tenant.Tenant
	Calls   int
}

// NewDirectory indexes tenants by id and domain.
func NewDirectory(tenants ...tenant.Tenant) *Directory {
	d := &Directory{tenants: make(map[string]tenant.Tenant)}
	for _, t := range tenants {
		d.Put(t)
	}
	return d
}

// Put adds or replaces a tenant.
func (d *Directory) Put(t tenant.Tenant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenants[t.ID] = t
	if t.Domain != "" {
		d.tenants[t.Domain] = t
	}
}

// Resolve implements connpool.Directory.
func (d *Directory) Resolve(_ context.Context, identifier string) (tenant.Tenant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls++
	t, ok := d.tenants[identifier]
	if !ok {
		return tenant.Tenant{}, tenant.NewError(tenant.KindTenantNotFound, "resolve tenant", identifier, "", nil)
	}
	return t, nil
}
