package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/hrms-tenancy/platform/go/connpool"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/directory"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/outbox"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/requesttrace"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/tenant"
)

// Errors returned by the service layer.
var (
	ErrNotFound = errors.New("tenant database not found")
)

// Status is the provisioning ledger state of a tenant database.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusReady        Status = "ready"
	StatusFailed       Status = "failed"
	StatusDropped      Status = "dropped"
)

// StatusFromString converts a stored string to Status; unknown values read as failed.
func StatusFromString(s string) Status {
	switch Status(s) {
	case StatusProvisioning, StatusReady, StatusFailed, StatusDropped:
		return Status(s)
	default:
		return StatusFailed
	}
}

// Provisioning is the ledger entry for one tenant database on this service.
type Provisioning struct {
	TenantID      uuid.UUID
	Service       string
	Database      string
	Status        Status
	Warnings      []string
	LastError     *string
	ProvisionedAt *time.Time
	UpdatedAt     time.Time
}

// ListOptions captures filters and pagination.
type ListOptions struct {
	Page     int
	PageSize int
	Status   *Status
}

// ListResult wraps paginated ledger entries.
type ListResult struct {
	Items      []Provisioning
	Page       int
	PageSize   int
	TotalItems int
	TotalPages int
}

// Repository abstracts ledger persistence. Save writes events into the outbox in the same
// transaction as the ledger row.
type Repository interface {
	Get(ctx context.Context, tenantID uuid.UUID) (Provisioning, error)
	Save(ctx context.Context, p Provisioning, events ...outbox.Event) (Provisioning, error)
	List(ctx context.Context, opts ListOptions) (ListResult, error)
}

// Directory resolves tenant identifiers.
type Directory interface {
	Resolve(ctx context.Context, identifier string) (tenant.Tenant, error)
}

// Registry is the connection pool view used for introspection and maintenance.
type Registry interface {
	Snapshot() []connpool.PooledConnection
	CleanupOlderThan(maxAge time.Duration) int
}

// BreakerReporter exposes the directory circuit breaker state.
type BreakerReporter interface {
	Status() directory.BreakerStatus
}

// Config for the provisioning workflow.
type Config struct {
	Service string
	// ProvisionOnEvent provisions this service's database when a tenant.created event arrives.
	ProvisionOnEvent bool
}

// Deps groups the workflow collaborators.
type Deps struct {
	Directory   Directory
	Provisioner DBProvisioner
	Repo        Repository
	Registry    Registry
	Breaker     BreakerReporter
}

// Service drives tenant database provisioning for one service.
type Service struct {
	cfg         Config
	directory   Directory
	provisioner DBProvisioner
	repo        Repository
	registry    Registry
	breaker     BreakerReporter
	logger      *zap.Logger
}

// New constructs a Service with required dependencies.
func New(cfg Config, deps Deps, logger *zap.Logger) *Service {
	if strings.TrimSpace(cfg.Service) == "" {
		panic("service name is required")
	}
	if deps.Directory == nil {
		panic("tenant directory is required")
	}
	if deps.Provisioner == nil {
		panic("db provisioner is required")
	}
	if deps.Repo == nil {
		panic("provisioning repo is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:         cfg,
		directory:   deps.Directory,
		provisioner: deps.Provisioner,
		repo:        deps.Repo,
		registry:    deps.Registry,
		breaker:     deps.Breaker,
		logger:      logger,
	}
}

// Provision resolves identifier at the identity authority and creates this service's database for it.
// Ledger and announcement failures are logged and do not fail the call.
func (s *Service) Provision(ctx context.Context, identifier string) (ProvisionResult, error) {
	t, err := s.directory.Resolve(ctx, identifier)
	if err != nil {
		return ProvisionResult{}, err
	}
	if !t.IsActive {
		return ProvisionResult{}, tenant.NewError(tenant.KindTenantInactive, "provision tenant", t.ID, "", nil)
	}
	id, err := uuid.Parse(t.ID)
	if err != nil {
		return ProvisionResult{}, tenant.NewError(tenant.KindInvalidArgument, "provision tenant", t.ID, "", err)
	}
	logger := s.logger.With(zap.String("tenant_id", t.ID), zap.String("service", s.cfg.Service))

	database, _ := tenant.PhysicalDatabaseName(t.ID, s.cfg.Service)
	s.record(ctx, logger, Provisioning{TenantID: id, Service: s.cfg.Service, Database: database, Status: StatusProvisioning})

	res, err := s.provisioner.Create(ctx, t)
	if err != nil {
		msg := err.Error()
		s.record(ctx, logger, Provisioning{
			TenantID: id, Service: s.cfg.Service, Database: database, Status: StatusFailed, LastError: &msg,
		})
		return res, err
	}

	now := time.Now().UTC()
	entry := Provisioning{
		TenantID:      id,
		Service:       s.cfg.Service,
		Database:      res.Database,
		Status:        StatusReady,
		Warnings:      res.Warnings,
		ProvisionedAt: &now,
	}
	var events []outbox.Event
	if res.Created {
		e, err := outbox.NewEvent(t.ID, AggregateTenantDatabase, t.ID, EventTenantDatabaseCreated, TenantDatabaseCreated{
			TenantID: t.ID,
			Service:  s.cfg.Service,
			Database: res.Database,
			Warnings: res.Warnings,
		}, requesttrace.FromContextOrSystem(ctx).Headers())
		if err != nil {
			logger.Warn("build tenant database announcement failed", zap.Error(err))
		} else {
			events = append(events, e)
		}
	} else {
		// An existing database keeps its original provisioning time.
		entry.ProvisionedAt = nil
	}
	s.record(ctx, logger, entry, events...)

	return res, nil
}

// Drop removes this service's database for the tenant. A tenant already deleted at the identity
// authority can still be dropped by id.
func (s *Service) Drop(ctx context.Context, identifier string) error {
	t, err := s.directory.Resolve(ctx, identifier)
	if err != nil {
		if !errors.Is(err, tenant.ErrTenantNotFound) || !tenant.IsUUID(identifier) {
			return err
		}
		t = tenant.Tenant{ID: strings.TrimSpace(identifier)}
	}
	id, err := uuid.Parse(t.ID)
	if err != nil {
		return tenant.NewError(tenant.KindInvalidArgument, "drop tenant database", t.ID, "", err)
	}
	logger := s.logger.With(zap.String("tenant_id", t.ID), zap.String("service", s.cfg.Service))

	if err := s.provisioner.Drop(ctx, t); err != nil {
		return err
	}

	database, _ := tenant.PhysicalDatabaseName(t.ID, s.cfg.Service)
	e, err := outbox.NewEvent(t.ID, AggregateTenantDatabase, t.ID, EventTenantDatabaseDropped, TenantDatabaseDropped{
		TenantID: t.ID,
		Service:  s.cfg.Service,
		Database: database,
	}, requesttrace.FromContextOrSystem(ctx).Headers())
	var events []outbox.Event
	if err != nil {
		logger.Warn("build tenant database drop announcement failed", zap.Error(err))
	} else {
		events = append(events, e)
	}
	s.record(ctx, logger, Provisioning{TenantID: id, Service: s.cfg.Service, Database: database, Status: StatusDropped}, events...)
	return nil
}

// DatabaseStatus is the live and recorded state of a tenant database.
type DatabaseStatus struct {
	TenantID string
	Database string
	Exists   bool
	Ledger   *Provisioning
}

// Status probes the catalog and reads the ledger. tenantID must be a tenant UUID.
func (s *Service) Status(ctx context.Context, tenantID string) (DatabaseStatus, error) {
	id, err := uuid.Parse(strings.TrimSpace(tenantID))
	if err != nil {
		return DatabaseStatus{}, tenant.NewError(tenant.KindInvalidArgument, "tenant database status", tenantID, "", err)
	}
	database, err := tenant.PhysicalDatabaseName(id.String(), s.cfg.Service)
	if err != nil {
		return DatabaseStatus{}, err
	}
	exists, err := s.provisioner.Exists(ctx, id.String())
	if err != nil {
		return DatabaseStatus{}, err
	}

	out := DatabaseStatus{TenantID: id.String(), Database: database, Exists: exists}
	entry, err := s.repo.Get(ctx, id)
	switch {
	case err == nil:
		out.Ledger = &entry
	case errors.Is(err, ErrNotFound):
	default:
		return DatabaseStatus{}, err
	}
	return out, nil
}

// List pages through the ledger.
func (s *Service) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	return s.repo.List(ctx, opts)
}

// ConnectionsReport is the introspection view of the connection registry.
type ConnectionsReport struct {
	Service     string
	Connections []connpool.PooledConnection
	Breaker     *directory.BreakerStatus
}

// Connections reports the pooled tenant connections and the directory breaker.
func (s *Service) Connections() ConnectionsReport {
	report := ConnectionsReport{Service: s.cfg.Service, Connections: []connpool.PooledConnection{}}
	if s.registry != nil {
		report.Connections = s.registry.Snapshot()
	}
	if s.breaker != nil {
		status := s.breaker.Status()
		report.Breaker = &status
	}
	return report
}

// Cleanup evicts pooled connections idle for longer than maxAge.
func (s *Service) Cleanup(maxAge time.Duration) int {
	if s.registry == nil {
		return 0
	}
	return s.registry.CleanupOlderThan(maxAge)
}

// HandleEvent reacts to tenant lifecycle events from other services.
func (s *Service) HandleEvent(ctx context.Context, e outbox.Event, payload any) error {
	ctx = requesttrace.IntoContext(ctx, requesttrace.System(e.ID.String()))

	switch p := payload.(type) {
	case *TenantCreated:
		if !s.cfg.ProvisionOnEvent {
			return nil
		}
		res, err := s.Provision(ctx, p.TenantID)
		if err != nil {
			return err
		}
		s.logger.Info("provisioned tenant database from event",
			zap.String("event_id", e.ID.String()), zap.String("tenant_id", p.TenantID), zap.Bool("created", res.Created))
		return nil
	default:
		// Announcements from peer services need no action here.
		return nil
	}
}

func (s *Service) record(ctx context.Context, logger *zap.Logger, p Provisioning, events ...outbox.Event) {
	if _, err := s.repo.Save(ctx, p, events...); err != nil {
		logger.Warn("recording tenant database provisioning state failed",
			zap.String("status", string(p.Status)), zap.Int("events", len(events)), zap.Error(err))
	}
}
