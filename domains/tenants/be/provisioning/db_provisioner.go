package provisioning

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zenGate-Global/hrms-tenancy/domains/tenants/be/service"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/connpool"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/metrics"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/persistence"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/tenant"
)

// DefaultTimeout bounds a single Create call, migrations included.
const DefaultTimeout = 5 * time.Minute

const rollbackTimeout = 30 * time.Second

// Engine issues server-level statements on the central connection.
type Engine interface {
	DatabaseExists(ctx context.Context, name string) (bool, error)
	CreateDatabase(ctx context.Context, name string) error
	DropDatabase(ctx context.Context, name string) error
	TerminateConnections(ctx context.Context, name string) (int, error)
	Lock(ctx context.Context, name string) (func(), error)
}

// Pool is the slice of the connection pool manager the provisioner configures.
type Pool interface {
	DatabaseName(tenantID string) (string, error)
	Register(ctx context.Context, tenantID string) (connpool.DB, func(), error)
	Evict(tenantID string) bool
}

// Migrator applies the service's schema to a tenant database.
type Migrator interface {
	Migrate(ctx context.Context, db connpool.DB) error
}

// Seeder applies default data to a tenant database.
type Seeder interface {
	Seed(ctx context.Context, db connpool.DB) error
}

// Recorder writes the tenant ownership row into a tenant database.
type Recorder interface {
	Record(ctx context.Context, db connpool.DB, t tenant.Tenant) (bool, error)
}

// Cache is the directory cache the provisioner warms and invalidates.
type Cache interface {
	Remember(ctx context.Context, t tenant.Tenant, identifiers ...string)
	Invalidate(ctx context.Context, identifiers ...string)
}

// Deps groups the provisioner collaborators.
type Deps struct {
	Engine   Engine
	Pool     Pool
	Migrator Migrator
	Seeder   Seeder
	Recorder Recorder
	Cache    Cache
}

// DBProvisioner creates, migrates, seeds and drops per-tenant databases on this service's server.
type DBProvisioner struct {
	engine   Engine
	pool     Pool
	migrator Migrator
	seeder   Seeder
	recorder Recorder
	cache    Cache
	timeout  time.Duration
	locks    *keyedMutex
	logger   *zap.Logger
}

var _ service.DBProvisioner = (*DBProvisioner)(nil)

// NewDBProvisioner wires the provisioner. A zero timeout selects DefaultTimeout.
func NewDBProvisioner(deps Deps, timeout time.Duration, logger *zap.Logger) *DBProvisioner {
	if deps.Engine == nil {
		panic("db provisioner requires engine")
	}
	if deps.Pool == nil {
		panic("db provisioner requires pool")
	}
	if deps.Migrator == nil {
		panic("db provisioner requires migrator")
	}
	if deps.Seeder == nil {
		panic("db provisioner requires seeder")
	}
	if deps.Recorder == nil {
		panic("db provisioner requires recorder")
	}
	if deps.Cache == nil {
		panic("db provisioner requires cache")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DBProvisioner{
		engine:   deps.Engine,
		pool:     deps.Pool,
		migrator: deps.Migrator,
		seeder:   deps.Seeder,
		recorder: deps.Recorder,
		cache:    deps.Cache,
		timeout:  timeout,
		locks:    newKeyedMutex(),
		logger:   logger,
	}
}

// attempt is the transient state of one Create call.
type attempt struct {
	tenant   tenant.Tenant
	database string
	result   service.ProvisionResult
	created  bool
	release  func()
}

func (a *attempt) done(step service.Step) {
	a.result.Steps = append(a.result.Steps, step)
}

func (a *attempt) warn(step service.Step, err error) {
	a.result.Warnings = append(a.result.Warnings, fmt.Sprintf("%s: %v", step, err))
}

// Create provisions the tenant's database: check-exists, create, configure, migrate, seed,
// record, cache. Create/configure/migrate failures roll the database back; later steps only warn.
func (p *DBProvisioner) Create(ctx context.Context, t tenant.Tenant) (service.ProvisionResult, error) {
	const op = "create tenant database"
	start := time.Now()

	name, err := p.pool.DatabaseName(t.ID)
	if err != nil {
		return service.ProvisionResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	logger := p.logger.With(zap.String("tenant_id", t.ID), zap.String("database", name))

	unlock, err := p.lock(ctx, name)
	if err != nil {
		metrics.ProvisioningTotal.WithLabelValues("failed").Inc()
		return service.ProvisionResult{}, tenant.NewError(tenant.KindConnectionFailed, op, t.ID, name, err)
	}
	defer unlock()

	a := &attempt{
		tenant:   t,
		database: name,
		result:   service.ProvisionResult{TenantID: t.ID, Database: name},
		release:  func() {},
	}
	defer func() { a.release() }()

	exists, err := p.engine.DatabaseExists(ctx, name)
	if err != nil {
		metrics.ProvisioningTotal.WithLabelValues("failed").Inc()
		return a.result, tenant.NewError(tenant.KindConnectionFailed, op, t.ID, name, err)
	}
	a.done(service.StepCheckExists)
	if exists {
		logger.Info("tenant database already exists")
		return p.finish(a, start, "exists"), nil
	}

	if err := p.engine.CreateDatabase(ctx, name); err != nil {
		if persistence.IsDuplicateDatabase(err) {
			logger.Info("tenant database created concurrently")
			return p.finish(a, start, "exists"), nil
		}
		return a.result, p.fail(ctx, a, tenant.NewError(tenant.KindConnectionFailed, op, t.ID, name, err))
	}
	a.created = true
	a.done(service.StepCreate)

	db, release, err := p.pool.Register(ctx, t.ID)
	if err != nil {
		kind := tenant.KindOf(err)
		if kind == tenant.KindUnknown {
			kind = tenant.KindConnectionFailed
		}
		return a.result, p.fail(ctx, a, tenant.NewError(kind, op, t.ID, name, err))
	}
	a.release = release
	a.done(service.StepConfigure)

	if err := p.migrator.Migrate(ctx, db); err != nil {
		return a.result, p.fail(ctx, a, tenant.NewError(tenant.KindMigrationFailed, op, t.ID, name, err))
	}
	a.done(service.StepMigrate)

	if err := p.seeder.Seed(ctx, db); err != nil {
		logger.Warn("tenant database seeding failed; continuing",
			zap.Stringer("kind", tenant.KindSeedFailed), zap.Error(err))
		a.warn(service.StepSeed, err)
	} else {
		a.done(service.StepSeed)
	}

	if inserted, err := p.recorder.Record(ctx, db, t); err != nil {
		logger.Warn("tenant record insert failed; continuing",
			zap.Stringer("kind", tenant.KindRecordFailed), zap.Error(err))
		a.warn(service.StepRecord, err)
	} else {
		if !inserted {
			logger.Debug("tenant record already present")
		}
		a.done(service.StepRecord)
	}

	p.cache.Remember(ctx, t)
	a.done(service.StepCache)

	a.result.Created = true
	logger.Info("tenant database provisioned", zap.Int("warnings", len(a.result.Warnings)))
	return p.finish(a, start, "created"), nil
}

// Drop force-disconnects sessions, drops the database and forgets cached state for the tenant.
// A failed termination is logged and the drop is still attempted.
func (p *DBProvisioner) Drop(ctx context.Context, t tenant.Tenant) error {
	const op = "drop tenant database"

	name, err := p.pool.DatabaseName(t.ID)
	if err != nil {
		return err
	}
	logger := p.logger.With(zap.String("tenant_id", t.ID), zap.String("database", name))

	unlock, err := p.lock(ctx, name)
	if err != nil {
		return tenant.NewError(tenant.KindConnectionFailed, op, t.ID, name, err)
	}
	defer unlock()

	p.pool.Evict(t.ID)

	if n, err := p.engine.TerminateConnections(ctx, name); err != nil {
		logger.Warn("terminating tenant database sessions failed; dropping anyway", zap.Error(err))
	} else if n > 0 {
		logger.Info("terminated tenant database sessions", zap.Int("count", n))
	}

	p.cache.Invalidate(ctx, t.ID, t.Domain)

	if err := p.engine.DropDatabase(ctx, name); err != nil {
		logger.Error("dropping tenant database failed", zap.Error(err))
		return tenant.NewError(tenant.KindConnectionFailed, op, t.ID, name, err)
	}

	metrics.ProvisioningTotal.WithLabelValues("dropped").Inc()
	logger.Info("tenant database dropped")
	return nil
}

// Exists probes the catalog for the tenant's database.
func (p *DBProvisioner) Exists(ctx context.Context, tenantID string) (bool, error) {
	name, err := p.pool.DatabaseName(tenantID)
	if err != nil {
		return false, err
	}
	exists, err := p.engine.DatabaseExists(ctx, name)
	if err != nil {
		return false, tenant.NewError(tenant.KindConnectionFailed, "tenant database exists", tenantID, name, err)
	}
	return exists, nil
}

func (p *DBProvisioner) finish(a *attempt, start time.Time, outcome string) service.ProvisionResult {
	a.result.Duration = time.Since(start)
	metrics.ProvisioningTotal.WithLabelValues(outcome).Inc()
	metrics.ProvisioningDuration.Observe(a.result.Duration.Seconds())
	return a.result
}

// fail rolls back a fatal attempt and returns cause unchanged. Rollback failures are logged only.
func (p *DBProvisioner) fail(ctx context.Context, a *attempt, cause error) error {
	metrics.ProvisioningTotal.WithLabelValues("failed").Inc()
	logger := p.logger.With(zap.String("tenant_id", a.tenant.ID), zap.String("database", a.database))
	logger.Error("tenant database provisioning failed; rolling back",
		zap.Any("steps_completed", a.result.Steps), zap.Error(cause))

	// Unpin and forget our handle before the database disappears under it.
	a.release()
	a.release = func() {}
	p.pool.Evict(a.tenant.ID)

	if !a.created {
		return cause
	}

	// The request deadline may be what failed the attempt.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	var rollbackErr error
	if _, err := p.engine.TerminateConnections(rctx, a.database); err != nil {
		rollbackErr = multierr.Append(rollbackErr, err)
	}
	if err := p.engine.DropDatabase(rctx, a.database); err != nil {
		rollbackErr = multierr.Append(rollbackErr, err)
	}
	if rollbackErr != nil {
		logger.Error("tenant database rollback failed",
			zap.Stringer("kind", tenant.KindProvisioningRollbackFailed),
			zap.Errors("errors", multierr.Errors(rollbackErr)),
			zap.NamedError("cause", cause))
		return cause
	}

	logger.Info("rolled back half-built tenant database")
	return cause
}

// lock serialises work on one database within the process and across replicas.
func (p *DBProvisioner) lock(ctx context.Context, name string) (func(), error) {
	if err := p.locks.Lock(ctx, name); err != nil {
		return nil, fmt.Errorf("wait for provisioning lock: %w", err)
	}
	unlockAdvisory, err := p.engine.Lock(ctx, name)
	if err != nil {
		p.locks.Unlock(name)
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	return func() {
		unlockAdvisory()
		p.locks.Unlock(name)
	}, nil
}
