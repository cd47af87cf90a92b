package provisioning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/zenGate-Global/hrms-tenancy/domains/tenants/be/service"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/connpool"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/connpool/connpooltest"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/persistence"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/tenant"
)

const (
	tenantID = "11111111-1111-1111-1111-111111111111"
	database = "tenant_11111111-1111-1111-1111-111111111111_employee"
)

var acme = tenant.Tenant{ID: tenantID, Name: "Acme", Domain: "acme.example.com", IsActive: true}

type fakeMigrator struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, db connpool.DB) error
}

func (f *fakeMigrator) Migrate(ctx context.Context, db connpool.DB) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, db)
	}
	return nil
}

type fakeSeeder struct {
	fn func(ctx context.Context, db connpool.DB) error
}

func (f *fakeSeeder) Seed(ctx context.Context, db connpool.DB) error {
	if f.fn != nil {
		return f.fn(ctx, db)
	}
	return nil
}

type fakeCache struct {
	mu          sync.Mutex
	remembered  []tenant.Tenant
	invalidated []string
}

func (f *fakeCache) Remember(_ context.Context, t tenant.Tenant, _ ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remembered = append(f.remembered, t)
}

func (f *fakeCache) Invalidate(_ context.Context, identifiers ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, identifiers...)
}

type fixture struct {
	server      *connpooltest.Server
	manager     *connpool.Manager
	migrator    *fakeMigrator
	seeder      *fakeSeeder
	cache       *fakeCache
	provisioner *DBProvisioner
}

func newFixture(t *testing.T, logger *zap.Logger) *fixture {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	server := connpooltest.NewServer()
	manager := connpool.New(connpool.Config{Service: "employee", CentralDatabase: "employee_service"}, connpool.Deps{
		Central:   server.Central("employee_service"),
		Connector: server,
		Catalog:   server,
		Directory: connpooltest.NewDirectory(acme),
	}, logger)
	t.Cleanup(manager.Close)

	f := &fixture{
		server:   server,
		manager:  manager,
		migrator: &fakeMigrator{},
		seeder:   &fakeSeeder{},
		cache:    &fakeCache{},
	}
	f.provisioner = NewDBProvisioner(Deps{
		Engine:   server,
		Pool:     manager,
		Migrator: f.migrator,
		Seeder:   f.seeder,
		Recorder: persistence.NewTenantRecorder("employee"),
		Cache:    f.cache,
	}, time.Minute, logger)
	return f
}

func TestCreateProvisionsAllSteps(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.provisioner.Create(ctx, acme)
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Equal(t, database, res.Database)
	require.Equal(t, []service.Step{
		service.StepCheckExists, service.StepCreate, service.StepConfigure,
		service.StepMigrate, service.StepSeed, service.StepRecord, service.StepCache,
	}, res.Steps)
	require.Empty(t, res.Warnings)

	require.True(t, f.server.HasDatabase(database))
	require.Equal(t, 1, f.migrator.calls)
	require.Equal(t, 1, f.server.ExecCount("INSERT INTO tenants"))
	require.Equal(t, []tenant.Tenant{acme}, f.cache.remembered)
	require.Equal(t, 1, f.server.Locks)

	// The configure handle is released but stays pooled for the first request.
	snapshot := f.manager.Snapshot()
	require.Len(t, snapshot, 1)
	require.Zero(t, snapshot[0].InUse)
}

func TestCreateIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.provisioner.Create(ctx, acme)
	require.NoError(t, err)

	res, err := f.provisioner.Create(ctx, acme)
	require.NoError(t, err)
	require.False(t, res.Created)
	require.Equal(t, []service.Step{service.StepCheckExists}, res.Steps)
	require.Equal(t, 1, f.server.Creates)
	require.Equal(t, 1, f.migrator.calls)

	exists, err := f.provisioner.Exists(ctx, tenantID)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestCreateSeedFailureIsNonFatal(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := newFixture(t, zap.New(core))
	f.seeder.fn = func(context.Context, connpool.DB) error { return errors.New("duplicate key in seed") }

	res, err := f.provisioner.Create(context.Background(), acme)
	require.NoError(t, err)
	require.True(t, res.Created)
	require.NotContains(t, res.Steps, service.StepSeed)
	require.Contains(t, res.Steps, service.StepMigrate)
	require.Len(t, res.Warnings, 1)

	require.True(t, f.server.HasDatabase(database))
	require.Equal(t, 1, f.migrator.calls)

	warnings := logs.FilterMessage("tenant database seeding failed; continuing").All()
	require.Len(t, warnings, 1)
	require.Equal(t, tenant.KindSeedFailed.String(), warnings[0].ContextMap()["kind"])
}

func TestCreateRecordFailureIsNonFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.server.FailExec("INSERT INTO tenants", errors.New("relation \"tenants\" does not exist"))

	res, err := f.provisioner.Create(context.Background(), acme)
	require.NoError(t, err)
	require.True(t, res.Created)
	require.NotContains(t, res.Steps, service.StepRecord)
	require.Contains(t, res.Steps, service.StepCache)
	require.True(t, f.server.HasDatabase(database))
}

func TestCreateMigrationFailureRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	f.migrator.fn = func(context.Context, connpool.DB) error { return errors.New("syntax error at or near \"CREAT\"") }

	_, err := f.provisioner.Create(context.Background(), acme)
	require.ErrorIs(t, err, tenant.ErrMigrationFailed)

	require.False(t, f.server.HasDatabase(database))
	exists, err := f.provisioner.Exists(context.Background(), tenantID)
	require.NoError(t, err)
	require.False(t, exists)
	require.Zero(t, f.manager.Len())
	require.Zero(t, f.server.OpenHandles(database))
	require.Empty(t, f.cache.remembered)
}

func TestCreateConfigureFailureRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	f.server.Redirect(database, "postgres")

	_, err := f.provisioner.Create(context.Background(), acme)
	require.ErrorIs(t, err, tenant.ErrVerificationMismatch)
	require.False(t, f.server.HasDatabase(database))
	require.Zero(t, f.migrator.calls)
}

func TestCreateRollbackFailureKeepsOriginalError(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	f := newFixture(t, zap.New(core))
	f.migrator.fn = func(context.Context, connpool.DB) error { return errors.New("migration boom") }
	f.server.DropErr = errors.New("database is being accessed by other users")

	_, err := f.provisioner.Create(context.Background(), acme)
	require.ErrorIs(t, err, tenant.ErrMigrationFailed)
	require.NotErrorIs(t, err, tenant.ErrProvisioningRollbackFailed)

	failures := logs.FilterMessage("tenant database rollback failed").All()
	require.Len(t, failures, 1)
	require.Equal(t, tenant.KindProvisioningRollbackFailed.String(), failures[0].ContextMap()["kind"])
}

func TestCreateDeadlineRollsBackMidMigration(t *testing.T) {
	f := newFixture(t, nil)
	f.provisioner.timeout = 20 * time.Millisecond
	f.migrator.fn = func(ctx context.Context, _ connpool.DB) error {
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := f.provisioner.Create(context.Background(), acme)
	require.ErrorIs(t, err, tenant.ErrMigrationFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, f.server.HasDatabase(database))
}

func TestCreateConcurrentCallsProvisionOnce(t *testing.T) {
	f := newFixture(t, nil)

	var (
		g       errgroup.Group
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			res, err := f.provisioner.Create(context.Background(), acme)
			if err != nil {
				return err
			}
			if res.Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, created)
	require.Equal(t, 1, f.server.Creates)
	require.Equal(t, 1, f.migrator.calls)
}

func TestCreateRejectsEmptyTenantID(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.provisioner.Create(context.Background(), tenant.Tenant{})
	require.ErrorIs(t, err, tenant.ErrInvalidArgument)
	require.Zero(t, f.server.Creates)
}

func TestDropRemovesDatabaseAndForgetsTenant(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.provisioner.Create(ctx, acme)
	require.NoError(t, err)
	require.Equal(t, 1, f.manager.Len())

	require.NoError(t, f.provisioner.Drop(ctx, acme))
	require.False(t, f.server.HasDatabase(database))
	require.Zero(t, f.manager.Len())
	require.Zero(t, f.server.OpenHandles(database))
	require.ElementsMatch(t, []string{tenantID, "acme.example.com"}, f.cache.invalidated)
}

func TestDropProceedsWhenTerminationFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.server.AddDatabase(database)
	f.server.TerminateErr = errors.New("permission denied to terminate process")

	require.NoError(t, f.provisioner.Drop(ctx, acme))
	require.False(t, f.server.HasDatabase(database))

	f.server.AddDatabase(database)
	f.server.DropErr = errors.New("database is being accessed by other users")
	require.ErrorIs(t, f.provisioner.Drop(ctx, acme), tenant.ErrConnectionFailed)
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	k := newKeyedMutex()
	require.NoError(t, k.Lock(context.Background(), "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, k.Lock(ctx, "a"), context.DeadlineExceeded)
	require.NoError(t, k.Lock(context.Background(), "b"))

	k.Unlock("a")
	k.Unlock("b")
	require.NoError(t, k.Lock(context.Background(), "a"))
	k.Unlock("a")
	require.Empty(t, k.locks)
}
