package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zenGate-Global/hrms-tenancy/platform/go/connpool"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/directory"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/outbox"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/requesttrace"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/tenant"
)

type fakeDirectory struct {
	tenants map[string]tenant.Tenant
	err     error
}

func (d *fakeDirectory) Resolve(ctx context.Context, identifier string) (tenant.Tenant, error) {
	if d.err != nil {
		return tenant.Tenant{}, d.err
	}
	t, ok := d.tenants[identifier]
	if !ok {
		return tenant.Tenant{}, tenant.NewError(tenant.KindTenantNotFound, "resolve tenant", identifier, "", nil)
	}
	return t, nil
}

type fakeProvisioner struct {
	mu        sync.Mutex
	databases map[string]bool
	createErr error
	dropErr   error
	dropped   []string
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{databases: make(map[string]bool)}
}

func (p *fakeProvisioner) Create(ctx context.Context, t tenant.Tenant) (ProvisionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name, _ := tenant.PhysicalDatabaseName(t.ID, "employee")
	if p.createErr != nil {
		return ProvisionResult{TenantID: t.ID, Database: name}, p.createErr
	}
	res := ProvisionResult{TenantID: t.ID, Database: name, Steps: []Step{StepCheckExists}}
	if !p.databases[t.ID] {
		p.databases[t.ID] = true
		res.Created = true
		res.Steps = append(res.Steps, StepCreate, StepConfigure, StepMigrate, StepSeed, StepRecord, StepCache)
		res.Warnings = []string{"seed: demo rows skipped"}
	}
	return res, nil
}

func (p *fakeProvisioner) Drop(ctx context.Context, t tenant.Tenant) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dropErr != nil {
		return p.dropErr
	}
	delete(p.databases, t.ID)
	p.dropped = append(p.dropped, t.ID)
	return nil
}

func (p *fakeProvisioner) Exists(ctx context.Context, tenantID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.databases[tenantID], nil
}

// fakeRepo keeps every saved state so tests can assert the ledger transitions.
type fakeRepo struct {
	mu      sync.Mutex
	saved   []Provisioning
	events  []outbox.Event
	latest  map[uuid.UUID]Provisioning
	saveErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{latest: make(map[uuid.UUID]Provisioning)}
}

func (r *fakeRepo) Get(ctx context.Context, tenantID uuid.UUID) (Provisioning, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.latest[tenantID]
	if !ok {
		return Provisioning{}, ErrNotFound
	}
	return p, nil
}

func (r *fakeRepo) Save(ctx context.Context, p Provisioning, events ...outbox.Event) (Provisioning, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return Provisioning{}, r.saveErr
	}
	r.saved = append(r.saved, p)
	r.events = append(r.events, events...)
	r.latest[p.TenantID] = p
	return p, nil
}

func (r *fakeRepo) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]Provisioning, 0, len(r.latest))
	for _, p := range r.latest {
		items = append(items, p)
	}
	return ListResult{Items: items, Page: 1, PageSize: len(items), TotalItems: len(items), TotalPages: 1}, nil
}

func (r *fakeRepo) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.saved))
	for _, p := range r.saved {
		out = append(out, p.Status)
	}
	return out
}

type fakeRegistry struct {
	conns   []connpool.PooledConnection
	cleaned time.Duration
}

func (r *fakeRegistry) Snapshot() []connpool.PooledConnection { return r.conns }

func (r *fakeRegistry) CleanupOlderThan(maxAge time.Duration) int {
	r.cleaned = maxAge
	return len(r.conns)
}

type fakeBreaker struct{ status directory.BreakerStatus }

func (b fakeBreaker) Status() directory.BreakerStatus { return b.status }

type fixture struct {
	svc         *Service
	dir         *fakeDirectory
	provisioner *fakeProvisioner
	repo        *fakeRepo
	logs        *observer.ObservedLogs
	acme        tenant.Tenant
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	acme := tenant.Tenant{ID: uuid.NewString(), Name: "Acme", Domain: "acme", IsActive: true}
	dir := &fakeDirectory{tenants: map[string]tenant.Tenant{acme.ID: acme, acme.Domain: acme}}
	if cfg.Service == "" {
		cfg.Service = "employee"
	}
	core, logs := observer.New(zapcore.DebugLevel)
	f := &fixture{dir: dir, provisioner: newFakeProvisioner(), repo: newFakeRepo(), logs: logs, acme: acme}
	f.svc = New(cfg, Deps{
		Directory:   dir,
		Provisioner: f.provisioner,
		Repo:        f.repo,
		Registry:    &fakeRegistry{},
		Breaker:     fakeBreaker{status: directory.BreakerStatus{State: "closed", Threshold: 5}},
	}, zap.New(core))
	return f
}

func TestProvisionByDomainRecordsLedgerAndAnnounces(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := requesttrace.IntoContext(context.Background(), requesttrace.AuditInfo{
		ActorKind: requesttrace.ActorKindService, Actor: "identity", RequestID: "req-1",
	})

	res, err := f.svc.Provision(ctx, "acme")
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Equal(t, "tenant_"+f.acme.ID+"_employee", res.Database)

	require.Equal(t, []Status{StatusProvisioning, StatusReady}, f.repo.statuses())
	ready := f.repo.latest[uuid.MustParse(f.acme.ID)]
	require.NotNil(t, ready.ProvisionedAt)
	require.Equal(t, []string{"seed: demo rows skipped"}, ready.Warnings)

	require.Len(t, f.repo.events, 1)
	e := f.repo.events[0]
	require.Equal(t, EventTenantDatabaseCreated, e.EventType)
	require.Equal(t, f.acme.ID, e.TenantID)
	require.Equal(t, "identity", e.Headers["actor"])
	require.Equal(t, "req-1", e.Headers["request_id"])
}

func TestProvisionExistingDatabaseDoesNotAnnounce(t *testing.T) {
	f := newFixture(t, Config{})
	f.provisioner.databases[f.acme.ID] = true

	res, err := f.svc.Provision(context.Background(), f.acme.ID)
	require.NoError(t, err)
	require.False(t, res.Created)
	require.Empty(t, f.repo.events)
	require.Nil(t, f.repo.latest[uuid.MustParse(f.acme.ID)].ProvisionedAt)
}

func TestProvisionRejectsInactiveTenant(t *testing.T) {
	f := newFixture(t, Config{})
	inactive := f.acme
	inactive.IsActive = false
	f.dir.tenants["acme"] = inactive

	_, err := f.svc.Provision(context.Background(), "acme")
	require.ErrorIs(t, err, tenant.ErrTenantInactive)
	require.Empty(t, f.repo.saved)
	require.Empty(t, f.provisioner.databases)
}

func TestProvisionUnknownTenant(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.svc.Provision(context.Background(), "ghost")
	require.ErrorIs(t, err, tenant.ErrTenantNotFound)
	require.Empty(t, f.repo.saved)
}

func TestProvisionFailureIsRecorded(t *testing.T) {
	f := newFixture(t, Config{})
	f.provisioner.createErr = tenant.NewError(tenant.KindMigrationFailed, "migrate tenant database", f.acme.ID, "", errors.New("syntax error"))

	_, err := f.svc.Provision(context.Background(), "acme")
	require.ErrorIs(t, err, tenant.ErrMigrationFailed)

	require.Equal(t, []Status{StatusProvisioning, StatusFailed}, f.repo.statuses())
	failed := f.repo.latest[uuid.MustParse(f.acme.ID)]
	require.NotNil(t, failed.LastError)
	require.Contains(t, *failed.LastError, "syntax error")
	require.Empty(t, f.repo.events)
}

func TestProvisionLedgerFailureIsNonFatal(t *testing.T) {
	f := newFixture(t, Config{})
	f.repo.saveErr = errors.New("central down")

	res, err := f.svc.Provision(context.Background(), "acme")
	require.NoError(t, err)
	require.True(t, res.Created)

	warnings := f.logs.FilterMessage("recording tenant database provisioning state failed").All()
	require.Len(t, warnings, 2)
}

func TestDropResolvedTenant(t *testing.T) {
	f := newFixture(t, Config{})
	f.provisioner.databases[f.acme.ID] = true

	require.NoError(t, f.svc.Drop(context.Background(), "acme"))
	require.Equal(t, []string{f.acme.ID}, f.provisioner.dropped)
	require.Equal(t, []Status{StatusDropped}, f.repo.statuses())
	require.Len(t, f.repo.events, 1)
	require.Equal(t, EventTenantDatabaseDropped, f.repo.events[0].EventType)
	require.Equal(t, "system", f.repo.events[0].Headers["actor_kind"])
}

func TestDropDeletedTenantByID(t *testing.T) {
	f := newFixture(t, Config{})
	gone := uuid.NewString()

	require.NoError(t, f.svc.Drop(context.Background(), gone))
	require.Equal(t, []string{gone}, f.provisioner.dropped)

	err := f.svc.Drop(context.Background(), "gone-domain")
	require.ErrorIs(t, err, tenant.ErrTenantNotFound)
}

func TestDropPropagatesAuthorityErrors(t *testing.T) {
	f := newFixture(t, Config{})
	f.dir.err = tenant.NewError(tenant.KindConnectionFailed, "resolve tenant", "", "", errors.New("refused"))

	err := f.svc.Drop(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, tenant.ErrConnectionFailed)
	require.Empty(t, f.provisioner.dropped)
}

func TestDropFailureLeavesLedger(t *testing.T) {
	f := newFixture(t, Config{})
	f.provisioner.dropErr = tenant.NewError(tenant.KindConnectionFailed, "drop tenant database", f.acme.ID, "", errors.New("in use"))

	err := f.svc.Drop(context.Background(), "acme")
	require.ErrorIs(t, err, tenant.ErrConnectionFailed)
	require.Empty(t, f.repo.saved)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, Config{})

	st, err := f.svc.Status(context.Background(), f.acme.ID)
	require.NoError(t, err)
	require.False(t, st.Exists)
	require.Nil(t, st.Ledger)

	_, err = f.svc.Provision(context.Background(), f.acme.ID)
	require.NoError(t, err)

	st, err = f.svc.Status(context.Background(), f.acme.ID)
	require.NoError(t, err)
	require.True(t, st.Exists)
	require.Equal(t, "tenant_"+f.acme.ID+"_employee", st.Database)
	require.NotNil(t, st.Ledger)
	require.Equal(t, StatusReady, st.Ledger.Status)

	_, err = f.svc.Status(context.Background(), "acme")
	require.ErrorIs(t, err, tenant.ErrInvalidArgument)
}

func TestConnectionsReport(t *testing.T) {
	f := newFixture(t, Config{})
	reg := &fakeRegistry{conns: []connpool.PooledConnection{{Key: "k", TenantID: f.acme.ID, InUse: 1}}}
	f.svc.registry = reg

	report := f.svc.Connections()
	require.Equal(t, "employee", report.Service)
	require.Len(t, report.Connections, 1)
	require.NotNil(t, report.Breaker)
	require.Equal(t, "closed", report.Breaker.State)

	require.Equal(t, 1, f.svc.Cleanup(30*time.Minute))
	require.Equal(t, 30*time.Minute, reg.cleaned)

	f.svc.registry = nil
	f.svc.breaker = nil
	report = f.svc.Connections()
	require.NotNil(t, report.Connections)
	require.Empty(t, report.Connections)
	require.Nil(t, report.Breaker)
}

func TestHandleTenantCreated(t *testing.T) {
	e, err := outbox.NewEvent("", "tenant", "x", EventTenantCreated, nil, nil)
	require.NoError(t, err)

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, Config{})
		require.NoError(t, f.svc.HandleEvent(context.Background(), e, &TenantCreated{TenantID: f.acme.ID}))
		require.Empty(t, f.provisioner.databases)
	})

	t.Run("enabled", func(t *testing.T) {
		f := newFixture(t, Config{ProvisionOnEvent: true})
		require.NoError(t, f.svc.HandleEvent(context.Background(), e, &TenantCreated{TenantID: f.acme.ID}))
		require.True(t, f.provisioner.databases[f.acme.ID])
		require.Len(t, f.repo.events, 1)
		require.Equal(t, e.ID.String(), f.repo.events[0].Headers["request_id"])
	})

	t.Run("peer announcements ignored", func(t *testing.T) {
		f := newFixture(t, Config{ProvisionOnEvent: true})
		require.NoError(t, f.svc.HandleEvent(context.Background(), e, &TenantDatabaseCreated{TenantID: f.acme.ID}))
		require.Empty(t, f.provisioner.databases)
	})
}

func TestRegisterEvents(t *testing.T) {
	r := outbox.NewRegistry()
	RegisterEvents(r)

	payload, err := r.Decode(EventTenantCreated, []byte(`{"tenant_id":"abc","domain":"acme"}`))
	require.NoError(t, err)
	created, ok := payload.(*TenantCreated)
	require.True(t, ok)
	require.Equal(t, "acme", created.Domain)
}
