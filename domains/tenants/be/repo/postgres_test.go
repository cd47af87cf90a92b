package repo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zenGate-Global/hrms-tenancy/domains/tenants/be/service"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/outbox"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/persistence"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/persistence/pgtest"
)

func TestPostgresRepositorySaveWritesLedgerAndOutbox(t *testing.T) {
	t.Parallel()

	connString := pgtest.Start(t, "employee_service")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: connString})
	require.NoError(t, err)
	t.Cleanup(func() { persistence.ClosePool(pool) })
	require.NoError(t, persistence.BootstrapCentral(ctx, pool, zaptest.NewLogger(t)))

	r := NewPostgresRepository(persistence.NewProvisioningStore(pool), "employee")
	events := outbox.NewStore(pool)

	id := uuid.New()
	database := "tenant_" + id.String() + "_employee"
	_, err = r.Get(ctx, id)
	require.ErrorIs(t, err, service.ErrNotFound)

	_, err = r.Save(ctx, service.Provisioning{TenantID: id, Database: database, Status: service.StatusProvisioning})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	created, err := outbox.NewEvent(id.String(), service.AggregateTenantDatabase, id.String(), service.EventTenantDatabaseCreated,
		service.TenantDatabaseCreated{TenantID: id.String(), Service: "employee", Database: database}, nil)
	require.NoError(t, err)
	out, err := r.Save(ctx, service.Provisioning{
		TenantID: id, Database: database, Status: service.StatusReady,
		Warnings: []string{"seed: boom"}, ProvisionedAt: &now,
	}, created)
	require.NoError(t, err)
	require.Equal(t, service.StatusReady, out.Status)
	require.Equal(t, "employee", out.Service)
	require.Equal(t, []string{"seed: boom"}, out.Warnings)

	stored, err := events.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusPending, stored.Status)

	// A later save without a timestamp keeps the first one.
	out, err = r.Save(ctx, service.Provisioning{TenantID: id, Database: database, Status: service.StatusReady})
	require.NoError(t, err)
	require.NotNil(t, out.ProvisionedAt)
	require.True(t, now.Equal(out.ProvisionedAt.UTC()))

	// A failing event insert rolls the ledger write back.
	dup := created
	_, err = r.Save(ctx, service.Provisioning{TenantID: id, Database: database, Status: service.StatusDropped}, dup)
	require.Error(t, err)
	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, service.StatusReady, got.Status)

	ready := service.StatusReady
	res, err := r.List(ctx, service.ListOptions{Status: &ready})
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalItems)
	require.Equal(t, id, res.Items[0].TenantID)
}
