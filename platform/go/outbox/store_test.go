package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zenGate-Global/hrms-tenancy/platform/go/persistence"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/persistence/pgtest"
)

func TestStoreClaimAndMark(t *testing.T) {
	t.Parallel()

	connString := pgtest.Start(t, "employee_service")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: connString})
	require.NoError(t, err)
	t.Cleanup(func() { persistence.ClosePool(pool) })
	require.NoError(t, persistence.BootstrapCentral(ctx, pool, zaptest.NewLogger(t)))

	store := NewStore(pool)

	tenantID := uuid.NewString()
	first, err := NewEvent(tenantID, "tenant", tenantID, "tenant.database.created", map[string]string{"service": "employee"},
		map[string]string{"request_id": "r-1"})
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, first))

	// Rolled back transactions leave nothing behind.
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	ghost, err := NewEvent("", "tenant", "x", "tenant.database.created", nil, nil)
	require.NoError(t, err)
	require.NoError(t, EnqueueTx(ctx, tx, ghost))
	require.NoError(t, tx.Rollback(ctx))
	_, err = store.Get(ctx, ghost.ID)
	require.ErrorIs(t, err, ErrNotFound)

	second, err := NewEvent("", "tenant", "y", "tenant.database.dropped", nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, second))

	batch, err := store.ClaimPendingBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, first.ID, batch[0].ID)
	require.Equal(t, tenantID, batch[0].TenantID)
	require.Equal(t, "r-1", batch[0].Headers["request_id"])
	require.Equal(t, "", batch[1].TenantID)

	// Claimed rows are leased.
	again, err := store.ClaimPendingBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, store.MarkDispatched(ctx, first.ID))
	require.NoError(t, store.MarkFailed(ctx, second.ID, 10, -1, "publish: timeout"))

	rec, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDispatched, rec.Status)
	require.NotNil(t, rec.DispatchedAt)

	rec, err = store.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.Status)
	require.Equal(t, 10, rec.Attempts)
	require.Equal(t, "publish: timeout", *rec.LastError)

	require.ErrorIs(t, store.MarkDispatched(ctx, uuid.New()), ErrNotFound)
}
