package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type tenantCreated struct {
	TenantID string `json:"tenant_id"`
	Domain   string `json:"domain"`
}

func TestRedisPublisherFeedsSubscriber(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	registry := NewRegistry()
	registry.Register("tenant.created", func() any { return &tenantCreated{} })
	sub := NewSubscriber(rdb, "", registry, zaptest.NewLogger(t))

	var (
		mu       sync.Mutex
		received []*tenantCreated
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- sub.Run(ctx, func(_ context.Context, e Event, payload any) error {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, payload.(*tenantCreated))
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(DefaultChannel)[DefaultChannel] == 1
	}, time.Second, 5*time.Millisecond)

	pub := NewRedisPublisher(rdb, "")
	unknown, err := NewEvent("", "tenant", "t1", "tenant.renamed", map[string]string{}, nil)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, Record{Event: unknown}))

	e, err := NewEvent("11111111-1111-1111-1111-111111111111", "tenant", "11111111-1111-1111-1111-111111111111",
		"tenant.created", tenantCreated{TenantID: "11111111-1111-1111-1111-111111111111", Domain: "acme.example.com"}, nil)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, Record{Event: e}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, "acme.example.com", received[0].Domain)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestRedisPublisherReportsTransportErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	e, err := NewEvent("", "tenant", "t1", "tenant.created", tenantCreated{}, nil)
	require.NoError(t, err)
	require.Error(t, NewRedisPublisher(rdb, "x").Publish(context.Background(), Record{Event: e}))
}
