package directory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultInvalidationChannel is the Redis channel the identity authority publishes tenant changes on.
const DefaultInvalidationChannel = "hrms.tenant-invalidations"

// Invalidation is the signal published when a tenant is updated or deleted.
type Invalidation struct {
	TenantID string `json:"tenant_id"`
	Domain   string `json:"domain,omitempty"`
	Action   string `json:"action,omitempty"`
}

// SubscribeInvalidations evicts cache entries for every signal received on channel.
// It blocks until ctx is cancelled or the subscription is closed.
func (c *Client) SubscribeInvalidations(ctx context.Context, rdb redis.UniversalClient, channel string) error {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}

	pubsub := rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	c.logger.Info("listening for tenant invalidations", zap.String("channel", channel))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			c.applyInvalidation(ctx, msg.Payload)
		}
	}
}

func (c *Client) applyInvalidation(ctx context.Context, payload string) {
	var inv Invalidation
	if err := json.Unmarshal([]byte(payload), &inv); err != nil {
		// Bare identifiers are accepted too.
		inv = Invalidation{TenantID: payload}
	}
	if inv.TenantID == "" && inv.Domain == "" {
		c.logger.Warn("ignoring empty tenant invalidation", zap.String("payload", payload))
		return
	}
	c.Invalidate(ctx, inv.TenantID, inv.Domain)
	c.logger.Debug("invalidated cached tenant",
		zap.String("tenant_id", inv.TenantID), zap.String("domain", inv.Domain), zap.String("action", inv.Action))
}
