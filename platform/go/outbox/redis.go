package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel carries tenant lifecycle events between services.
const DefaultChannel = "hrms.tenant-events"

// RedisPublisher publishes outbox records as JSON on a Redis channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher returns a publisher on channel (DefaultChannel when empty).
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	if client == nil {
		panic("outbox redis publisher requires client")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Publish sends the record's event envelope.
func (p *RedisPublisher) Publish(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", rec.ID, err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", rec.ID, err)
	}
	return nil
}

// Handler consumes a decoded event. payload is the value built by the Registry.
type Handler func(ctx context.Context, e Event, payload any) error

// Subscriber decodes events from a Redis channel through a Registry.
type Subscriber struct {
	client   redis.UniversalClient
	channel  string
	registry *Registry
	logger   *zap.Logger
}

// NewSubscriber returns a subscriber on channel (DefaultChannel when empty).
func NewSubscriber(client redis.UniversalClient, channel string, registry *Registry, logger *zap.Logger) *Subscriber {
	if client == nil {
		panic("outbox subscriber requires client")
	}
	if registry == nil {
		panic("outbox subscriber requires registry")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{client: client, channel: channel, registry: registry, logger: logger}
}

// Run delivers every registered event to handle until ctx is cancelled.
// Unknown event types are skipped; handler errors are logged.
func (s *Subscriber) Run(ctx context.Context, handle Handler) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.logger.Info("listening for tenant events", zap.String("channel", s.channel), zap.Strings("types", s.registry.Types()))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			s.deliver(ctx, msg.Payload, handle)
		}
	}
}

func (s *Subscriber) deliver(ctx context.Context, raw string, handle Handler) {
	var e Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		s.logger.Warn("dropping malformed event", zap.Error(err))
		return
	}
	logger := s.logger.With(zap.String("event_id", e.ID.String()), zap.String("event_type", e.EventType))

	payload, err := s.registry.Decode(e.EventType, e.Payload)
	if errors.Is(err, ErrUnknownEvent) {
		logger.Debug("ignoring unregistered event")
		return
	}
	if err != nil {
		logger.Warn("dropping undecodable event", zap.Error(err))
		return
	}
	if err := handle(ctx, e, payload); err != nil {
		logger.Error("event handler failed", zap.Error(err))
	}
}
