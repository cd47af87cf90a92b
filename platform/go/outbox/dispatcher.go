package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/hrms-tenancy/platform/go/metrics"
)

// Source is the dispatch-side view of the outbox.
type Source interface {
	ClaimPendingBatch(ctx context.Context, limit int) ([]Record, error)
	MarkDispatched(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, retryDelay time.Duration, lastErr string) error
}

// Publisher delivers one record to the transport.
type Publisher interface {
	Publish(ctx context.Context, rec Record) error
}

// DispatcherConfig tunes polling and retries.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxAttempts is the number of publish attempts before a row is parked as failed.
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Minute
	}
	return c
}

// Dispatcher moves pending outbox rows to a Publisher.
type Dispatcher struct {
	source    Source
	publisher Publisher
	cfg       DispatcherConfig
	logger    *zap.Logger
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(source Source, publisher Publisher, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if source == nil {
		panic("outbox dispatcher requires source")
	}
	if publisher == nil {
		panic("outbox dispatcher requires publisher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{source: source, publisher: publisher, cfg: cfg.withDefaults(), logger: logger}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.Info("outbox dispatcher started",
		zap.Duration("poll_interval", d.cfg.PollInterval), zap.Int("batch_size", d.cfg.BatchSize))
	for {
		for {
			n, err := d.DispatchOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("outbox dispatch failed", zap.Error(err))
			}
			// A full batch means more rows are probably due.
			if err != nil || n < d.cfg.BatchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce claims one batch and publishes it. It returns the number of claimed rows.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	batch, err := d.source.ClaimPendingBatch(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, rec := range batch {
		d.dispatch(ctx, rec)
	}
	return len(batch), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, rec Record) {
	logger := d.logger.With(zap.String("event_id", rec.ID.String()), zap.String("event_type", rec.EventType))

	pubErr := d.publisher.Publish(ctx, rec)
	if pubErr == nil {
		if err := d.source.MarkDispatched(ctx, rec.ID); err != nil {
			// The row is redelivered after the lease; consumers must be idempotent.
			logger.Warn("mark outbox event dispatched failed", zap.Error(err))
		}
		metrics.OutboxDispatched.WithLabelValues("dispatched").Inc()
		return
	}

	attempts := rec.Attempts + 1
	delay := d.retryDelay(attempts)
	result := "retry"
	if delay == backoff.Stop {
		result = "failed"
		logger.Error("giving up on outbox event", zap.Int("attempts", attempts), zap.Error(pubErr))
	} else {
		logger.Warn("outbox publish failed; will retry",
			zap.Int("attempts", attempts), zap.Duration("retry_in", delay), zap.Error(pubErr))
	}
	if err := d.source.MarkFailed(ctx, rec.ID, attempts, delay, pubErr.Error()); err != nil {
		logger.Error("mark outbox event failed", zap.Error(err))
	}
	metrics.OutboxDispatched.WithLabelValues(result).Inc()
}

// retryDelay returns the wait before attempt number attempts+1, or backoff.Stop once
// MaxAttempts publishes have failed.
func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.cfg.RetryBase
	exp.MaxInterval = d.cfg.RetryMax
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	policy := backoff.WithMaxRetries(exp, uint64(d.cfg.MaxAttempts-1))
	delay := backoff.Stop
	for i := 0; i < attempts; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}
