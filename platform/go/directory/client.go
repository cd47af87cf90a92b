// Package directory resolves tenant identifiers against the identity authority with
// caching, a circuit breaker and stale fallback.
package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zenGate-Global/hrms-tenancy/platform/go/metrics"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/tenant"
)

// DefaultSecretHeader carries the internal-service shared secret.
const DefaultSecretHeader = "X-Internal-Service-Secret"

const maxResponseBytes = 1 << 20

var errNotFound = errors.New("tenant not found at identity authority")

// Config controls the identity authority client.
type Config struct {
	BaseURL      string
	Secret       string
	SecretHeader string

	Timeout      time.Duration // per HTTP attempt; default 5s
	Retries      int           // extra attempts for transient failures; default 2, negative disables
	RetryBackoff time.Duration // default 100ms

	CacheTTL    time.Duration // primary cache; default 10m
	FallbackTTL time.Duration // stale copy served while the authority is down; default 1h

	BreakerThreshold uint32        // consecutive failures that open the breaker; default 5
	BreakerWindow    time.Duration // closed-state counting window; default 60s
	BreakerCooldown  time.Duration // open-state duration; default 60s
}

func (c Config) withDefaults() Config {
	if c.SecretHeader == "" {
		c.SecretHeader = DefaultSecretHeader
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Retries == 0 {
		c.Retries = 2
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 10 * time.Minute
	}
	if c.FallbackTTL <= 0 {
		c.FallbackTTL = time.Hour
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = 60 * time.Second
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 60 * time.Second
	}
	return c
}

// BreakerStatus is the observable state of the circuit breaker.
type BreakerStatus struct {
	State               string        `json:"state"`
	Open                bool          `json:"open"`
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
	TotalFailures       uint32        `json:"total_failures"`
	Threshold           uint32        `json:"threshold"`
	Cooldown            time.Duration `json:"cooldown"`
	Window              time.Duration `json:"window"`
}

// Client resolves tenants by id or domain. It never fails on transient authority errors:
// those degrade to the fallback cache or TenantNotFound.
type Client struct {
	cfg     Config
	baseURL *url.URL
	http    *http.Client
	cache   Cache
	breaker *gobreaker.CircuitBreaker[tenant.Tenant]
	group   singleflight.Group
	schema  *jsonschema.Schema
	logger  *zap.Logger
}

// New constructs a Client. A nil cache selects an in-process MemoryCache.
func New(cfg Config, cache Cache, logger *zap.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("directory: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("directory: parse base url: %w", err)
	}
	schema, err := compileEnvelopeSchema()
	if err != nil {
		return nil, fmt.Errorf("directory: %w", err)
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg:     cfg,
		baseURL: base,
		http:    &http.Client{Timeout: cfg.Timeout},
		cache:   cache,
		schema:  schema,
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[tenant.Tenant](gobreaker.Settings{
		Name:        "identity-authority",
		MaxRequests: 1,
		Interval:    cfg.BreakerWindow,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		// A definitive "no such tenant" is a healthy answer.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.BreakerOpen.Set(1)
				logger.Warn("identity authority circuit opened", zap.String("breaker", name), zap.Duration("cooldown", cfg.BreakerCooldown))
				return
			}
			metrics.BreakerOpen.Set(0)
			logger.Info("identity authority circuit state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c, nil
}

// Resolve returns the tenant for a UUID-shaped id or a domain.
func (c *Client) Resolve(ctx context.Context, identifier string) (tenant.Tenant, error) {
	const op = "resolve tenant"

	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return tenant.Tenant{}, tenant.NewError(tenant.KindInvalidArgument, op, "", "", errors.New("identifier is required"))
	}
	key := lookupKey(identifier)

	if t, ok := c.cache.Get(ctx, primaryKey(key)); ok {
		metrics.DirectoryLookups.WithLabelValues("cache").Inc()
		return t, nil
	}

	// A caller that has already given up must not reach the authority or count against it.
	if err := ctx.Err(); err != nil {
		return tenant.Tenant{}, tenant.NewError(tenant.KindConnectionFailed, op, identifier, "", err)
	}

	// The shared lookup outlives any single waiter; fetch bounds each attempt with cfg.Timeout.
	lookupCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.breaker.Execute(func() (tenant.Tenant, error) {
			t, err := c.fetch(lookupCtx, identifier)
			if err != nil {
				return tenant.Tenant{}, err
			}
			c.Remember(lookupCtx, t, key)
			return t, nil
		})
	})

	var (
		v   any
		err error
	)
	select {
	case res := <-ch:
		v, err = res.Val, res.Err
	case <-ctx.Done():
		metrics.DirectoryLookups.WithLabelValues("canceled").Inc()
		return tenant.Tenant{}, tenant.NewError(tenant.KindConnectionFailed, op, identifier, "", ctx.Err())
	}
	if err == nil {
		metrics.DirectoryLookups.WithLabelValues("authority").Inc()
		return v.(tenant.Tenant), nil
	}

	if errors.Is(err, errNotFound) {
		metrics.DirectoryLookups.WithLabelValues("not_found").Inc()
		return tenant.Tenant{}, tenant.NewError(tenant.KindTenantNotFound, op, identifier, "", nil)
	}

	if t, ok := c.cache.Get(ctx, fallbackKey(key)); ok {
		metrics.DirectoryLookups.WithLabelValues("fallback").Inc()
		c.logger.Warn("identity authority unavailable; serving cached tenant",
			zap.String("identifier", identifier), zap.Error(err))
		return t, nil
	}

	metrics.DirectoryLookups.WithLabelValues("not_found").Inc()
	c.logger.Warn("identity authority unavailable and no cached tenant",
		zap.String("identifier", identifier), zap.Error(err))
	return tenant.Tenant{}, tenant.NewError(tenant.KindTenantNotFound, op, identifier, "", err)
}

// Remember caches t under its id, its domain and any extra identifiers, in both the
// primary and fallback caches.
func (c *Client) Remember(ctx context.Context, t tenant.Tenant, identifiers ...string) {
	for _, key := range c.keysFor(t, identifiers...) {
		c.cache.Set(ctx, primaryKey(key), t, c.cfg.CacheTTL)
		c.cache.Set(ctx, fallbackKey(key), t, c.cfg.FallbackTTL)
	}
}

// Invalidate drops every cache entry for the given identifiers, including the sibling
// id/domain entries of any tenant currently cached under them.
func (c *Client) Invalidate(ctx context.Context, identifiers ...string) {
	var keys []string
	for _, identifier := range identifiers {
		identifier = strings.TrimSpace(identifier)
		if identifier == "" {
			continue
		}
		key := lookupKey(identifier)
		keys = append(keys, key)
		for _, cached := range []string{primaryKey(key), fallbackKey(key)} {
			if t, ok := c.cache.Get(ctx, cached); ok {
				keys = append(keys, c.keysFor(t)...)
			}
		}
	}

	seen := make(map[string]struct{}, len(keys))
	var del []string
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		del = append(del, primaryKey(key), fallbackKey(key))
	}
	if len(del) > 0 {
		c.cache.Delete(ctx, del...)
	}
}

// Status reports the circuit breaker state.
func (c *Client) Status() BreakerStatus {
	state := c.breaker.State()
	counts := c.breaker.Counts()
	return BreakerStatus{
		State:               state.String(),
		Open:                state == gobreaker.StateOpen,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalFailures:       counts.TotalFailures,
		Threshold:           c.cfg.BreakerThreshold,
		Cooldown:            c.cfg.BreakerCooldown,
		Window:              c.cfg.BreakerWindow,
	}
}

func (c *Client) fetch(ctx context.Context, identifier string) (tenant.Tenant, error) {
	endpoint := c.baseURL.JoinPath("tenants", "domain", identifier)
	if tenant.IsUUID(identifier) {
		endpoint = c.baseURL.JoinPath("tenants", identifier)
	}

	var out tenant.Tenant
	attempt := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint.String(), nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if c.cfg.Secret != "" {
			req.Header.Set(c.cfg.SecretHeader, c.cfg.Secret)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("call identity authority: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("read identity response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(errNotFound)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("identity authority returned %s", resp.Status)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("identity authority returned %s", resp.Status))
		}

		t, err := decodeEnvelope(c.schema, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		out = t
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryBackoff), uint64(c.cfg.Retries)),
		ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		return tenant.Tenant{}, err
	}
	return out, nil
}

func (c *Client) keysFor(t tenant.Tenant, extra ...string) []string {
	keys := make([]string, 0, 2+len(extra))
	if t.ID != "" {
		keys = append(keys, lookupKey(t.ID))
	}
	if t.Domain != "" {
		keys = append(keys, lookupKey(t.Domain))
	}
	for _, e := range extra {
		if e = lookupKey(e); e != "" {
			keys = append(keys, e)
		}
	}
	return keys
}

// lookupKey normalizes identifiers; domains are case-insensitive.
func lookupKey(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func primaryKey(key string) string  { return "tenant:" + key }
func fallbackKey(key string) string { return "tenant_fallback:" + key }
