// Package middleware routes HTTP requests to the calling tenant's database.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/zenGate-Global/hrms-tenancy/platform/go/connpool"
	platformlogging "github.com/zenGate-Global/hrms-tenancy/platform/go/logging"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/problem"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/tenant"
)

// Routing phases reported in rejections.
const (
	PhaseIdentify = "identify"
	PhaseResolve  = "resolve"
	PhaseDatabase = "database"
	PhaseSwitch   = "switch"
	PhaseVerify   = "verify"
)

const cleanupTimeout = 5 * time.Second

// Directory resolves tenant identifiers.
type Directory interface {
	Resolve(ctx context.Context, identifier string) (tenant.Tenant, error)
}

// Pool is the connection registry the router acquires tenant connections from.
// *connpool.Manager satisfies it.
type Pool interface {
	Service() string
	DatabaseName(tenantID string) (string, error)
	DatabaseExists(ctx context.Context, tenantID string) (bool, error)
	NewSession() *connpool.Session
	CleanupOlderThan(maxAge time.Duration) int
}

// Config controls router behavior.
type Config struct {
	// MaxIdle is the age threshold for the cleanup run after every request.
	MaxIdle time.Duration
	// ReservedSubdomains defaults to DefaultReservedSubdomains.
	ReservedSubdomains []string
	// Extractors overrides the identifier priority order.
	Extractors []Extractor
}

// TenantRouter resolves the calling tenant, switches a request session to the tenant's
// database and always switches it back once the downstream handler returns or panics.
func TenantRouter(dir Directory, pool Pool, cfg Config, logger *zap.Logger) func(http.Handler) http.Handler {
	if dir == nil {
		panic("tenant router: directory is required")
	}
	if pool == nil {
		panic("tenant router: pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = connpool.DefaultMaxIdle
	}
	if cfg.ReservedSubdomains == nil {
		cfg.ReservedSubdomains = DefaultReservedSubdomains
	}
	extractors := cfg.Extractors
	if len(extractors) == 0 {
		extractors = DefaultExtractors(cfg.ReservedSubdomains)
	}
	service := pool.Service()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, log := platformlogging.Enrich(r.Context(), logger, zap.String("service", service))
			reject := func(status int, problemType, title, detail, phase string) {
				d := problem.New(status, problemType, title, detail)
				d.Phase = phase
				d.Service = service
				d.Instance = r.URL.Path
				problem.Write(w, d)
			}

			identifier := ExtractIdentifier(r, extractors...)
			if identifier == "" {
				log.Info("tenant identifier missing")
				reject(http.StatusBadRequest, problem.TypeValidation, "Tenant identifier required",
					"no tenant identifier found in headers, query, body or host", PhaseIdentify)
				return
			}

			t, err := dir.Resolve(ctx, identifier)
			if err != nil {
				log.Info("tenant not resolved", zap.String("identifier", identifier), zap.Error(err))
				reject(http.StatusNotFound, problem.TypeNotFound, "Tenant not found",
					fmt.Sprintf("tenant %q not found", identifier), PhaseResolve)
				return
			}
			if !t.IsActive {
				log.Info("tenant inactive", zap.String("tenant_id", t.ID))
				reject(http.StatusForbidden, problem.TypeForbidden, "Tenant inactive",
					"tenant is not active", PhaseResolve)
				return
			}

			database, err := pool.DatabaseName(t.ID)
			if err != nil {
				log.Error("tenant database name rejected", zap.String("tenant_id", t.ID), zap.Error(err))
				reject(http.StatusInternalServerError, problem.TypeInternal, "Tenant routing failed",
					"tenant database could not be determined", PhaseDatabase)
				return
			}
			ctx, log = platformlogging.Enrich(ctx, log, zap.String("tenant_id", t.ID), zap.String("database", database))

			exists, err := pool.DatabaseExists(ctx, t.ID)
			if err != nil {
				log.Error("tenant database probe failed", zap.Error(err))
				reject(http.StatusInternalServerError, problem.TypeInternal, "Tenant routing failed",
					"tenant database could not be reached", PhaseDatabase)
				return
			}
			if !exists {
				log.Warn("tenant database not provisioned on this service")
				reject(http.StatusNotFound, problem.TypeNotFound, "Tenant database not found",
					fmt.Sprintf("tenant database is not provisioned for service %s", service), PhaseDatabase)
				return
			}

			session := pool.NewSession()
			defer restore(r.Context(), session, pool, cfg.MaxIdle, log)

			if err := session.SwitchTo(ctx, t); err != nil {
				phase := PhaseSwitch
				switch tenant.KindOf(err) {
				case tenant.KindDatabaseMissing:
					reject(http.StatusNotFound, problem.TypeNotFound, "Tenant database not found",
						fmt.Sprintf("tenant database is not provisioned for service %s", service), PhaseDatabase)
					return
				case tenant.KindVerificationMismatch:
					phase = PhaseVerify
				}
				log.Error("tenant connection switch failed", zap.String("kind", tenant.KindOf(err).String()), zap.Error(err))
				reject(http.StatusInternalServerError, problem.TypeInternal, "Tenant routing failed",
					"tenant connection could not be established", phase)
				return
			}

			info := session.CurrentConnectionInfo(ctx)
			if info.Error != "" || info.DatabaseName != database {
				log.Error("active tenant connection does not match",
					zap.String("kind", tenant.KindVerificationMismatch.String()),
					zap.String("actual_database", info.DatabaseName),
					zap.String("connection_error", info.Error))
				session.Discard()
				reject(http.StatusInternalServerError, problem.TypeInternal, "Tenant routing failed",
					"tenant connection could not be verified", PhaseVerify)
				return
			}

			ctx = tenant.WithContext(ctx, tenant.Context{
				TenantID:     t.ID,
				Domain:       t.Domain,
				Name:         t.Name,
				Service:      service,
				DatabaseName: database,
			})
			ctx = connpool.WithSession(ctx, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// restore switches the session back to central and evicts stale pooled connections.
// Failures are logged only.
func restore(parent context.Context, session *connpool.Session, pool Pool, maxIdle time.Duration, log *zap.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("tenant connection cleanup panicked", zap.Any("panic", rec))
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), cleanupTimeout)
	defer cancel()

	if err := session.SwitchToCentral(ctx); err != nil {
		log.Error("switch back to central connection failed", zap.Error(err))
	}
	if n := pool.CleanupOlderThan(maxIdle); n > 0 {
		log.Debug("evicted idle tenant connections", zap.Int("count", n))
	}
}
