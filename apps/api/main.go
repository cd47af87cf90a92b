package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zenGate-Global/hrms-tenancy/contracts"
	settingshandler "github.com/zenGate-Global/hrms-tenancy/domains/settings/be/handler"
	settingsrepo "github.com/zenGate-Global/hrms-tenancy/domains/settings/be/repo"
	settingsservice "github.com/zenGate-Global/hrms-tenancy/domains/settings/be/service"
	tenantshandler "github.com/zenGate-Global/hrms-tenancy/domains/tenants/be/handler"
	tenantsprov "github.com/zenGate-Global/hrms-tenancy/domains/tenants/be/provisioning"
	tenantsrepo "github.com/zenGate-Global/hrms-tenancy/domains/tenants/be/repo"
	tenantsservice "github.com/zenGate-Global/hrms-tenancy/domains/tenants/be/service"
	platformauth "github.com/zenGate-Global/hrms-tenancy/platform/go/auth"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/connpool"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/directory"
	platformlogging "github.com/zenGate-Global/hrms-tenancy/platform/go/logging"
	platformmiddleware "github.com/zenGate-Global/hrms-tenancy/platform/go/middleware"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/outbox"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/persistence"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/redisconn"
	tenantmiddleware "github.com/zenGate-Global/hrms-tenancy/platform/go/tenant/middleware"
)

func main() {
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "api-server",
		Service:   cfg.ServiceName,
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poolCfg := persistence.PoolConfig{ConnString: cfg.DatabaseURL}
	pool, err := persistence.NewPool(ctx, poolCfg)
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)

	if err := persistence.BootstrapCentral(ctx, pool, logger); err != nil {
		logger.Fatal("bootstrap central database", zap.Error(err))
	}

	connector, err := persistence.NewConnector(poolCfg, cfg.TenantPoolMaxConns)
	if err != nil {
		logger.Fatal("init tenant connector", zap.Error(err))
	}
	engine := persistence.NewEngine(pool)

	var rdb *redis.Client
	var cache directory.Cache = directory.NewMemoryCache()
	if cfg.RedisURL != "" {
		rdb, err = redisconn.Connect(ctx, redisconn.Config{URL: cfg.RedisURL})
		if err != nil {
			logger.Fatal("connect redis", zap.Error(err))
		}
		defer rdb.Close()
		cache = directory.NewRedisCache(rdb, cfg.ServiceName+":", logger)
	}

	dir, err := directory.New(directory.Config{
		BaseURL:          cfg.IdentityServiceURL,
		Secret:           cfg.InternalServiceSecret,
		Timeout:          cfg.DirectoryTimeout,
		Retries:          cfg.DirectoryRetries,
		RetryBackoff:     cfg.DirectoryRetryBackoff,
		CacheTTL:         cfg.TenantCacheTTL,
		FallbackTTL:      cfg.TenantFallbackTTL,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerWindow:    cfg.BreakerWindow,
		BreakerCooldown:  cfg.BreakerCooldown,
	}, cache, logger)
	if err != nil {
		logger.Fatal("init tenant directory", zap.Error(err))
	}

	manager := connpool.New(connpool.Config{
		Service:         cfg.ServiceName,
		CentralDatabase: connector.CentralDatabase(),
		Host:            connector.Host(),
		Driver:          "pgx",
		PurgeOnRelease:  cfg.PoolPurgeOnRelease,
	}, connpool.Deps{
		Central:   pool,
		Connector: connector,
		Catalog:   engine,
		Directory: dir,
	}, logger)
	defer manager.Close()

	provisioner := tenantsprov.NewDBProvisioner(tenantsprov.Deps{
		Engine:   engine,
		Pool:     manager,
		Migrator: persistence.NewTenantMigrator(logger),
		Seeder:   persistence.NewTenantSeeder(),
		Recorder: persistence.NewTenantRecorder(cfg.ServiceName),
		Cache:    dir,
	}, cfg.ProvisionTimeout, logger)

	provisioningRepo := tenantsrepo.NewPostgresRepository(persistence.NewProvisioningStore(pool), cfg.ServiceName)
	provisioningService := tenantsservice.New(tenantsservice.Config{
		Service:          cfg.ServiceName,
		ProvisionOnEvent: cfg.ProvisionOnEvent,
	}, tenantsservice.Deps{
		Directory:   dir,
		Provisioner: provisioner,
		Repo:        provisioningRepo,
		Registry:    manager,
		Breaker:     dir,
	}, logger)
	adminHandler := tenantshandler.New(provisioningService, logger)

	settingsHandler := settingshandler.New(
		settingsservice.New(settingsrepo.NewPostgresRepository(persistence.NewSettingsStore())),
		logger,
	)

	rootRouter := chi.NewRouter()
	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.DefaultCORS(),
	)
	rootRouter.Use(platformlogging.RequestLogger(logger))

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			platformlogging.FromRequest(r, logger).Warn("central database not ready", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Handle("/metrics", promhttp.Handler())

	// ---- Swagger UI + OpenAPI JSON (public) ----
	registerDocsRoutes(rootRouter, logger)

	adminValidator := mustNewSpecValidator(logger, contracts.AdminSpecPath, contracts.GetAdminSwagger, cfg.InternalServiceSecret != "")
	rootRouter.Group(func(r chi.Router) {
		r.Use(platformauth.InternalSecret(cfg.InternalServiceSecret))
		r.Use(platformmiddleware.RequestTrace)
		r.Use(adminValidator)
		adminHandler.Routes(r)
	})

	// Tenant-scoped routes run against the tenant's own database.
	rootRouter.Route("/api/v1", func(r chi.Router) {
		r.Use(tenantmiddleware.TenantRouter(dir, manager, tenantmiddleware.Config{MaxIdle: cfg.PoolMaxIdle}, logger))
		r.Get("/tenant/connection", tenantConnectionHandler)
		settingsHandler.Routes(r)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting api server", zap.String("port", cfg.Port), zap.String("service", cfg.ServiceName))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
		}
		return nil
	})
	group.Go(func() error {
		ticker := time.NewTicker(cfg.cleanupInterval())
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if n := manager.CleanupOlderThan(cfg.PoolMaxIdle); n > 0 {
					logger.Info("evicted idle tenant connections", zap.Int("count", n))
				}
			}
		}
	})

	if rdb != nil {
		registry := outbox.NewRegistry()
		tenantsservice.RegisterEvents(registry)

		dispatcher := outbox.NewDispatcher(outbox.NewStore(pool), outbox.NewRedisPublisher(rdb, cfg.OutboxChannel), outbox.DispatcherConfig{
			PollInterval: cfg.OutboxPollInterval,
			BatchSize:    cfg.OutboxBatchSize,
			MaxAttempts:  cfg.OutboxMaxAttempts,
		}, logger)
		subscriber := outbox.NewSubscriber(rdb, cfg.OutboxChannel, registry, logger)

		group.Go(func() error { return dispatcher.Run(groupCtx) })
		group.Go(func() error { return subscriber.Run(groupCtx, provisioningService.HandleEvent) })
		group.Go(func() error { return dir.SubscribeInvalidations(groupCtx, rdb, cfg.InvalidationChannel) })
	} else {
		logger.Warn("REDIS_URL not set; outbox events stay pending and tenant invalidations are not received")
	}

	if err := group.Wait(); err != nil {
		logger.Error("api server stopped with error", zap.Error(err))
	}
}

// tenantConnectionHandler reports the request session's active tenant connection.
func tenantConnectionHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := connpool.FromContext(r.Context())
	if !ok {
		http.Error(w, "no tenant session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, session.CurrentConnectionInfo(r.Context()))
}

// mustNewSpecValidator builds oapi-codegen validator middleware for an embedded contract.
// Security requirements are only enforced when the internal secret is configured.
func mustNewSpecValidator(logger *zap.Logger, path string, load func() (*openapi3.T, error), enforceAuth bool) func(http.Handler) http.Handler {
	spec, err := load()
	if err != nil {
		logger.Fatal("load openapi spec", zap.String("path", path), zap.Error(err))
	}
	// Requests are matched on path only; the contract's server URL is informational.
	spec.Servers = nil
	logSecuritySchemes(logger, path, spec)

	authFn := openapi3filter.NoopAuthenticationFunc
	if enforceAuth {
		authFn = platformmiddleware.ValidateAuthenticationViaSwagger
	}
	return oapimiddleware.OapiRequestValidatorWithOptions(spec, &oapimiddleware.Options{
		Options: openapi3filter.Options{
			AuthenticationFunc: authFn,
		},
	})
}

func logSecuritySchemes(logger *zap.Logger, path string, spec *openapi3.T) {
	names := make([]string, 0, len(spec.Components.SecuritySchemes))
	for name := range spec.Components.SecuritySchemes {
		names = append(names, name)
	}
	logger.Info("loaded security schemes", zap.String("path", path), zap.Strings("names", names))
}
