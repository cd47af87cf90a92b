// Package wiring builds the provisioning stack for CLI commands from flags.
package wiring

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	tenantsprov "github.com/zenGate-Global/hrms-tenancy/domains/tenants/be/provisioning"
	tenantsrepo "github.com/zenGate-Global/hrms-tenancy/domains/tenants/be/repo"
	tenantsservice "github.com/zenGate-Global/hrms-tenancy/domains/tenants/be/service"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/connpool"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/directory"
	platformlogging "github.com/zenGate-Global/hrms-tenancy/platform/go/logging"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/persistence"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/requesttrace"
)

// Flags shared by every command that touches the central database.
type Flags struct {
	DatabaseURL      string
	Service          string
	LogLevel         string
	Operator         string
	ProvisionTimeout time.Duration
}

// Bind registers the shared flags on c. Defaults come from the API's environment variables.
func (f *Flags) Bind(c *cobra.Command) {
	c.Flags().StringVar(&f.DatabaseURL, "database-url", os.Getenv("DATABASE_URL"), "central database connection string (DATABASE_URL)")
	c.Flags().StringVar(&f.Service, "service", os.Getenv("SERVICE_NAME"), "service whose tenant databases are managed (SERVICE_NAME)")
	c.Flags().StringVar(&f.LogLevel, "log-level", "warn", "log level")
	c.Flags().StringVar(&f.Operator, "operator", currentUser(), "operator recorded on announced events")
	c.Flags().DurationVar(&f.ProvisionTimeout, "provision-timeout", 5*time.Minute, "deadline for one provisioning run")
}

// Validate reports missing required values.
func (f *Flags) Validate() error {
	if f.DatabaseURL == "" {
		return fmt.Errorf("--database-url is required")
	}
	if f.Service == "" {
		return fmt.Errorf("--service is required")
	}
	return nil
}

// Context returns a context carrying the operator audit info.
func (f *Flags) Context(parent context.Context) context.Context {
	return requesttrace.IntoContext(parent, requesttrace.Operator(f.Operator))
}

// Logger builds the CLI logger on stderr so command output stays parseable.
func (f *Flags) Logger() (*zap.Logger, error) {
	return platformlogging.NewLogger(platformlogging.Config{
		Component: "cli",
		Service:   f.Service,
		Level:     f.LogLevel,
		Output:    os.Stderr,
	})
}

// Central is an open central pool with its derived collaborators.
type Central struct {
	Flags     Flags
	Pool      *pgxpool.Pool
	Connector *persistence.Connector
	Engine    *persistence.Engine
	Logger    *zap.Logger
}

// OpenCentral connects to the central database and applies the central migrations.
func OpenCentral(ctx context.Context, f Flags) (*Central, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	logger, err := f.Logger()
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	poolCfg := persistence.PoolConfig{ConnString: f.DatabaseURL}
	pool, err := persistence.NewPool(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("init pool: %w", err)
	}
	connector, err := persistence.NewConnector(poolCfg, 2)
	if err != nil {
		persistence.ClosePool(pool)
		return nil, fmt.Errorf("init tenant connector: %w", err)
	}
	if err := persistence.BootstrapCentral(ctx, pool, logger); err != nil {
		persistence.ClosePool(pool)
		return nil, err
	}
	return &Central{Flags: f, Pool: pool, Connector: connector, Engine: persistence.NewEngine(pool), Logger: logger}, nil
}

// Close releases the central pool.
func (c *Central) Close() {
	persistence.ClosePool(c.Pool)
	_ = c.Logger.Sync()
}

// Manager returns a pool manager over the central connection resolving tenants through dir.
func (c *Central) Manager(dir connpool.Directory) *connpool.Manager {
	return connpool.New(connpool.Config{
		Service:         c.Flags.Service,
		CentralDatabase: c.Connector.CentralDatabase(),
		Host:            c.Connector.Host(),
		Driver:          "pgx",
		PurgeOnRelease:  true,
	}, connpool.Deps{
		Central:   c.Pool,
		Connector: c.Connector,
		Catalog:   c.Engine,
		Directory: dir,
	}, c.Logger)
}

// DirectoryFlags configure the identity authority client.
type DirectoryFlags struct {
	IdentityURL string
	Secret      string
}

// Bind registers the identity authority flags on c.
func (d *DirectoryFlags) Bind(c *cobra.Command) {
	c.Flags().StringVar(&d.IdentityURL, "identity-url", os.Getenv("IDENTITY_SERVICE_URL"), "identity authority base URL (IDENTITY_SERVICE_URL)")
	c.Flags().StringVar(&d.Secret, "internal-secret", os.Getenv("INTERNAL_SERVICE_SECRET"), "internal service secret (INTERNAL_SERVICE_SECRET)")
}

// Service builds the provisioning workflow with an in-memory directory cache.
func (c *Central) Service(d DirectoryFlags) (*tenantsservice.Service, func(), error) {
	if d.IdentityURL == "" {
		return nil, nil, fmt.Errorf("--identity-url is required")
	}
	dir, err := directory.New(directory.Config{BaseURL: d.IdentityURL, Secret: d.Secret}, directory.NewMemoryCache(), c.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init tenant directory: %w", err)
	}
	manager := c.Manager(dir)

	provisioner := tenantsprov.NewDBProvisioner(tenantsprov.Deps{
		Engine:   c.Engine,
		Pool:     manager,
		Migrator: persistence.NewTenantMigrator(c.Logger),
		Seeder:   persistence.NewTenantSeeder(),
		Recorder: persistence.NewTenantRecorder(c.Flags.Service),
		Cache:    dir,
	}, c.Flags.ProvisionTimeout, c.Logger)

	svc := tenantsservice.New(tenantsservice.Config{Service: c.Flags.Service}, tenantsservice.Deps{
		Directory:   dir,
		Provisioner: provisioner,
		Repo:        tenantsrepo.NewPostgresRepository(persistence.NewProvisioningStore(c.Pool), c.Flags.Service),
		Registry:    manager,
		Breaker:     dir,
	}, c.Logger)
	return svc, manager.Close, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}
