package migrate

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zenGate-Global/hrms-tenancy/apps/cli/cmd/wiring"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/persistence"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/tenant"
)

// Command groups schema migration helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded migrations",
	}

	cmd.AddCommand(centralCommand())
	cmd.AddCommand(tenantsCommand())
	return cmd
}

func centralCommand() *cobra.Command {
	var flags wiring.Flags

	c := &cobra.Command{
		Use:   "central",
		Short: "Apply the central migrations (outbox, tenant database ledger)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// OpenCentral applies the central set.
			central, err := wiring.OpenCentral(cmd.Context(), flags)
			if err != nil {
				return err
			}
			central.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "central migrations applied")
			return nil
		},
	}

	flags.Bind(c)
	return c
}

func tenantsCommand() *cobra.Command {
	var flags wiring.Flags

	c := &cobra.Command{
		Use:   "tenants [tenant-id...]",
		Short: "Apply the tenant migrations to the given tenants, or to every ready tenant database in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			central, err := wiring.OpenCentral(ctx, flags)
			if err != nil {
				return err
			}
			defer central.Close()

			ids := args
			if len(ids) == 0 {
				ids, err = readyTenants(cmd, central)
				if err != nil {
					return err
				}
			}

			migrator := persistence.NewTenantMigrator(central.Logger)
			var errs error
			for _, id := range ids {
				name, err := tenant.PhysicalDatabaseName(id, flags.Service)
				if err != nil {
					errs = multierr.Append(errs, err)
					continue
				}
				db, err := central.Connector.Connect(ctx, name)
				if err != nil {
					errs = multierr.Append(errs, fmt.Errorf("connect %s: %w", name, err))
					continue
				}
				err = migrator.Migrate(ctx, db)
				db.Close()
				if err != nil {
					central.Logger.Error("tenant migration failed", zap.String("database", name), zap.Error(err))
					errs = multierr.Append(errs, fmt.Errorf("migrate %s: %w", name, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrated %s\n", name)
			}
			return errs
		},
	}

	flags.Bind(c)
	return c
}

func readyTenants(cmd *cobra.Command, central *wiring.Central) ([]string, error) {
	store := persistence.NewProvisioningStore(central.Pool)
	ready := "ready"
	const pageSize = 100

	var ids []string
	for offset := 0; ; offset += pageSize {
		rows, total, err := store.List(cmd.Context(), central.Flags.Service, &ready, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list ready tenant databases: %w", err)
		}
		for _, rec := range rows {
			ids = append(ids, rec.TenantID.String())
		}
		if offset+pageSize >= total {
			return ids, nil
		}
	}
}
