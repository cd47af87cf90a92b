package tenantdb

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zenGate-Global/hrms-tenancy/apps/cli/cmd/wiring"
	"github.com/zenGate-Global/hrms-tenancy/platform/go/tenant"
)

// Command groups tenant database helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant-db",
		Short: "Provision, drop and probe per-tenant databases",
	}

	cmd.AddCommand(createCommand())
	cmd.AddCommand(dropCommand())
	cmd.AddCommand(existsCommand())
	return cmd
}

func createCommand() *cobra.Command {
	var (
		flags wiring.Flags
		dir   wiring.DirectoryFlags
	)

	c := &cobra.Command{
		Use:   "create <tenant-id-or-domain>",
		Short: "Create, migrate and seed this service's database for a tenant (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := flags.Context(cmd.Context())

			central, err := wiring.OpenCentral(ctx, flags)
			if err != nil {
				return err
			}
			defer central.Close()

			svc, closeManager, err := central.Service(dir)
			if err != nil {
				return err
			}
			defer closeManager()

			res, err := svc.Provision(ctx, args[0])
			if err != nil {
				return fmt.Errorf("provision %s: %w", args[0], err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	flags.Bind(c)
	dir.Bind(c)
	return c
}

func dropCommand() *cobra.Command {
	var (
		flags   wiring.Flags
		dir     wiring.DirectoryFlags
		confirm bool
	)

	c := &cobra.Command{
		Use:   "drop <tenant-id-or-domain>",
		Short: "Terminate connections to and drop this service's database for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("refusing to drop without --yes")
			}
			ctx := flags.Context(cmd.Context())

			central, err := wiring.OpenCentral(ctx, flags)
			if err != nil {
				return err
			}
			defer central.Close()

			svc, closeManager, err := central.Service(dir)
			if err != nil {
				return err
			}
			defer closeManager()

			if err := svc.Drop(ctx, args[0]); err != nil {
				return fmt.Errorf("drop %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped tenant database for %s on %s\n", args[0], flags.Service)
			return nil
		},
	}

	flags.Bind(c)
	dir.Bind(c)
	c.Flags().BoolVar(&confirm, "yes", false, "confirm the destructive drop")
	return c
}

func existsCommand() *cobra.Command {
	var flags wiring.Flags

	c := &cobra.Command{
		Use:   "exists <tenant-id>",
		Short: "Report whether this service's database exists for a tenant id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name, err := tenant.PhysicalDatabaseName(args[0], flags.Service)
			if err != nil {
				return err
			}

			central, err := wiring.OpenCentral(ctx, flags)
			if err != nil {
				return err
			}
			defer central.Close()

			exists, err := central.Engine.DatabaseExists(ctx, name)
			if err != nil {
				return fmt.Errorf("probe %s: %w", name, err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"database": name, "exists": exists})
		},
	}

	flags.Bind(c)
	return c
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
