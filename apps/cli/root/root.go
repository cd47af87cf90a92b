package root

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the tenancy operator CLI. Subcommands are attached in wire.go.
var rootCmd = &cobra.Command{
	Use:           "hrms-tenancy",
	Short:         "HRMS tenant database operator CLI",
	Long:          "Operator utilities for per-tenant databases: provision, drop, probe and migrate.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the mutable root command for wiring from subpackages.
func Root() *cobra.Command {
	return rootCmd
}
