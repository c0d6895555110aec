// Package commands implements the neutron CLI commands.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forwardcompute/neutronapi/connection"
	"github.com/forwardcompute/neutronapi/internal/config"
	"github.com/forwardcompute/neutronapi/schema"
)

// NewRootCommand assembles the CLI. Host projects register their models and
// hand this command their version string.
func NewRootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "neutron",
		Short:         "Schema migrations and database management",
		Long:          "neutron diffs registered models into migration files and applies them to configured databases",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(NewMakemigrationsCommand())
	root.AddCommand(NewMigrateCommand())
	root.AddCommand(NewStatusCommand())

	return root
}

// loadConfig reads project configuration and installs the database registry.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	connection.Setup(cfg.Settings())
	return cfg, nil
}

// appLabels resolves the app labels a command operates on: explicit args
// win, then the configured list, then every app with registered models.
func appLabels(cfg *config.Config, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	if len(cfg.Apps) > 0 {
		return cfg.Apps, nil
	}
	labels := schema.RegisteredApps()
	if len(labels) == 0 {
		return nil, fmt.Errorf("no apps configured and no models registered")
	}
	return labels, nil
}
