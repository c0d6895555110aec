package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forwardcompute/neutronapi/cmd/neutron/ui"
	"github.com/forwardcompute/neutronapi/connection"
	"github.com/forwardcompute/neutronapi/internal/watch"
	"github.com/forwardcompute/neutronapi/migrate"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand() *cobra.Command {
	var database string
	var watchMode bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migration files",
		Long:  "Apply every pending migration file to the target database, recording file hashes so edited files re-apply",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, database, watchMode)
		},
	}

	cmd.Flags().StringVar(&database, "database", connection.DefaultAlias, "Database alias to migrate")
	cmd.Flags().BoolVar(&watchMode, "watch", false, "Keep running and re-apply when migration files change")

	return cmd
}

func runMigrate(cmd *cobra.Command, database string, watchMode bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer connection.CloseAll()

	ctx := cmd.Context()
	conn, err := connection.Get(ctx, database)
	if err != nil {
		return err
	}

	tracker := migrate.NewTracker(cfg.MigrationsDir)
	apply := func() error {
		if err := tracker.Migrate(ctx, conn); err != nil {
			ui.PrintError("migration run aborted: %v", err)
			return fmt.Errorf("migrate %q: %w", database, err)
		}
		ui.PrintSuccess("database %q is up to date", database)
		return nil
	}

	if !watchMode {
		return apply()
	}

	// Watch mode keeps the process alive; a failed re-run is reported but
	// does not stop watching.
	w, err := watch.New(cfg.MigrationsDir, apply)
	if err != nil {
		return err
	}
	defer w.Stop()
	if err := w.Start(); err != nil {
		return err
	}
	ui.PrintInfo("watching %s for migration changes, ctrl-c to stop", cfg.MigrationsDir)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return nil
}
