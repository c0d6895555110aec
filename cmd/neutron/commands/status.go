package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/forwardcompute/neutronapi/cmd/neutron/ui"
	"github.com/forwardcompute/neutronapi/connection"
	"github.com/forwardcompute/neutronapi/migrate"
)

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	var database string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration state per file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, database)
		},
	}

	cmd.Flags().StringVar(&database, "database", connection.DefaultAlias, "Database alias to inspect")

	return cmd
}

func runStatus(cmd *cobra.Command, database string) error {
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

	entries, err := migrate.NewTracker(cfg.MigrationsDir).Status(ctx, conn)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		ui.PrintInfo("no migration files found under %s", cfg.MigrationsDir)
		return nil
	}

	rows := make([][]string, 0, len(entries))
	pending := 0
	for _, e := range entries {
		applied := ""
		if !e.AppliedAt.IsZero() {
			applied = e.AppliedAt.Format(time.RFC3339)
		}
		if e.State != "applied" {
			pending++
		}
		rows = append(rows, []string{e.AppLabel, e.Name, e.State, applied})
	}
	ui.PrintSection("Migrations on " + database)
	ui.PrintTable([]string{"App", "Migration", "State", "Applied"}, rows)
	if pending > 0 {
		ui.PrintWarning("%d migration(s) will run on the next migrate", pending)
	} else {
		ui.PrintSuccess("all migrations applied")
	}
	return nil
}
