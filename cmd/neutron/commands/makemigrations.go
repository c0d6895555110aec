package commands

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/forwardcompute/neutronapi/cmd/neutron/ui"
	"github.com/forwardcompute/neutronapi/migrate"
	"github.com/forwardcompute/neutronapi/schema"
)

// NewMakemigrationsCommand creates the makemigrations command.
func NewMakemigrationsCommand() *cobra.Command {
	var clean bool
	var check bool
	var noInput bool

	cmd := &cobra.Command{
		Use:   "makemigrations [app...]",
		Short: "Diff registered models into migration files",
		Long:  "Compare registered models against the latest recorded state and write a numbered migration file per changed app",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMakemigrations(args, clean, check, noInput)
		},
	}

	cmd.Flags().BoolVar(&clean, "clean", false, "Diff against an empty state, regenerating full schema operations")
	cmd.Flags().BoolVar(&check, "check", false, "Exit non-zero when changes are pending, writing nothing")
	cmd.Flags().BoolVar(&noInput, "no-input", false, "Never prompt; ambiguous renames become remove and add")

	return cmd
}

func runMakemigrations(args []string, clean, check, noInput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	apps, err := appLabels(cfg, args)
	if err != nil {
		return err
	}

	opts := []migrate.ManagerOption{}
	if check {
		// Diff against the real tree but land writes in memory.
		opts = append(opts, migrate.WithFs(afero.NewCopyOnWriteFs(afero.NewOsFs(), afero.NewMemMapFs())))
	}
	if !noInput {
		opts = append(opts, migrate.WithResolver(&promptResolver{}))
	}
	manager := migrate.NewManager(cfg.MigrationsDir, opts...)

	pending := false
	for _, app := range apps {
		models := schema.Registered(app)
		if len(models) == 0 {
			ui.PrintWarning("no models registered for app %q", app)
			continue
		}
		ops, err := manager.Makemigrations(app, models, clean)
		if err != nil {
			return fmt.Errorf("makemigrations %s: %w", app, err)
		}
		if len(ops) == 0 {
			ui.PrintDim("%s: no changes detected", app)
			continue
		}
		pending = true
		if check {
			ui.PrintWarning("%s: %d pending operation(s)", app, len(ops))
		} else {
			ui.PrintSuccess("%s: wrote migration with %d operation(s)", app, len(ops))
		}
		for _, op := range ops {
			ui.PrintList([]string{op.Describe()})
		}
	}
	if check && pending {
		return fmt.Errorf("model changes without migrations")
	}
	return nil
}
