package cli

import (
	"fmt"

	"github.com/example/es-aggregate-store/internal/es"
	"github.com/example/es-aggregate-store/internal/infrastructure/migrations"
	"github.com/example/es-aggregate-store/internal/infrastructure/postgres"
	"github.com/spf13/cobra"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Output   string
	Filename string
	Apply    bool
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Generate or apply the schema of an event family",
		Long: `Generate the tables, constraints and triggers of an event family.

Without flags the SQL is printed. With --output it is written to a
timestamped file; with --apply it is executed against the database.

Examples:
  esctl migrate --aggregate order
  esctl migrate --aggregate order --output ./migrations
  esctl migrate --aggregate order --apply --db postgres://...`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "folder to write the migration file to")
	cmd.Flags().StringVar(&opts.Filename, "filename", "", "migration file name (default timestamped)")
	cmd.Flags().BoolVar(&opts.Apply, "apply", false, "apply the migration to the database")

	return cmd
}

func runMigrate(cmd *cobra.Command, opts *MigrateOptions) error {
	aggregate := opts.Config.Aggregate
	if err := migrations.Validate(aggregate); err != nil {
		return err
	}

	if opts.Apply {
		ctx := cmd.Context()
		db, err := postgres.ConnectPostgres(ctx, opts.Config.DatabaseURL, opts.Config.PoolOptions())
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		defer db.Close()

		if err := migrations.Apply(ctx, db, aggregate); err != nil {
			return err
		}
		newLogger("Migrate", opts.RootOptions).Info(ctx, "schema applied", "aggregate", aggregate)
		fmt.Fprintf(cmd.OutOrStdout(), "applied schema for %s\n", aggregate)
		return nil
	}

	if opts.Output != "" {
		config := migrations.DefaultConfig(aggregate)
		config.OutputFolder = opts.Output
		if opts.Filename != "" {
			config.OutputFilename = opts.Filename
		}
		if err := migrations.GeneratePostgres(&config); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s/%s\n", config.OutputFolder, config.OutputFilename)
		return nil
	}

	sql, err := migrations.PostgresSQL(aggregate)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), sql)
	return nil
}

func newLogger(component string, opts *RootOptions) es.Logger {
	return es.NewStdLogger(component, opts.Config.Verbose)
}
