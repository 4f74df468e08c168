// Package cli implements the esctl command line tool.
package cli

import (
	"fmt"

	"github.com/example/es-aggregate-store/internal/config"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose     bool
	Format      string // "json" | "text"
	DatabaseURL string
	Aggregate   string

	Config config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for esctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "esctl",
		Short: "Inspect and operate a Postgres event store",
		Long:  "Generate schemas, inspect streams and watch change notifications of an event-sourced aggregate store.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolve(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DatabaseURL, "db", "", "database URL (default $ES_DATABASE_URL)")
	cmd.PersistentFlags().StringVarP(&opts.Aggregate, "aggregate", "a", "", "event family name (default $ES_AGGREGATE)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewListenCommand(opts))
	cmd.AddCommand(NewTailCommand(opts))
	cmd.AddCommand(NewOrderCommand(opts))

	return cmd
}

// resolve validates flags and fills unset ones from the environment.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	if !isValidFormat(o.Format) {
		return fmt.Errorf("invalid format %q: must be one of %v", o.Format, ValidFormats)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if o.DatabaseURL != "" {
		cfg.DatabaseURL = o.DatabaseURL
	}
	if o.Aggregate != "" {
		cfg.Aggregate = o.Aggregate
	}
	if o.Verbose {
		cfg.Verbose = true
	}
	o.Config = cfg
	return nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
