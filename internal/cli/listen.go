package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/example/es-aggregate-store/internal/es"
	"github.com/example/es-aggregate-store/internal/infrastructure/postgres"
	"github.com/example/es-aggregate-store/internal/projection"
	"github.com/spf13/cobra"
)

// NewListenCommand creates the listen command.
func NewListenCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Print change notifications of an event family",
		Long: `Print change notifications of an event family until interrupted.

The listener reconnects on its own and listens again after a lost
connection. Notifications sent while disconnected are not replayed.

Examples:
  esctl listen --aggregate order
  esctl listen --aggregate order --format json`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runListen(ctx, cmd.OutOrStdout(), rootOpts)
		},
	}
}

func runListen(ctx context.Context, w io.Writer, opts *RootOptions) error {
	logger := newLogger("Listen", opts)

	pool, err := postgres.Open(ctx, opts.Config.DatabaseURL, opts.Config.PoolOptions(), logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	db, err := postgres.NewEventDB(pool, opts.Config.Aggregate, newRawRegistry(), postgres.WithLogger(logger))
	if err != nil {
		return err
	}

	tracker := projection.NewTracker(logger)
	var mu sync.Mutex
	tracker.OnChange = func(c projection.Change) {
		mu.Lock()
		defer mu.Unlock()
		if err := printChange(w, opts.Format, c); err != nil {
			logger.Error(ctx, "failed to print notification", "error", err)
		}
	}

	if err := db.ListenToStreamUpdates(ctx, tracker.HandleNotification); err != nil {
		return err
	}
	logger.Info(ctx, "listening", "channel", db.Channel())

	<-ctx.Done()
	return nil
}

func printChange(w io.Writer, format string, c projection.Change) error {
	return writeLine(w, format, c.Notification, func(w io.Writer) error {
		n := c.Notification
		line := fmt.Sprintf("%-16s %s token=%s", n.Kind, n.StreamID, n.StreamToken)
		if n.Kind != es.StreamCreated && n.Kind != es.StreamDeleted {
			line += fmt.Sprintf(" version=%d", n.Version)
		}
		if n.Kind.IsSnapshot() {
			line += " kind=" + n.AggregateID
		}
		if c.View.Recreated {
			line += " (recreated)"
		}
		if c.Stale {
			line += " (stale)"
		}
		_, err := fmt.Fprintln(w, line)
		return err
	})
}
