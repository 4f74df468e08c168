package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/example/es-aggregate-store/internal/es"
	"github.com/example/es-aggregate-store/internal/infrastructure/postgres"
	"github.com/spf13/cobra"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Snapshot string
	From     int64
	To       int64
}

// InspectResult is the JSON form of the inspect output.
type InspectResult struct {
	StreamID    string            `json:"stream_id"`
	StreamToken string            `json:"stream_token"`
	Version     int64             `json:"version"`
	Events      []InspectEvent    `json:"events"`
	Snapshots   []es.SnapshotInfo `json:"snapshots,omitempty"`
}

// InspectEvent is one event of InspectResult.
type InspectEvent struct {
	Version int64     `json:"version"`
	Type    string    `json:"type"`
	Data    *rawEvent `json:"data"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect STREAM_ID",
		Short: "Show the head, events and snapshots of a stream",
		Long: `Show the head, events and snapshots of a stream.

Payloads are printed as stored; no event types need to be known.

Examples:
  esctl inspect 5b0c... --aggregate order
  esctl inspect 5b0c... --aggregate order --snapshot order --format json`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), cmd.OutOrStdout(), opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Snapshot, "snapshot", "", "snapshot kind to list")
	cmd.Flags().Int64Var(&opts.From, "from", es.FromStart, "first event version")
	cmd.Flags().Int64Var(&opts.To, "to", es.Latest, "last event version")

	return cmd
}

func runInspect(ctx context.Context, w io.Writer, opts *InspectOptions, streamID string) error {
	logger := newLogger("Inspect", opts.RootOptions)

	pool, err := postgres.Open(ctx, opts.Config.DatabaseURL, opts.Config.PoolOptions(), logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	db, err := postgres.NewEventDB(pool, opts.Config.Aggregate, newRawRegistry(), postgres.WithLogger(logger))
	if err != nil {
		return err
	}
	c, err := db.CreateContext(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	head, found, err := c.GetStreamVersion(ctx, streamID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("stream %s: %w", streamID, es.ErrStreamNotFound)
	}

	events, err := c.GetEvents(ctx, streamID, opts.From, opts.To)
	if err != nil {
		return err
	}

	result := InspectResult{
		StreamID:    streamID,
		StreamToken: head.StreamToken.String(),
		Version:     head.Version,
		Events:      make([]InspectEvent, 0, len(events)),
	}
	for _, e := range events {
		result.Events = append(result.Events, InspectEvent{Version: e.Version, Type: e.Event.Type, Data: e.Event})
	}

	if opts.Snapshot != "" {
		snapshots := postgres.NewSnapshotStore(c, rawKind(opts.Snapshot))
		result.Snapshots, err = snapshots.ListSnapshots(ctx, streamID)
		if err != nil {
			return err
		}
	}

	return writeResult(w, opts.Format, result, func(w io.Writer) error {
		return writeInspectText(w, result)
	})
}

func writeInspectText(w io.Writer, r InspectResult) error {
	fmt.Fprintf(w, "Stream:  %s\n", r.StreamID)
	fmt.Fprintf(w, "Token:   %s\n", r.StreamToken)
	fmt.Fprintf(w, "Version: %d\n", r.Version)
	fmt.Fprintf(w, "\nEvents (%d):\n", len(r.Events))
	for _, e := range r.Events {
		data, _ := e.Data.MarshalJSON()
		fmt.Fprintf(w, "  %4d  %-24s %s\n", e.Version, e.Type, data)
	}
	if r.Snapshots != nil {
		fmt.Fprintf(w, "\nSnapshots (%d):\n", len(r.Snapshots))
		for _, s := range r.Snapshots {
			fmt.Fprintf(w, "  %d..%d  %s\n", s.StartVersion, s.Version, s.Hash)
		}
	}
	return nil
}
