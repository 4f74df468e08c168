package cli

import (
	"context"
	"errors"
	"io"
	"os/signal"
	"syscall"

	"github.com/example/es-aggregate-store/internal/infrastructure/kafka"
	"github.com/example/es-aggregate-store/internal/projection"
	"github.com/spf13/cobra"
)

// TailOptions holds flags for the tail command.
type TailOptions struct {
	*RootOptions
	Topic   string
	GroupID string
}

// NewTailCommand creates the tail command.
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TailOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print notifications forwarded to Kafka by the relay",
		Long: `Print notifications forwarded to Kafka by the relay until interrupted.

Examples:
  esctl tail
  esctl tail --topic es-notifications --group esctl-debug`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runTail(ctx, cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Topic, "topic", "", "Kafka topic (default $KAFKA_TOPIC)")
	cmd.Flags().StringVar(&opts.GroupID, "group", "", "consumer group (default $KAFKA_GROUP_ID)")

	return cmd
}

func runTail(ctx context.Context, w io.Writer, opts *TailOptions) error {
	topic := opts.Config.KafkaTopic
	if opts.Topic != "" {
		topic = opts.Topic
	}
	group := opts.Config.KafkaGroupID
	if opts.GroupID != "" {
		group = opts.GroupID
	}

	logger := newLogger("Tail", opts.RootOptions)
	consumer := kafka.NewConsumer(opts.Config.KafkaBrokers, topic, group, logger)
	defer consumer.Close()

	return tailConsumer(ctx, w, opts.Format, consumer, projection.NewTracker(logger))
}

// tailConsumer prints every relayed notification read by consumer.
func tailConsumer(ctx context.Context, w io.Writer, format string, consumer *kafka.Consumer, tracker *projection.Tracker) error {
	tracker.OnChange = func(c projection.Change) {
		_ = printChange(w, format, c)
	}
	err := consumer.Consume(ctx, tracker.HandleMessage)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
