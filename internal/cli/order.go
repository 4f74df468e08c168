package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/example/es-aggregate-store/internal/domain/order"
	"github.com/example/es-aggregate-store/internal/es"
	"github.com/example/es-aggregate-store/internal/infrastructure/postgres"
	"github.com/spf13/cobra"
)

// OrderOptions holds flags shared by the order subcommands.
type OrderOptions struct {
	*RootOptions
	Threshold int64
}

// NewOrderCommand creates the order command group, which drives the sample
// order aggregate through the Postgres store.
func NewOrderCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OrderOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "order",
		Short: "Place and advance sample orders",
		Long: `Place and advance orders of the sample "order" event family.

The schema must exist (esctl migrate --aggregate order --apply).

Examples:
  esctl order place --user u-1 --item prod-1:2:1000
  esctl order pay 5b0c...
  esctl order get 5b0c... --format json`,
	}
	cmd.PersistentFlags().Int64Var(&opts.Threshold, "snapshot-every", es.SnapshotThreshold, "events between snapshots")

	cmd.AddCommand(newOrderPlaceCommand(opts))
	cmd.AddCommand(newOrderGetCommand(opts))
	cmd.AddCommand(newOrderTransitionCommand(opts, "pay", "Mark an order as paid", func(ctx context.Context, s *order.Service, id string) error {
		return s.Pay(ctx, id)
	}))
	cmd.AddCommand(newOrderTransitionCommand(opts, "ship", "Mark a paid order as shipped", func(ctx context.Context, s *order.Service, id string) error {
		return s.Ship(ctx, id)
	}))
	cmd.AddCommand(newOrderCancelCommand(opts))

	return cmd
}

// withOrderService opens the pool and runs fn with a service bound to it.
func withOrderService(ctx context.Context, opts *OrderOptions, fn func(*order.Service) error) error {
	logger := newLogger("Order", opts.RootOptions)

	pool, err := postgres.Open(ctx, opts.Config.DatabaseURL, opts.Config.PoolOptions(), logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	db, err := postgres.NewEventDB(pool, order.AggregateName, order.NewRegistry(), postgres.WithLogger(logger))
	if err != nil {
		return err
	}
	c, err := db.CreateContext(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	snapshots := postgres.NewSnapshotStore[*order.Order, order.Event](c, order.New)
	return fn(order.NewService(c, snapshots).WithSnapshotThreshold(opts.Threshold))
}

func newOrderPlaceCommand(opts *OrderOptions) *cobra.Command {
	var (
		userID string
		items  []string
	)
	cmd := &cobra.Command{
		Use:          "place",
		Short:        "Place a new order",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseItems(items)
			if err != nil {
				return err
			}
			return withOrderService(cmd.Context(), opts, func(s *order.Service) error {
				placed, err := s.Place(cmd.Context(), userID, parsed)
				if err != nil {
					return err
				}
				return writeOrder(cmd.OutOrStdout(), opts.Format, placed, 1)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringSliceVar(&items, "item", nil, "item as PRODUCT:QUANTITY:PRICE (repeatable)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newOrderGetCommand(opts *OrderOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "get ORDER_ID",
		Short:        "Show an order rebuilt from its snapshot and events",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrderService(cmd.Context(), opts, func(s *order.Service) error {
				snapshot, err := s.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeOrder(cmd.OutOrStdout(), opts.Format, snapshot.Aggregate, snapshot.Version)
			})
		},
	}
}

func newOrderTransitionCommand(opts *OrderOptions, use, short string, fn func(context.Context, *order.Service, string) error) *cobra.Command {
	return &cobra.Command{
		Use:          use + " ORDER_ID",
		Short:        short,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrderService(cmd.Context(), opts, func(s *order.Service) error {
				if err := fn(cmd.Context(), s, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
				return nil
			})
		},
	}
}

func newOrderCancelCommand(opts *OrderOptions) *cobra.Command {
	var reason string
	cmd := newOrderTransitionCommand(opts, "cancel", "Cancel an order", func(ctx context.Context, s *order.Service, id string) error {
		return s.Cancel(ctx, id, reason)
	})
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

// parseItems parses PRODUCT:QUANTITY:PRICE values.
func parseItems(values []string) ([]order.OrderItem, error) {
	items := make([]order.OrderItem, 0, len(values))
	for _, v := range values {
		var item order.OrderItem
		var product string
		if _, err := fmt.Sscanf(strings.ReplaceAll(v, ":", " "), "%s %d %d", &product, &item.Quantity, &item.Price); err != nil {
			return nil, fmt.Errorf("invalid item %q: want PRODUCT:QUANTITY:PRICE", v)
		}
		item.ProductID = product
		items = append(items, item)
	}
	return items, nil
}

type orderOutput struct {
	Version int64        `json:"version"`
	Order   *order.Order `json:"order"`
}

func writeOrder(w io.Writer, format string, o *order.Order, version int64) error {
	return writeResult(w, format, orderOutput{Version: version, Order: o}, func(w io.Writer) error {
		fmt.Fprintf(w, "Order:   %s\n", o.ID)
		fmt.Fprintf(w, "User:    %s\n", o.UserID)
		fmt.Fprintf(w, "Status:  %s\n", o.Status)
		fmt.Fprintf(w, "Total:   %d\n", o.Total)
		fmt.Fprintf(w, "Version: %d\n", version)
		items, err := json.Marshal(o.Items)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Items:   %s\n", items)
		return nil
	})
}
