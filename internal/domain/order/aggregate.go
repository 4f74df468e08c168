package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/example/es-aggregate-store/internal/es"
	"github.com/google/uuid"
)

// AggregateName is both the table suffix of the order event family and the
// snapshot kind of the Order aggregate.
const AggregateName = "order"

type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusShipped   Status = "shipped"
	StatusCancelled Status = "cancelled"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrEmptyOrder       = errors.New("order must have at least one item")
	ErrInvalidStatus    = errors.New("invalid order status transition")
	ErrOrderAlreadyPaid = errors.New("order is already paid")
	ErrOrderNotPaid     = errors.New("order must be paid before shipping")
	ErrOrderShipped     = errors.New("cannot cancel shipped order")
	ErrOrderCancelled   = errors.New("order is already cancelled")
)

// validTransitions defines allowed state transitions
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusPaid, StatusCancelled},
	StatusPaid:      {StatusShipped, StatusCancelled},
	StatusShipped:   {}, // terminal state
	StatusCancelled: {}, // terminal state
}

type Order struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	Items     []OrderItem `json:"items"`
	Total     int         `json:"total"`
	Status    Status      `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// New returns an empty order, the starting point of a fold.
func New() *Order { return &Order{} }

func (o *Order) AggregateName() string { return AggregateName }

// Apply folds a single event into the order state.
func (o *Order) Apply(event Event) error {
	switch e := event.(type) {
	case *OrderPlaced:
		o.ID = e.OrderID
		o.UserID = e.UserID
		o.Items = e.Items
		o.Total = e.Total
		o.Status = StatusPending
		o.CreatedAt = e.PlacedAt
		o.UpdatedAt = e.PlacedAt
	case *OrderPaid:
		o.Status = StatusPaid
		o.UpdatedAt = e.PaidAt
	case *OrderShipped:
		o.Status = StatusShipped
		o.UpdatedAt = e.ShippedAt
	case *OrderCancelled:
		o.Status = StatusCancelled
		o.UpdatedAt = e.CancelledAt
	default:
		return fmt.Errorf("unexpected order event %T", event)
	}
	return nil
}

// CanTransitionTo checks if the order can transition to the target status
func (o *Order) CanTransitionTo(target Status) bool {
	for _, s := range validTransitions[o.Status] {
		if s == target {
			return true
		}
	}
	return false
}

func (o *Order) transitionError(target Status) error {
	switch {
	case o.Status == StatusCancelled:
		return ErrOrderCancelled
	case o.Status == StatusShipped && target == StatusCancelled:
		return ErrOrderShipped
	case (o.Status == StatusPaid || o.Status == StatusShipped) && target == StatusPaid:
		return ErrOrderAlreadyPaid
	case o.Status == StatusPending && target == StatusShipped:
		return ErrOrderNotPaid
	default:
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidStatus, o.Status, target)
	}
}

// Service drives orders through an event store and its snapshot chain.
type Service struct {
	events    es.EventStore[Event]
	snapshots es.SnapshotStore[*Order]
	threshold int64
}

func NewService(events es.EventStore[Event], snapshots es.SnapshotStore[*Order]) *Service {
	return &Service{
		events:    events,
		snapshots: snapshots,
		threshold: es.SnapshotThreshold,
	}
}

// WithSnapshotThreshold overrides the number of events between snapshots.
func (s *Service) WithSnapshotThreshold(n int64) *Service {
	s.threshold = n
	return s
}

// Get reconstructs the order from its latest snapshot and the newer events.
func (s *Service) Get(ctx context.Context, orderID string) (*es.Snapshot[*Order], error) {
	snapshot, err := s.snapshots.GetAggregate(ctx, orderID)
	if errors.Is(err, es.ErrStreamNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *Service) Place(ctx context.Context, userID string, items []OrderItem) (*Order, error) {
	if len(items) == 0 {
		return nil, ErrEmptyOrder
	}

	orderID := uuid.New().String()
	now := time.Now().UTC()

	var total int
	for _, item := range items {
		total += item.Price * item.Quantity
	}

	if _, err := s.events.CreateStream(ctx, orderID); err != nil {
		return nil, err
	}

	placed := &OrderPlaced{
		OrderID:  orderID,
		UserID:   userID,
		Items:    items,
		Total:    total,
		PlacedAt: now,
	}
	if _, err := s.events.StoreEvents(ctx, orderID, es.Exact(0), []Event{placed}); err != nil {
		return nil, err
	}

	order := New()
	if err := order.Apply(placed); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Service) Pay(ctx context.Context, orderID string) error {
	return s.transition(ctx, orderID, StatusPaid, &OrderPaid{OrderID: orderID, PaidAt: time.Now().UTC()})
}

func (s *Service) Ship(ctx context.Context, orderID string) error {
	return s.transition(ctx, orderID, StatusShipped, &OrderShipped{OrderID: orderID, ShippedAt: time.Now().UTC()})
}

func (s *Service) Cancel(ctx context.Context, orderID, reason string) error {
	return s.transition(ctx, orderID, StatusCancelled, &OrderCancelled{
		OrderID:     orderID,
		Reason:      reason,
		CancelledAt: time.Now().UTC(),
	})
}

// transition appends event when the order may move to target. A concurrent
// writer surfaces as es.ErrConflict.
func (s *Service) transition(ctx context.Context, orderID string, target Status, event Event) error {
	snapshot, err := s.Get(ctx, orderID)
	if err != nil {
		return err
	}

	if !snapshot.Aggregate.CanTransitionTo(target) {
		return snapshot.Aggregate.transitionError(target)
	}

	version, err := s.events.StoreEvents(ctx, orderID, es.Exact(snapshot.Version), []Event{event})
	if err != nil {
		return err
	}

	if err := snapshot.Aggregate.Apply(event); err != nil {
		return err
	}
	snapshot.Version = version

	if _, err := es.MaybeSnapshot[*Order](ctx, s.snapshots, snapshot, s.threshold); err != nil {
		log.Printf("[Order] Failed to create snapshot for order %s: %v", orderID, err)
	}
	return nil
}
