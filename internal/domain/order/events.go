package order

import (
	"time"

	"github.com/example/es-aggregate-store/internal/es"
)

const (
	EventOrderPlaced    = "OrderPlaced"
	EventOrderPaid      = "OrderPaid"
	EventOrderShipped   = "OrderShipped"
	EventOrderCancelled = "OrderCancelled"
)

// Event is the order event family.
type Event interface {
	es.Event
	orderEvent()
}

type OrderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     int    `json:"price"`
}

type OrderPlaced struct {
	OrderID  string      `json:"order_id"`
	UserID   string      `json:"user_id"`
	Items    []OrderItem `json:"items"`
	Total    int         `json:"total"`
	PlacedAt time.Time   `json:"placed_at"`
}

type OrderPaid struct {
	OrderID string    `json:"order_id"`
	PaidAt  time.Time `json:"paid_at"`
}

type OrderShipped struct {
	OrderID   string    `json:"order_id"`
	ShippedAt time.Time `json:"shipped_at"`
}

type OrderCancelled struct {
	OrderID     string    `json:"order_id"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}

func (*OrderPlaced) EventType() string    { return EventOrderPlaced }
func (*OrderPaid) EventType() string      { return EventOrderPaid }
func (*OrderShipped) EventType() string   { return EventOrderShipped }
func (*OrderCancelled) EventType() string { return EventOrderCancelled }

func (*OrderPlaced) orderEvent()    {}
func (*OrderPaid) orderEvent()      {}
func (*OrderShipped) orderEvent()   {}
func (*OrderCancelled) orderEvent() {}

// NewRegistry returns the decoder for persisted order events.
func NewRegistry() *es.EventRegistry[Event] {
	return es.NewEventRegistry[Event]().
		Register(EventOrderPlaced, func() Event { return &OrderPlaced{} }).
		Register(EventOrderPaid, func() Event { return &OrderPaid{} }).
		Register(EventOrderShipped, func() Event { return &OrderShipped{} }).
		Register(EventOrderCancelled, func() Event { return &OrderCancelled{} })
}
