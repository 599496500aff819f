package order

import (
	"time"

	"mts-core/pkg/exchange"
)

// Status is an order's lifecycle state.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSubmitted       Status = "SUBMITTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
)

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Open reports whether the order still occupies risk budget for the
// open-order cap. Partial fills are already counted through the position.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusSubmitted
}

// Order is the tracked representation of one exchange action. The manager
// is its only writer; everything handed out is a copy.
type Order struct {
	ID              string             `json:"id"`
	IdempotencyKey  string             `json:"idempotency_key"`
	Role            string             `json:"role"`
	Instrument      string             `json:"instrument"`
	Side            exchange.Side      `json:"side"`
	Type            exchange.OrderType `json:"type"`
	Price           float64            `json:"price"`
	Qty             float64            `json:"qty"`
	FilledQty       float64            `json:"filled_qty"`
	AvgFillPrice    float64            `json:"avg_fill_price"`
	Status          Status             `json:"status"`
	RejectReason    string             `json:"reject_reason,omitempty"`
	ExchangeOrderID string             `json:"exchange_order_id,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}
