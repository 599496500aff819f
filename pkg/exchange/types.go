package exchange

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// AckStatus normalizes the venue's submission acknowledgment.
type AckStatus string

const (
	AckAccepted AckStatus = "ACCEPTED"
	AckRejected AckStatus = "REJECTED"
	AckCanceled AckStatus = "CANCELED"
	AckUnknown  AckStatus = "UNKNOWN"
)

// OrderRequest captures an order to be sent to a venue.
// ClientOrderID carries the caller's idempotency key so the venue's own
// deduplication field (when one exists) rejects resubmissions of the same
// logical action.
type OrderRequest struct {
	Instrument    string
	Side          Side
	Type          OrderType
	Qty           float64
	Price         float64 // required for LIMIT
	TimeInForce   TimeInForce
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResult is the venue ack for a submission.
type OrderResult struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          AckStatus
	Reason          string
}

// Fill is one trade execution reported by the venue. FillID is unique per
// execution and is what consumers deduplicate on under at-least-once
// delivery.
type Fill struct {
	FillID          string
	ExchangeOrderID string
	ClientOrderID   string
	Instrument      string
	Side            Side
	Qty             float64
	Price           float64
	Fee             float64
	Time            time.Time
}

// EventKind discriminates stream events.
type EventKind string

const (
	EventAck  EventKind = "ACK"
	EventFill EventKind = "FILL"
)

// Event is one message from the venue's asynchronous order stream.
type Event struct {
	Kind EventKind
	Ack  OrderResult // set when Kind == EventAck
	Fill Fill        // set when Kind == EventFill
}

// OrderState is the venue-side view of an order, used by the
// reconciliation sweep to resolve orders whose ack never arrived.
type OrderState struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          AckStatus
	FilledQty       float64
	AvgFillPrice    float64
}

// Position is the venue-side view of a net position.
type Position struct {
	Instrument string
	Qty        float64
	EntryPrice float64
}
