package exchange

import "context"

// Adapter abstracts a trading venue.
type Adapter interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, instrument, exchangeOrderID string) error
}

// Streamer exposes the venue's asynchronous ack/fill event stream.
// Delivery is at-least-once; consumers deduplicate on Fill.FillID.
type Streamer interface {
	Events(ctx context.Context) (<-chan Event, error)
}

// StatusClient looks up venue-side order state by client order id. Used by
// the reconciliation sweep to resolve submissions whose ack status is
// unknown.
type StatusClient interface {
	OrderState(ctx context.Context, clientOrderID string) (OrderState, error)
}

// PositionClient reports venue-side positions for drift checks.
type PositionClient interface {
	Positions(ctx context.Context) ([]Position, error)
}
