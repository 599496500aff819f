package gateway

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"mts-core/internal/agent"
	"mts-core/internal/events"
	"mts-core/internal/order"
	"mts-core/internal/portfolio"
	"mts-core/internal/risk"
	"mts-core/pkg/exchange"
)

// ValidationError marks a malformed intent or key. It is never retried and
// never reaches the venue.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	_, ok := err.(*ValidationError)
	return ok
}

// Result is the outcome of one Submit call. Exactly one of Order or a risk
// rejection is meaningful: Order is nil when the risk gate said no.
type Result struct {
	Order    *order.Order  `json:"order,omitempty"`
	Decision risk.Decision `json:"decision"`
}

// MarkSource provides current mark prices for risk pricing.
type MarkSource interface {
	Marks() map[string]float64
}

// Gateway is the only entry point that turns an intent into
// exchange-affecting work. It owns deduplication, the risk gate call, and
// the retry policy around the protocol adapter.
type Gateway struct {
	book    *portfolio.Store
	orders  *order.Manager
	adapter exchange.Adapter
	marks   MarkSource
	bus     *events.Bus

	limits func() risk.Limits

	maxAttempts   int
	baseDelay     time.Duration
	submitTimeout time.Duration
}

// New wires a gateway. limits is called per submission so risk settings can
// be reloaded between cycles without touching the gateway.
func New(book *portfolio.Store, orders *order.Manager, adapter exchange.Adapter, marks MarkSource, bus *events.Bus, limits func() risk.Limits, maxAttempts int, baseDelay, submitTimeout time.Duration) *Gateway {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	return &Gateway{
		book:          book,
		orders:        orders,
		adapter:       adapter,
		marks:         marks,
		bus:           bus,
		limits:        limits,
		maxAttempts:   maxAttempts,
		baseDelay:     baseDelay,
		submitTimeout: submitTimeout,
	}
}

// Submit runs one intent through dedupe, risk, order creation, and venue
// submission. A risk rejection is a normal Result, not an error.
func (g *Gateway) Submit(ctx context.Context, in agent.Intent, key string) (Result, error) {
	if !validKey(key) {
		return Result{}, &ValidationError{Msg: fmt.Sprintf("malformed idempotency key %q", key)}
	}
	if err := in.Validate(); err != nil {
		return Result{}, &ValidationError{Msg: err.Error()}
	}

	// A key that already resolved to an order is returned as-is; at most
	// one exchange-side effect per key.
	if existing, ok := g.orders.GetByKey(ctx, key); ok {
		log.Printf("[gateway] key %.12s already resolved to order %s (%s)", key, existing.ID, existing.Status)
		return Result{Order: &existing, Decision: risk.Decision{Accepted: true}}, nil
	}

	marks := map[string]float64{}
	if g.marks != nil {
		marks = g.marks.Marks()
	}
	snap := risk.Snapshot{
		Positions:  g.book.Snapshot(),
		OpenOrders: g.orders.OpenCounts(),
		InFlight:   g.orders.OpenExposure(),
		Marks:      marks,
	}
	decision := risk.Evaluate(in, snap, g.limits())
	if !decision.Accepted {
		log.Printf("[gateway] key %.12s risk rejected: %s (%s)", key, decision.Reason, decision.Detail)
		if g.bus != nil {
			g.bus.Publish(events.EventRiskRejected, decision)
		}
		return Result{Decision: decision}, nil
	}
	if math.Abs(decision.Delta) < 1e-9 {
		return Result{}, &ValidationError{Msg: "intent resolves to a zero-size order"}
	}

	side := exchange.SideBuy
	if decision.Delta < 0 {
		side = exchange.SideSell
	}
	typ := exchange.OrderTypeMarket
	if in.PriceLimit > 0 {
		typ = exchange.OrderTypeLimit
	}

	o, err := g.orders.Create(ctx, key, in.Role, in.Instrument, side, typ, math.Abs(decision.Delta), in.PriceLimit)
	if err != nil {
		return Result{}, err
	}
	log.Printf("[gateway] key %.12s accepted: order %s %s %s %.8g", key, o.ID, o.Side, o.Instrument, o.Qty)
	if g.bus != nil {
		g.bus.Publish(events.EventOrderSubmitted, o)
	}

	if err := g.dispatch(ctx, in, o); err != nil {
		return Result{}, err
	}

	final, _ := g.orders.Get(o.ID)
	return Result{Order: &final, Decision: decision}, nil
}

// dispatch pushes the order to the venue, retrying transient protocol
// failures with exponential backoff under the same idempotency key.
func (g *Gateway) dispatch(ctx context.Context, in agent.Intent, o order.Order) error {
	req := exchange.OrderRequest{
		Instrument:    o.Instrument,
		Side:          o.Side,
		Type:          o.Type,
		Qty:           o.Qty,
		Price:         o.Price,
		TimeInForce:   exchange.TIFGTC,
		ReduceOnly:    in.Kind == agent.KindClose,
		ClientOrderID: o.ID,
	}

	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		res, err := g.submitOnce(ctx, req)
		if err == nil {
			return g.applyAck(ctx, o.ID, res)
		}
		if exchange.IsPermanent(err) {
			log.Printf("[gateway] order %s permanent failure: %v", o.ID, err)
			return g.orders.MarkRejected(ctx, o.ID, err.Error())
		}
		lastErr = err
		if attempt == g.maxAttempts {
			break
		}
		delay := g.baseDelay * time.Duration(1<<uint(attempt-1))
		log.Printf("[gateway] order %s attempt %d/%d failed (%v), retrying in %s", o.ID, attempt, g.maxAttempts, err, delay)
		select {
		case <-ctx.Done():
			// Submission outcome unknown; the order stays Pending for the
			// reconciliation sweep rather than being silently dropped.
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	// Transient failures exhausted the budget; escalate to permanent.
	log.Printf("[gateway] order %s retries exhausted: %v", o.ID, lastErr)
	return g.orders.MarkRejected(ctx, o.ID, fmt.Sprintf("retries exhausted: %v", lastErr))
}

func (g *Gateway) submitOnce(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if g.submitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.submitTimeout)
		defer cancel()
	}
	return g.adapter.SubmitOrder(ctx, req)
}

func (g *Gateway) applyAck(ctx context.Context, id string, res exchange.OrderResult) error {
	switch res.Status {
	case exchange.AckAccepted:
		return g.orders.MarkSubmitted(ctx, id, res.ExchangeOrderID)
	case exchange.AckRejected:
		return g.orders.MarkRejected(ctx, id, res.Reason)
	case exchange.AckCanceled:
		return g.orders.MarkCancelled(ctx, id)
	default:
		// Acceptance unknown; leave Pending for the reconciliation sweep.
		log.Printf("[gateway] order %s ack status unknown, awaiting reconciliation", id)
		return nil
	}
}
