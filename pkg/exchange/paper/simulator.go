// Package paper implements an in-process venue for dry-run trading. It
// honors the same contract as a live adapter, including asynchronous fills
// and at-least-once event delivery.
package paper

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"mts-core/pkg/exchange"
)

type simOrder struct {
	req        exchange.OrderRequest
	exchangeID string
	filledQty  float64
	avgPrice   float64
	status     exchange.AckStatus
}

// Simulator is a fake venue. Orders ack synchronously and fill
// asynchronously at the current mark, split into one or two executions.
// With DuplicateFills on, every fill event is delivered twice so consumers
// prove their deduplication.
type Simulator struct {
	mu        sync.Mutex
	orders    map[string]*simOrder
	positions map[string]*exchange.Position
	seq       int
	rng       *rand.Rand

	marks          func() map[string]float64
	latency        time.Duration
	feeRate        float64
	duplicateFills bool

	events chan exchange.Event
}

// Option tweaks simulator behavior.
type Option func(*Simulator)

// WithLatency delays fills by d after the ack.
func WithLatency(d time.Duration) Option {
	return func(s *Simulator) { s.latency = d }
}

// WithFeeRate charges a proportional taker fee on every fill.
func WithFeeRate(rate float64) Option {
	return func(s *Simulator) { s.feeRate = rate }
}

// WithDuplicateFills emits every fill event twice.
func WithDuplicateFills() Option {
	return func(s *Simulator) { s.duplicateFills = true }
}

// WithSeed fixes the randomness for reproducible runs.
func WithSeed(seed int64) Option {
	return func(s *Simulator) { s.rng = rand.New(rand.NewSource(seed)) }
}

// New creates a simulator pricing fills from marks.
func New(marks func() map[string]float64, opts ...Option) *Simulator {
	s := &Simulator{
		orders:    make(map[string]*simOrder),
		positions: make(map[string]*exchange.Position),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		marks:     marks,
		latency:   10 * time.Millisecond,
		events:    make(chan exchange.Event, 256),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitOrder acks synchronously and schedules fills. Resubmitting the same
// client order id returns the original ack, mirroring a venue's native
// client-order-id deduplication.
func (s *Simulator) SubmitOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if req.ClientOrderID == "" {
		return exchange.OrderResult{}, exchange.NewPermanent("BAD_REQUEST", "missing client order id")
	}
	if req.Qty <= 0 {
		return exchange.OrderResult{}, exchange.NewPermanent("BAD_REQUEST", "qty must be positive")
	}
	mark, ok := s.marks()[req.Instrument]
	if !ok || mark <= 0 {
		return exchange.OrderResult{}, exchange.NewPermanent("UNKNOWN_INSTRUMENT", "no mark for %s", req.Instrument)
	}

	s.mu.Lock()
	if existing, ok := s.orders[req.ClientOrderID]; ok {
		res := exchange.OrderResult{
			ExchangeOrderID: existing.exchangeID,
			ClientOrderID:   req.ClientOrderID,
			Status:          exchange.AckAccepted,
		}
		s.mu.Unlock()
		log.Printf("[paper] duplicate client order id %s, returning original ack", req.ClientOrderID)
		return res, nil
	}

	qty := req.Qty
	if req.ReduceOnly {
		pos := s.positions[req.Instrument]
		held := 0.0
		posSide := exchange.SideBuy
		if pos != nil {
			held = math.Abs(pos.Qty)
			if pos.Qty < 0 {
				posSide = exchange.SideSell
			}
		}
		if held <= 0 {
			s.mu.Unlock()
			return exchange.OrderResult{}, exchange.NewPermanent("REDUCE_ONLY", "nothing to reduce on %s", req.Instrument)
		}
		if req.Side != posSide.Opposite() {
			s.mu.Unlock()
			return exchange.OrderResult{}, exchange.NewPermanent("REDUCE_ONLY", "reduce-only %s would increase the %s position", req.Side, req.Instrument)
		}
		if qty > held {
			qty = held
		}
	}

	s.seq++
	o := &simOrder{
		req:        req,
		exchangeID: fmt.Sprintf("paper-%d", s.seq),
		status:     exchange.AckAccepted,
	}
	o.req.Qty = qty
	s.orders[req.ClientOrderID] = o
	res := exchange.OrderResult{
		ExchangeOrderID: o.exchangeID,
		ClientOrderID:   req.ClientOrderID,
		Status:          exchange.AckAccepted,
	}
	split := qty > 1 && s.rng.Float64() < 0.5
	s.mu.Unlock()

	go s.fill(o, mark, split)
	return res, nil
}

// fill executes the order after the configured latency.
func (s *Simulator) fill(o *simOrder, mark float64, split bool) {
	time.Sleep(s.latency)

	parts := []float64{o.req.Qty}
	if split {
		half := o.req.Qty / 2
		parts = []float64{half, o.req.Qty - half}
	}

	for i, qty := range parts {
		s.mu.Lock()
		if o.status == exchange.AckCanceled {
			s.mu.Unlock()
			return
		}
		price := s.slip(mark, o.req.Side)
		if o.req.Type == exchange.OrderTypeLimit && o.req.Price > 0 {
			price = o.req.Price
		}
		total := o.filledQty + qty
		o.avgPrice = (o.avgPrice*o.filledQty + price*qty) / total
		o.filledQty = total
		s.applyToPosition(o.req.Instrument, o.req.Side, qty, price)
		fill := exchange.Fill{
			FillID:          fmt.Sprintf("%s-f%d", o.exchangeID, i+1),
			ExchangeOrderID: o.exchangeID,
			ClientOrderID:   o.req.ClientOrderID,
			Instrument:      o.req.Instrument,
			Side:            o.req.Side,
			Qty:             qty,
			Price:           price,
			Fee:             qty * price * s.feeRate,
			Time:            time.Now().UTC(),
		}
		dup := s.duplicateFills
		s.mu.Unlock()

		s.emit(exchange.Event{Kind: exchange.EventFill, Fill: fill})
		if dup {
			s.emit(exchange.Event{Kind: exchange.EventFill, Fill: fill})
		}
	}
}

func (s *Simulator) slip(mark float64, side exchange.Side) float64 {
	// Up to 5 bps against the taker.
	bps := s.rng.Float64() * 0.0005
	if side == exchange.SideBuy {
		return mark * (1 + bps)
	}
	return mark * (1 - bps)
}

// applyToPosition keeps the venue-side book. Caller holds the lock.
func (s *Simulator) applyToPosition(instrument string, side exchange.Side, qty, price float64) {
	pos, ok := s.positions[instrument]
	if !ok {
		pos = &exchange.Position{Instrument: instrument}
		s.positions[instrument] = pos
	}
	delta := qty
	if side == exchange.SideSell {
		delta = -qty
	}
	newQty := pos.Qty + delta
	switch {
	case pos.Qty == 0 || (pos.Qty > 0) == (delta > 0):
		total := math.Abs(pos.Qty) + math.Abs(delta)
		pos.EntryPrice = (math.Abs(pos.Qty)*pos.EntryPrice + math.Abs(delta)*price) / total
	case (pos.Qty > 0) != (newQty > 0) && math.Abs(newQty) > 1e-9:
		pos.EntryPrice = price
	}
	pos.Qty = newQty
	if math.Abs(pos.Qty) < 1e-9 {
		pos.Qty = 0
		pos.EntryPrice = 0
	}
}

func (s *Simulator) emit(ev exchange.Event) {
	select {
	case s.events <- ev:
	default:
		log.Printf("[paper] event buffer full, dropping %s", ev.Kind)
	}
}

// CancelOrder cancels an order that has not fully filled.
func (s *Simulator) CancelOrder(_ context.Context, _ string, exchangeOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.exchangeID != exchangeOrderID {
			continue
		}
		if o.filledQty >= o.req.Qty {
			return exchange.NewPermanent("ALREADY_FILLED", "order %s is filled", exchangeOrderID)
		}
		o.status = exchange.AckCanceled
		return nil
	}
	return exchange.ErrOrderNotFound
}

// Events returns the venue event stream.
func (s *Simulator) Events(ctx context.Context) (<-chan exchange.Event, error) {
	out := make(chan exchange.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-s.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// OrderState reports venue-side order state by client order id.
func (s *Simulator) OrderState(_ context.Context, clientOrderID string) (exchange.OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clientOrderID]
	if !ok {
		return exchange.OrderState{}, exchange.ErrOrderNotFound
	}
	return exchange.OrderState{
		ExchangeOrderID: o.exchangeID,
		ClientOrderID:   clientOrderID,
		Status:          o.status,
		FilledQty:       o.filledQty,
		AvgFillPrice:    o.avgPrice,
	}, nil
}

// Positions reports the venue-side book.
func (s *Simulator) Positions(context.Context) ([]exchange.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]exchange.Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.Qty != 0 {
			out = append(out, *p)
		}
	}
	return out, nil
}
