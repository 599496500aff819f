package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"mts-core/internal/events"
	"mts-core/internal/order"
	"mts-core/internal/portfolio"
	"mts-core/pkg/exchange"
)

const epsilon = 1e-9

// defaultPendingAge keeps the sweep from touching orders whose first
// submission round-trip is still in flight.
const defaultPendingAge = 2 * time.Second

// Drift describes a local/venue position mismatch.
type Drift struct {
	Instrument string  `json:"instrument"`
	LocalQty   float64 `json:"local_qty"`
	VenueQty   float64 `json:"venue_qty"`
	Synced     bool    `json:"synced"`
}

// Sweeper periodically resolves orders stuck in Pending (submission outcome
// unknown) against the venue's authoritative view, and checks local
// positions for drift. It never invents trading decisions; it only repairs
// bookkeeping.
type Sweeper struct {
	orders     *order.Manager
	book       *portfolio.Store
	status     exchange.StatusClient
	venue      exchange.PositionClient
	bus        *events.Bus
	interval   time.Duration
	autoSync   bool
	pendingAge time.Duration
}

// New wires a sweeper. status and venue may be nil when the adapter cannot
// serve them; the corresponding sweep is skipped.
func New(orders *order.Manager, book *portfolio.Store, status exchange.StatusClient, venue exchange.PositionClient, bus *events.Bus, interval time.Duration, autoSync bool) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		orders:     orders,
		book:       book,
		status:     status,
		venue:      venue,
		bus:        bus,
		interval:   interval,
		autoSync:   autoSync,
		pendingAge: defaultPendingAge,
	}
}

// Run sweeps on the configured interval until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("[reconcile] sweeping every %s (auto-sync=%v)", s.interval, s.autoSync)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[reconcile] stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs both passes and returns any detected drifts.
func (s *Sweeper) SweepOnce(ctx context.Context) []Drift {
	s.resolvePending(ctx)
	return s.checkDrift(ctx)
}

// resolvePending asks the venue about every order still Pending. An order
// whose acknowledgment was lost is never silently dropped; it either moves
// forward (the venue accepted it) or is rejected (the venue never saw it).
func (s *Sweeper) resolvePending(ctx context.Context) {
	if s.status == nil {
		return
	}
	cutoff := time.Now().Add(-s.pendingAge)
	for _, o := range s.orders.List() {
		if o.Status != order.StatusPending || o.CreatedAt.After(cutoff) {
			continue
		}
		if err := s.resolveOne(ctx, o); err != nil {
			log.Printf("[reconcile] order %s unresolved: %v", o.ID, err)
		}
	}
}

func (s *Sweeper) resolveOne(ctx context.Context, o order.Order) error {
	state, err := s.status.OrderState(ctx, o.ID)
	if errors.Is(err, exchange.ErrOrderNotFound) {
		log.Printf("[reconcile] order %s unknown at venue, rejecting", o.ID)
		return s.orders.MarkRejected(ctx, o.ID, "not found at venue during reconciliation")
	}
	if err != nil {
		return fmt.Errorf("venue order state: %w", err)
	}

	switch state.Status {
	case exchange.AckAccepted:
		if err := s.orders.MarkSubmitted(ctx, o.ID, state.ExchangeOrderID); err != nil {
			return err
		}
		// The venue may already have fills the stream never delivered.
		missing := state.FilledQty - o.FilledQty
		if missing > epsilon {
			log.Printf("[reconcile] order %s missing %.8g filled at venue, applying", o.ID, missing)
			return s.orders.ApplyFill(ctx, exchange.Fill{
				FillID:          fmt.Sprintf("recon-%s-%d", o.ID, time.Now().UnixNano()),
				ExchangeOrderID: state.ExchangeOrderID,
				ClientOrderID:   o.ID,
				Instrument:      o.Instrument,
				Side:            o.Side,
				Qty:             missing,
				Price:           state.AvgFillPrice,
				Time:            time.Now().UTC(),
			})
		}
		return nil
	case exchange.AckRejected:
		return s.orders.MarkRejected(ctx, o.ID, "rejected at venue")
	case exchange.AckCanceled:
		return s.orders.MarkCancelled(ctx, o.ID)
	default:
		// Still indeterminate; try again next sweep.
		return nil
	}
}

// checkDrift compares local positions against the venue's. Drift is always
// surfaced; it is corrected only when auto-sync is on, because overwriting
// local state hides whatever bug produced the mismatch.
func (s *Sweeper) checkDrift(ctx context.Context) []Drift {
	if s.venue == nil {
		return nil
	}
	venuePositions, err := s.venue.Positions(ctx)
	if err != nil {
		log.Printf("[reconcile] venue positions unavailable: %v", err)
		return nil
	}

	venueQty := make(map[string]exchange.Position, len(venuePositions))
	for _, p := range venuePositions {
		venueQty[p.Instrument] = p
	}

	local := s.book.Snapshot()
	instruments := make(map[string]bool, len(local)+len(venueQty))
	for k := range local {
		instruments[k] = true
	}
	for k := range venueQty {
		instruments[k] = true
	}

	var drifts []Drift
	for inst := range instruments {
		lq := local[inst].Qty
		vp := venueQty[inst]
		if math.Abs(lq-vp.Qty) < epsilon {
			continue
		}
		d := Drift{Instrument: inst, LocalQty: lq, VenueQty: vp.Qty}
		log.Printf("[reconcile] position drift on %s: local %.8g venue %.8g", inst, lq, vp.Qty)

		if s.autoSync {
			err := s.book.ForceSet(ctx, portfolio.Position{
				Instrument:    inst,
				Qty:           vp.Qty,
				AvgEntryPrice: vp.EntryPrice,
				RealizedPnL:   local[inst].RealizedPnL,
			})
			if err != nil {
				log.Printf("[reconcile] sync %s failed: %v", inst, err)
			} else {
				d.Synced = true
			}
		}
		if s.bus != nil {
			s.bus.Publish(events.EventReconcileConflict, d)
		}
		drifts = append(drifts, d)
	}
	return drifts
}
