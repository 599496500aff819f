package portfolio

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"

	"mts-core/internal/events"
	"mts-core/pkg/db"
	"mts-core/pkg/exchange"
)

const epsilon = 1e-9

// Position is one instrument's ledger entry. Qty is signed: positive is
// long, negative is short. AvgEntryPrice is meaningful only while Qty is
// non-zero.
type Position struct {
	Instrument    string  `json:"instrument"`
	Qty           float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	RealizedPnL   float64 `json:"realized_pnl"`
}

// Change is published on the bus after every applied fill delta.
type Change struct {
	Instrument string   `json:"instrument"`
	Position   Position `json:"position"`
	FillQty    float64  `json:"fill_qty"`
	FillPrice  float64  `json:"fill_price"`
}

// Store is the single writer for portfolio state. All mutation goes through
// ApplyFill; reads return copies so callers never see a torn update.
type Store struct {
	mu        sync.RWMutex
	positions map[string]*Position

	database *db.Database
	bus      *events.Bus
}

// NewStore creates an empty in-memory ledger backed by the database.
// Both database and bus may be nil in tests.
func NewStore(database *db.Database, bus *events.Bus) *Store {
	return &Store{
		positions: make(map[string]*Position),
		database:  database,
		bus:       bus,
	}
}

// Load seeds the ledger from persisted rows so a restart resumes with the
// same positions it had.
func (s *Store) Load(ctx context.Context) error {
	if s.database == nil {
		return nil
	}
	rows, err := s.database.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.positions[r.Instrument] = &Position{
			Instrument:    r.Instrument,
			Qty:           r.Qty,
			AvgEntryPrice: r.AvgPrice,
			RealizedPnL:   r.RealizedPnL,
		}
	}
	log.Printf("[portfolio] loaded %d positions from database", len(rows))
	return nil
}

// ApplyFill applies one already-deduplicated fill delta and returns the
// updated position. BUY deltas add to Qty, SELL deltas subtract.
//
// Increasing the absolute position re-weights the average entry price.
// Reducing it realizes PnL against the untouched average. Crossing zero
// closes the old side entirely and opens the remainder at the fill price.
func (s *Store) ApplyFill(ctx context.Context, instrument string, side exchange.Side, qty, price float64) (Position, error) {
	if qty <= 0 {
		return Position{}, fmt.Errorf("apply fill: qty must be positive, got %v", qty)
	}
	if price <= 0 {
		return Position{}, fmt.Errorf("apply fill: price must be positive, got %v", price)
	}

	delta := qty
	if side == exchange.SideSell {
		delta = -qty
	}

	s.mu.Lock()
	pos, ok := s.positions[instrument]
	if !ok {
		pos = &Position{Instrument: instrument}
		s.positions[instrument] = pos
	}

	oldQty := pos.Qty
	newQty := oldQty + delta

	switch {
	case isFlat(oldQty) || sameSign(oldQty, delta):
		// Opening or adding: weighted average of old and new exposure.
		total := math.Abs(oldQty) + math.Abs(delta)
		pos.AvgEntryPrice = (math.Abs(oldQty)*pos.AvgEntryPrice + math.Abs(delta)*price) / total
		pos.Qty = newQty

	case sameSign(oldQty, newQty) || isFlat(newQty):
		// Reducing within the same side, possibly to flat. Realize PnL on
		// the reduced quantity; the average entry price does not move.
		reduced := math.Abs(delta)
		pos.RealizedPnL += realized(oldQty, pos.AvgEntryPrice, price, reduced)
		pos.Qty = newQty
		if isFlat(newQty) {
			pos.Qty = 0
			pos.AvgEntryPrice = 0
		}

	default:
		// Zero crossing: close the whole old side, open the remainder fresh.
		pos.RealizedPnL += realized(oldQty, pos.AvgEntryPrice, price, math.Abs(oldQty))
		pos.Qty = newQty
		pos.AvgEntryPrice = price
	}

	updated := *pos
	s.mu.Unlock()

	if s.database != nil {
		err := s.database.UpsertPosition(ctx, db.Position{
			Instrument:  updated.Instrument,
			Qty:         updated.Qty,
			AvgPrice:    updated.AvgEntryPrice,
			RealizedPnL: updated.RealizedPnL,
		})
		if err != nil {
			return updated, fmt.Errorf("persist position %s: %w", instrument, err)
		}
	}
	if s.bus != nil {
		s.bus.Publish(events.EventPositionChange, Change{
			Instrument: instrument,
			Position:   updated,
			FillQty:    qty,
			FillPrice:  price,
		})
	}
	return updated, nil
}

// ForceSet overwrites one position. Used by reconciliation when the venue is
// authoritative and auto-sync is enabled.
func (s *Store) ForceSet(ctx context.Context, p Position) error {
	s.mu.Lock()
	cp := p
	s.positions[p.Instrument] = &cp
	s.mu.Unlock()

	if s.database != nil {
		err := s.database.UpsertPosition(ctx, db.Position{
			Instrument:  p.Instrument,
			Qty:         p.Qty,
			AvgPrice:    p.AvgEntryPrice,
			RealizedPnL: p.RealizedPnL,
		})
		if err != nil {
			return fmt.Errorf("persist forced position %s: %w", p.Instrument, err)
		}
	}
	return nil
}

// Get returns a copy of the position for an instrument. A never-traded
// instrument reads as a flat position.
func (s *Store) Get(instrument string) Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pos, ok := s.positions[instrument]; ok {
		return *pos
	}
	return Position{Instrument: instrument}
}

// Snapshot returns a copy of every position keyed by instrument.
func (s *Store) Snapshot() map[string]Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = *v
	}
	return out
}

// TotalNotional sums abs(qty) * mark price over all positions, using the
// average entry price when no mark is available for an instrument.
func (s *Store) TotalNotional(marks map[string]float64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for inst, pos := range s.positions {
		mark := pos.AvgEntryPrice
		if m, ok := marks[inst]; ok && m > 0 {
			mark = m
		}
		total += math.Abs(pos.Qty) * mark
	}
	return total
}

// realized computes PnL for reducing abs quantity `qty` of a position whose
// signed size was oldQty, entered at avg, exited at price.
func realized(oldQty, avg, price, qty float64) float64 {
	if oldQty > 0 {
		return (price - avg) * qty
	}
	return (avg - price) * qty
}

func isFlat(qty float64) bool {
	return math.Abs(qty) < epsilon
}

func sameSign(a, b float64) bool {
	return (a > epsilon && b > epsilon) || (a < -epsilon && b < -epsilon)
}
