package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mts-core/internal/events"
	"mts-core/internal/portfolio"
	"mts-core/pkg/db"
	"mts-core/pkg/exchange"
)

const epsilon = 1e-9

// ErrUnknownOrder is returned when a caller references an order id the
// manager has never seen.
var ErrUnknownOrder = fmt.Errorf("unknown order")

// Manager owns every order's state machine. It is the single writer for
// order state; fills flow through it into the portfolio store so the two
// ledgers can never disagree on an applied delta.
type Manager struct {
	mu           sync.RWMutex
	orders       map[string]*Order
	byKey        map[string]string
	byExchangeID map[string]string
	byClientID   map[string]string
	appliedFills map[string]bool

	conflicts atomic.Uint64

	database *db.Database
	bus      *events.Bus
	book     *portfolio.Store
}

// NewManager creates an order manager. database and bus may be nil in tests.
func NewManager(database *db.Database, bus *events.Bus, book *portfolio.Store) *Manager {
	return &Manager{
		orders:       make(map[string]*Order),
		byKey:        make(map[string]string),
		byExchangeID: make(map[string]string),
		byClientID:   make(map[string]string),
		appliedFills: make(map[string]bool),
		database:     database,
		bus:          bus,
		book:         book,
	}
}

// Load restores non-terminal orders from the database so a restarted
// process keeps tracking what it already sent to the venue.
func (m *Manager) Load(ctx context.Context) error {
	if m.database == nil {
		return nil
	}
	rows, err := m.database.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.index(fromRow(r))
	}
	log.Printf("[order] restored %d open orders", len(rows))
	return nil
}

func fromRow(r db.Order) *Order {
	return &Order{
		ID:              r.ID,
		IdempotencyKey:  r.IdempotencyKey,
		Role:            r.Role,
		Instrument:      r.Instrument,
		Side:            exchange.Side(r.Side),
		Type:            exchange.OrderType(r.OrderType),
		Price:           r.Price,
		Qty:             r.Qty,
		FilledQty:       r.FilledQty,
		AvgFillPrice:    r.AvgFillPrice,
		Status:          Status(r.Status),
		ExchangeOrderID: r.ExchangeOrderID,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func (m *Manager) index(o *Order) {
	m.orders[o.ID] = o
	m.byKey[o.IdempotencyKey] = o.ID
	m.byClientID[o.ID] = o.ID
	if o.ExchangeOrderID != "" {
		m.byExchangeID[o.ExchangeOrderID] = o.ID
	}
}

// Create registers a new Pending order for an accepted intent. The order id
// doubles as the client order id sent to the venue.
func (m *Manager) Create(ctx context.Context, key, role, instrument string, side exchange.Side, typ exchange.OrderType, qty, price float64) (Order, error) {
	if qty <= 0 {
		return Order{}, fmt.Errorf("create order: qty must be positive, got %v", qty)
	}

	m.mu.Lock()
	if id, ok := m.byKey[key]; ok {
		existing := *m.orders[id]
		m.mu.Unlock()
		return existing, nil
	}
	now := time.Now().UTC()
	o := &Order{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Role:           role,
		Instrument:     instrument,
		Side:           side,
		Type:           typ,
		Price:          price,
		Qty:            qty,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.index(o)
	created := *o
	m.mu.Unlock()

	if m.database != nil {
		err := m.database.CreateOrder(ctx, db.Order{
			ID:             created.ID,
			IdempotencyKey: created.IdempotencyKey,
			Role:           created.Role,
			Instrument:     created.Instrument,
			Side:           string(created.Side),
			OrderType:      string(created.Type),
			Price:          created.Price,
			Qty:            created.Qty,
			Status:         string(created.Status),
		})
		if err != nil {
			return created, fmt.Errorf("persist order %s: %w", created.ID, err)
		}
	}
	return created, nil
}

// Get returns a copy of the order by id.
func (m *Manager) Get(id string) (Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.orders[id]; ok {
		return *o, true
	}
	return Order{}, false
}

// GetByKey returns a copy of the order created for an idempotency key. The
// in-memory index only holds orders restored as open, so a miss falls back
// to the database; a key whose order went terminal before a restart must
// still dedupe instead of producing a second submission.
func (m *Manager) GetByKey(ctx context.Context, key string) (Order, bool) {
	m.mu.RLock()
	if id, ok := m.byKey[key]; ok {
		o := *m.orders[id]
		m.mu.RUnlock()
		return o, true
	}
	m.mu.RUnlock()

	if m.database == nil {
		return Order{}, false
	}
	row, err := m.database.GetOrderByKey(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return Order{}, false
	}
	if err != nil {
		// Treat as a miss; a duplicate slipping through still stops at the
		// unique idempotency_key constraint before reaching the venue.
		log.Printf("[order] lookup key %.12s: %v", key, err)
		return Order{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[key]; ok {
		return *m.orders[id], true
	}
	o := fromRow(row)
	m.index(o)
	return *o, true
}

// OpenCounts returns the number of Pending plus Submitted orders per
// instrument, the quantity the risk gate caps.
func (m *Manager) OpenCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	for _, o := range m.orders {
		if o.Status.Open() {
			counts[o.Instrument]++
		}
	}
	return counts
}

// OpenExposure returns the signed unfilled quantity of non-terminal orders
// per instrument. Fills land asynchronously, so this is the budget already
// spoken for between an ack and the fills that realize it.
func (m *Manager) OpenExposure() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64)
	for _, o := range m.orders {
		if o.Status.Terminal() {
			continue
		}
		remaining := o.Qty - o.FilledQty
		if remaining <= epsilon {
			continue
		}
		if o.Side == exchange.SideSell {
			remaining = -remaining
		}
		out[o.Instrument] += remaining
	}
	return out
}

// List returns copies of all tracked orders.
func (m *Manager) List() []Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out
}

// Conflicts reports how many reconciliation conflicts were observed.
func (m *Manager) Conflicts() uint64 {
	return m.conflicts.Load()
}

// MarkSubmitted transitions Pending -> Submitted after a venue ack.
func (m *Manager) MarkSubmitted(ctx context.Context, id, exchangeOrderID string) error {
	return m.transition(ctx, id, func(o *Order) error {
		if o.Status.Terminal() {
			return m.conflict("ack for terminal order %s (%s)", o.ID, o.Status)
		}
		if o.Status != StatusPending {
			// Fills can land before the ack; the order is already live.
			if exchangeOrderID != "" && o.ExchangeOrderID == "" {
				o.ExchangeOrderID = exchangeOrderID
				m.byExchangeID[exchangeOrderID] = o.ID
			}
			return nil
		}
		o.Status = StatusSubmitted
		if exchangeOrderID != "" {
			o.ExchangeOrderID = exchangeOrderID
			m.byExchangeID[exchangeOrderID] = o.ID
		}
		return nil
	}, events.EventOrderAccepted)
}

// MarkRejected transitions an order to Rejected with a reason.
func (m *Manager) MarkRejected(ctx context.Context, id, reason string) error {
	return m.transition(ctx, id, func(o *Order) error {
		if o.Status.Terminal() {
			return m.conflict("reject for terminal order %s (%s)", o.ID, o.Status)
		}
		o.Status = StatusRejected
		o.RejectReason = reason
		return nil
	}, events.EventOrderRejected)
}

// MarkCancelled transitions an order to Cancelled.
func (m *Manager) MarkCancelled(ctx context.Context, id string) error {
	return m.transition(ctx, id, func(o *Order) error {
		if o.Status.Terminal() {
			return m.conflict("cancel for terminal order %s (%s)", o.ID, o.Status)
		}
		o.Status = StatusCancelled
		return nil
	}, events.EventOrderCancelled)
}

// conflict logs and counts a reconciliation conflict. It is not an error to
// the caller; duplicate and late venue events are expected under
// at-least-once delivery.
func (m *Manager) conflict(format string, args ...any) error {
	m.conflicts.Add(1)
	msg := fmt.Sprintf(format, args...)
	log.Printf("[order] reconciliation conflict: %s", msg)
	if m.bus != nil {
		m.bus.Publish(events.EventReconcileConflict, msg)
	}
	return nil
}

// transition applies fn under the write lock, persists, and publishes. fn
// returning nil with no status change still persists the timestamp update.
func (m *Manager) transition(ctx context.Context, id string, fn func(*Order) error, topic events.Event) error {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	before := o.Status
	if err := fn(o); err != nil {
		m.mu.Unlock()
		return err
	}
	o.UpdatedAt = time.Now().UTC()
	updated := *o
	m.mu.Unlock()

	if err := m.persist(ctx, updated); err != nil {
		return err
	}
	if m.bus != nil && updated.Status != before {
		m.bus.Publish(topic, updated)
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, o Order) error {
	if m.database == nil {
		return nil
	}
	err := m.database.UpdateOrder(ctx, db.Order{
		ID:              o.ID,
		FilledQty:       o.FilledQty,
		AvgFillPrice:    o.AvgFillPrice,
		Status:          string(o.Status),
		ExchangeOrderID: o.ExchangeOrderID,
	})
	if err != nil {
		return fmt.Errorf("persist order %s: %w", o.ID, err)
	}
	return nil
}

// ApplyFill applies one venue fill event. Duplicate fill ids and fills for
// unknown or terminal orders are absorbed as logged no-ops. Exactly the
// newly applied delta, never the cumulative total, is forwarded to the
// portfolio store.
func (m *Manager) ApplyFill(ctx context.Context, f exchange.Fill) error {
	m.mu.Lock()
	id := m.resolveLocked(f)
	if id == "" {
		m.mu.Unlock()
		return m.conflict("fill %s references unknown order (exchange id %q, client id %q)",
			f.FillID, f.ExchangeOrderID, f.ClientOrderID)
	}
	o := m.orders[id]

	if f.FillID != "" && m.appliedFills[f.FillID] {
		m.mu.Unlock()
		log.Printf("[order] duplicate fill %s for order %s ignored", f.FillID, id)
		return nil
	}
	if o.Status.Terminal() {
		m.mu.Unlock()
		return m.conflict("fill %s for terminal order %s (%s)", f.FillID, id, o.Status)
	}

	delta := f.Qty
	if remaining := o.Qty - o.FilledQty; delta > remaining+epsilon {
		// Filled size must never exceed requested size. Clamp and flag.
		m.conflicts.Add(1)
		log.Printf("[order] fill %s overflows order %s: clamping %v to %v", f.FillID, id, delta, remaining)
		delta = remaining
	}
	if delta < epsilon {
		if f.FillID != "" {
			m.appliedFills[f.FillID] = true
		}
		m.mu.Unlock()
		return nil
	}

	total := o.FilledQty + delta
	o.AvgFillPrice = (o.AvgFillPrice*o.FilledQty + f.Price*delta) / total
	o.FilledQty = total
	if o.ExchangeOrderID == "" && f.ExchangeOrderID != "" {
		o.ExchangeOrderID = f.ExchangeOrderID
		m.byExchangeID[f.ExchangeOrderID] = o.ID
	}
	if math.Abs(o.Qty-o.FilledQty) < epsilon {
		o.FilledQty = o.Qty
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
	o.UpdatedAt = time.Now().UTC()
	if f.FillID != "" {
		m.appliedFills[f.FillID] = true
	}
	updated := *o
	m.mu.Unlock()

	if m.database != nil {
		err := m.database.CreateFill(ctx, db.Fill{
			FillID:     f.FillID,
			OrderID:    updated.ID,
			Instrument: updated.Instrument,
			Side:       string(updated.Side),
			Qty:        delta,
			Price:      f.Price,
			Fee:        f.Fee,
		})
		if err != nil {
			return err
		}
	}
	if err := m.persist(ctx, updated); err != nil {
		return err
	}

	if m.book != nil {
		if _, err := m.book.ApplyFill(ctx, updated.Instrument, updated.Side, delta, f.Price); err != nil {
			return fmt.Errorf("apply fill to portfolio: %w", err)
		}
	}

	if m.bus != nil {
		topic := events.EventOrderPartiallyFilled
		if updated.Status == StatusFilled {
			topic = events.EventOrderFilled
		}
		m.bus.Publish(topic, updated)
	}
	return nil
}

// resolveLocked maps a fill to a tracked order id. Caller holds the lock.
func (m *Manager) resolveLocked(f exchange.Fill) string {
	if f.ExchangeOrderID != "" {
		if id, ok := m.byExchangeID[f.ExchangeOrderID]; ok {
			return id
		}
	}
	if f.ClientOrderID != "" {
		if id, ok := m.byClientID[f.ClientOrderID]; ok {
			return id
		}
	}
	return ""
}

// HandleEvent dispatches one adapter stream event.
func (m *Manager) HandleEvent(ctx context.Context, ev exchange.Event) error {
	switch ev.Kind {
	case exchange.EventAck:
		return m.handleAck(ctx, ev.Ack)
	case exchange.EventFill:
		return m.ApplyFill(ctx, ev.Fill)
	default:
		return m.conflict("stream event with unknown kind %q", ev.Kind)
	}
}

func (m *Manager) handleAck(ctx context.Context, ack exchange.OrderResult) error {
	m.mu.RLock()
	id, ok := m.byClientID[ack.ClientOrderID]
	m.mu.RUnlock()
	if !ok {
		return m.conflict("ack references unknown client order %q", ack.ClientOrderID)
	}

	switch ack.Status {
	case exchange.AckAccepted:
		return m.MarkSubmitted(ctx, id, ack.ExchangeOrderID)
	case exchange.AckRejected:
		return m.MarkRejected(ctx, id, ack.Reason)
	case exchange.AckCanceled:
		return m.MarkCancelled(ctx, id)
	case exchange.AckUnknown:
		// Leave Pending; the reconciliation sweep resolves it.
		return nil
	default:
		return m.conflict("ack with unknown status %q for order %s", ack.Status, id)
	}
}

// WaitSettled blocks until the order leaves Pending or the timeout elapses.
// It returns the order's state at that moment. The orchestrator uses this
// so a later role never races an earlier role's in-flight submission.
func (m *Manager) WaitSettled(ctx context.Context, id string, timeout time.Duration) (Order, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		o, ok := m.Get(id)
		if !ok {
			return Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
		}
		if o.Status != StatusPending {
			return o, nil
		}
		if time.Now().After(deadline) {
			return o, nil
		}
		select {
		case <-ctx.Done():
			return o, ctx.Err()
		case <-ticker.C:
		}
	}
}
