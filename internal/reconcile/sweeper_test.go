package reconcile

import (
	"context"
	"math"
	"testing"
	"time"

	"mts-core/internal/events"
	"mts-core/internal/order"
	"mts-core/internal/portfolio"
	"mts-core/pkg/exchange"
)

type stubStatus struct {
	states map[string]exchange.OrderState
}

func (s *stubStatus) OrderState(_ context.Context, clientOrderID string) (exchange.OrderState, error) {
	if st, ok := s.states[clientOrderID]; ok {
		return st, nil
	}
	return exchange.OrderState{}, exchange.ErrOrderNotFound
}

type stubPositions struct {
	positions []exchange.Position
}

func (s *stubPositions) Positions(context.Context) ([]exchange.Position, error) {
	return s.positions, nil
}

func pendingOrder(t *testing.T, m *order.Manager, key string, qty float64) order.Order {
	t.Helper()
	o, err := m.Create(context.Background(), key, "neo", "BTC", exchange.SideBuy, exchange.OrderTypeMarket, qty, 0)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func newBooks() (*order.Manager, *portfolio.Store) {
	book := portfolio.NewStore(nil, nil)
	return order.NewManager(nil, events.NewBus(), book), book
}

func TestSweepResolvesAcceptedPendingOrder(t *testing.T) {
	orders, book := newBooks()
	o := pendingOrder(t, orders, "key-1", 3)

	status := &stubStatus{states: map[string]exchange.OrderState{
		o.ID: {ExchangeOrderID: "ex-1", ClientOrderID: o.ID, Status: exchange.AckAccepted, FilledQty: 3, AvgFillPrice: 100},
	}}
	s := New(orders, book, status, nil, nil, time.Second, false)
	s.pendingAge = 0
	s.SweepOnce(context.Background())

	got, _ := orders.Get(o.ID)
	if got.Status != order.StatusFilled {
		t.Errorf("status = %s, want FILLED from venue state", got.Status)
	}
	if pos := book.Get("BTC"); math.Abs(pos.Qty-3) > 1e-9 {
		t.Errorf("position = %v, want 3", pos.Qty)
	}
}

func TestSweepRejectsOrderUnknownAtVenue(t *testing.T) {
	orders, book := newBooks()
	o := pendingOrder(t, orders, "key-1", 1)

	s := New(orders, book, &stubStatus{}, nil, nil, time.Second, false)
	s.pendingAge = 0
	s.SweepOnce(context.Background())

	got, _ := orders.Get(o.ID)
	if got.Status != order.StatusRejected {
		t.Errorf("status = %s, want REJECTED", got.Status)
	}
}

func TestSweepSkipsFreshPendingOrders(t *testing.T) {
	orders, book := newBooks()
	o, _ := orders.Create(context.Background(), "key-1", "neo", "BTC", exchange.SideBuy, exchange.OrderTypeMarket, 1, 0)

	// The venue would reject it, but the order is too young to sweep.
	s := New(orders, book, &stubStatus{}, nil, nil, time.Second, false)
	s.SweepOnce(context.Background())

	got, _ := orders.Get(o.ID)
	if got.Status != order.StatusPending {
		t.Errorf("status = %s, want PENDING for fresh order", got.Status)
	}
}

func TestDriftDetectedWithoutAutoSync(t *testing.T) {
	orders, book := newBooks()
	book.ApplyFill(context.Background(), "BTC", exchange.SideBuy, 2, 100)

	venue := &stubPositions{positions: []exchange.Position{{Instrument: "BTC", Qty: 5, EntryPrice: 101}}}
	s := New(orders, book, nil, venue, nil, time.Second, false)

	drifts := s.SweepOnce(context.Background())
	if len(drifts) != 1 {
		t.Fatalf("drifts = %d, want 1", len(drifts))
	}
	if drifts[0].Synced {
		t.Error("drift synced despite auto-sync off")
	}
	if got := book.Get("BTC").Qty; math.Abs(got-2) > 1e-9 {
		t.Errorf("local position changed to %v without auto-sync", got)
	}
}

func TestDriftAutoSyncAdoptsVenueState(t *testing.T) {
	orders, book := newBooks()
	book.ApplyFill(context.Background(), "BTC", exchange.SideBuy, 2, 100)

	venue := &stubPositions{positions: []exchange.Position{{Instrument: "BTC", Qty: 5, EntryPrice: 101}}}
	s := New(orders, book, nil, venue, nil, time.Second, true)

	drifts := s.SweepOnce(context.Background())
	if len(drifts) != 1 || !drifts[0].Synced {
		t.Fatalf("expected one synced drift, got %+v", drifts)
	}
	pos := book.Get("BTC")
	if math.Abs(pos.Qty-5) > 1e-9 || math.Abs(pos.AvgEntryPrice-101) > 1e-9 {
		t.Errorf("position not adopted: %+v", pos)
	}
}

func TestNoDriftMeansNoReports(t *testing.T) {
	orders, book := newBooks()
	book.ApplyFill(context.Background(), "BTC", exchange.SideBuy, 2, 100)

	venue := &stubPositions{positions: []exchange.Position{{Instrument: "BTC", Qty: 2, EntryPrice: 100}}}
	s := New(orders, book, nil, venue, nil, time.Second, true)

	if drifts := s.SweepOnce(context.Background()); len(drifts) != 0 {
		t.Errorf("unexpected drifts: %+v", drifts)
	}
}
