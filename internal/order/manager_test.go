package order

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"mts-core/internal/events"
	"mts-core/internal/portfolio"
	"mts-core/pkg/db"
	"mts-core/pkg/exchange"
)

func newTestManager() (*Manager, *portfolio.Store) {
	book := portfolio.NewStore(nil, nil)
	return NewManager(nil, events.NewBus(), book), book
}

func mustCreate(t *testing.T, m *Manager, key string, qty float64) Order {
	t.Helper()
	o, err := m.Create(context.Background(), key, "neo", "BTC", exchange.SideBuy, exchange.OrderTypeMarket, qty, 0)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func TestCreateReturnsExistingOrderForSameKey(t *testing.T) {
	m, _ := newTestManager()
	first := mustCreate(t, m, "key-1", 2)
	second := mustCreate(t, m, "key-1", 2)
	if first.ID != second.ID {
		t.Errorf("same key produced different orders: %s vs %s", first.ID, second.ID)
	}
	if len(m.List()) != 1 {
		t.Errorf("expected one tracked order, got %d", len(m.List()))
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	m, book := newTestManager()
	ctx := context.Background()
	o := mustCreate(t, m, "key-1", 5)

	if o.Status != StatusPending {
		t.Fatalf("new order status = %s, want PENDING", o.Status)
	}
	if err := m.MarkSubmitted(ctx, o.ID, "ex-1"); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	err := m.ApplyFill(ctx, exchange.Fill{
		FillID: "f1", ExchangeOrderID: "ex-1", Qty: 5, Price: 100,
	})
	if err != nil {
		t.Fatalf("apply fill: %v", err)
	}

	got, _ := m.Get(o.ID)
	if got.Status != StatusFilled {
		t.Errorf("status = %s, want FILLED", got.Status)
	}
	if got.FilledQty != 5 {
		t.Errorf("filled qty = %v, want 5", got.FilledQty)
	}
	if pos := book.Get("BTC"); math.Abs(pos.Qty-5) > 1e-9 {
		t.Errorf("position qty = %v, want 5", pos.Qty)
	}
}

func TestPartialFillsAccumulate(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	o := mustCreate(t, m, "key-1", 4)
	m.MarkSubmitted(ctx, o.ID, "ex-1")

	m.ApplyFill(ctx, exchange.Fill{FillID: "f1", ExchangeOrderID: "ex-1", Qty: 1, Price: 100})
	got, _ := m.Get(o.ID)
	if got.Status != StatusPartiallyFilled {
		t.Fatalf("status = %s, want PARTIALLY_FILLED", got.Status)
	}

	m.ApplyFill(ctx, exchange.Fill{FillID: "f2", ExchangeOrderID: "ex-1", Qty: 3, Price: 120})
	got, _ = m.Get(o.ID)
	if got.Status != StatusFilled {
		t.Fatalf("status = %s, want FILLED", got.Status)
	}
	// Weighted fill average: (1*100 + 3*120) / 4.
	if math.Abs(got.AvgFillPrice-115) > 1e-9 {
		t.Errorf("avg fill price = %v, want 115", got.AvgFillPrice)
	}
}

func TestDuplicateFillIDIsIgnored(t *testing.T) {
	m, book := newTestManager()
	ctx := context.Background()
	o := mustCreate(t, m, "key-1", 4)
	m.MarkSubmitted(ctx, o.ID, "ex-1")

	fill := exchange.Fill{FillID: "f1", ExchangeOrderID: "ex-1", Qty: 2, Price: 100}
	m.ApplyFill(ctx, fill)
	m.ApplyFill(ctx, fill)

	got, _ := m.Get(o.ID)
	if got.FilledQty != 2 {
		t.Errorf("filled qty = %v after duplicate, want 2", got.FilledQty)
	}
	if pos := book.Get("BTC"); math.Abs(pos.Qty-2) > 1e-9 {
		t.Errorf("position qty = %v after duplicate, want 2", pos.Qty)
	}
}

func TestTerminalOrderAbsorbsLateEvents(t *testing.T) {
	m, book := newTestManager()
	ctx := context.Background()
	o := mustCreate(t, m, "key-1", 2)
	m.MarkSubmitted(ctx, o.ID, "ex-1")
	m.ApplyFill(ctx, exchange.Fill{FillID: "f1", ExchangeOrderID: "ex-1", Qty: 2, Price: 100})

	before := m.Conflicts()
	if err := m.ApplyFill(ctx, exchange.Fill{FillID: "f2", ExchangeOrderID: "ex-1", Qty: 1, Price: 100}); err != nil {
		t.Fatalf("late fill should be a no-op, got error: %v", err)
	}
	if err := m.MarkCancelled(ctx, o.ID); err != nil {
		t.Fatalf("late cancel should be a no-op, got error: %v", err)
	}

	got, _ := m.Get(o.ID)
	if got.Status != StatusFilled || got.FilledQty != 2 {
		t.Errorf("terminal order mutated: %+v", got)
	}
	if pos := book.Get("BTC"); math.Abs(pos.Qty-2) > 1e-9 {
		t.Errorf("position qty = %v, want 2", pos.Qty)
	}
	if m.Conflicts() != before+2 {
		t.Errorf("conflicts = %d, want %d", m.Conflicts(), before+2)
	}
}

func TestFillForUnknownOrderIsCountedConflict(t *testing.T) {
	m, _ := newTestManager()
	err := m.ApplyFill(context.Background(), exchange.Fill{FillID: "f1", ExchangeOrderID: "nope", Qty: 1, Price: 100})
	if err != nil {
		t.Fatalf("unknown-order fill should not error: %v", err)
	}
	if m.Conflicts() != 1 {
		t.Errorf("conflicts = %d, want 1", m.Conflicts())
	}
}

func TestFillNeverExceedsRequestedSize(t *testing.T) {
	m, book := newTestManager()
	ctx := context.Background()
	o := mustCreate(t, m, "key-1", 3)
	m.MarkSubmitted(ctx, o.ID, "ex-1")

	m.ApplyFill(ctx, exchange.Fill{FillID: "f1", ExchangeOrderID: "ex-1", Qty: 5, Price: 100})

	got, _ := m.Get(o.ID)
	if got.FilledQty != 3 {
		t.Errorf("filled qty = %v, want clamped 3", got.FilledQty)
	}
	if got.Status != StatusFilled {
		t.Errorf("status = %s, want FILLED", got.Status)
	}
	if pos := book.Get("BTC"); math.Abs(pos.Qty-3) > 1e-9 {
		t.Errorf("position qty = %v, want 3", pos.Qty)
	}
}

func TestAckDispatch(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	o := mustCreate(t, m, "key-1", 1)

	err := m.HandleEvent(ctx, exchange.Event{Kind: exchange.EventAck, Ack: exchange.OrderResult{
		ClientOrderID: o.ID, ExchangeOrderID: "ex-9", Status: exchange.AckAccepted,
	}})
	if err != nil {
		t.Fatalf("handle ack: %v", err)
	}
	got, _ := m.Get(o.ID)
	if got.Status != StatusSubmitted || got.ExchangeOrderID != "ex-9" {
		t.Errorf("after ack: %+v", got)
	}

	o2 := mustCreate(t, m, "key-2", 1)
	m.HandleEvent(ctx, exchange.Event{Kind: exchange.EventAck, Ack: exchange.OrderResult{
		ClientOrderID: o2.ID, Status: exchange.AckRejected, Reason: "margin",
	}})
	got2, _ := m.Get(o2.ID)
	if got2.Status != StatusRejected || got2.RejectReason != "margin" {
		t.Errorf("after reject ack: %+v", got2)
	}
}

func TestUnknownAckLeavesPending(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	o := mustCreate(t, m, "key-1", 1)

	m.HandleEvent(ctx, exchange.Event{Kind: exchange.EventAck, Ack: exchange.OrderResult{
		ClientOrderID: o.ID, Status: exchange.AckUnknown,
	}})
	got, _ := m.Get(o.ID)
	if got.Status != StatusPending {
		t.Errorf("status = %s, want PENDING until reconciliation", got.Status)
	}
}

func TestOpenCountsExcludesTerminalAndPartial(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	a := mustCreate(t, m, "key-a", 1)
	b := mustCreate(t, m, "key-b", 2)
	c := mustCreate(t, m, "key-c", 2)

	m.MarkSubmitted(ctx, a.ID, "ex-a")
	m.MarkSubmitted(ctx, b.ID, "ex-b")
	m.ApplyFill(ctx, exchange.Fill{FillID: "f1", ExchangeOrderID: "ex-b", Qty: 1, Price: 100})
	m.MarkRejected(ctx, c.ID, "nope")

	counts := m.OpenCounts()
	// a is Submitted, b is PartiallyFilled, c is terminal.
	if counts["BTC"] != 1 {
		t.Errorf("open count = %d, want 1", counts["BTC"])
	}
}

func TestOpenExposureSignsAndNetsRemaining(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	// Buy 6 still pending, sell 2 half filled, buy 3 fully filled.
	mustCreate(t, m, "key-a", 6)
	b, _ := m.Create(ctx, "key-b", "neo", "BTC", exchange.SideSell, exchange.OrderTypeMarket, 2, 0)
	m.MarkSubmitted(ctx, b.ID, "ex-b")
	m.ApplyFill(ctx, exchange.Fill{FillID: "f1", ExchangeOrderID: "ex-b", Qty: 1, Price: 100})
	c := mustCreate(t, m, "key-c", 3)
	m.MarkSubmitted(ctx, c.ID, "ex-c")
	m.ApplyFill(ctx, exchange.Fill{FillID: "f2", ExchangeOrderID: "ex-c", Qty: 3, Price: 100})

	exposure := m.OpenExposure()
	// +6 pending buy, -1 unfilled sell remainder; the filled order is done.
	if math.Abs(exposure["BTC"]-5) > 1e-9 {
		t.Errorf("in-flight exposure = %v, want 5", exposure["BTC"])
	}
}

func TestGetByKeyFindsTerminalOrderAfterRestart(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()

	m1 := NewManager(database, nil, portfolio.NewStore(nil, nil))
	o, err := m1.Create(ctx, "key-1", "neo", "BTC", exchange.SideBuy, exchange.OrderTypeMarket, 2, 0)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	m1.MarkSubmitted(ctx, o.ID, "ex-1")
	m1.ApplyFill(ctx, exchange.Fill{FillID: "f1", ExchangeOrderID: "ex-1", Qty: 2, Price: 100})

	// A restarted manager restores only open orders, so the filled order is
	// absent from memory; the key must still resolve through the database.
	m2 := NewManager(database, nil, portfolio.NewStore(nil, nil))
	if err := m2.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := m2.GetByKey(ctx, "key-1")
	if !ok {
		t.Fatal("key for terminal order not found after restart")
	}
	if got.ID != o.ID || got.Status != StatusFilled {
		t.Errorf("restored order = %+v, want id %s FILLED", got, o.ID)
	}

	if _, ok := m2.GetByKey(ctx, "key-never-used"); ok {
		t.Error("unknown key resolved to an order")
	}
}

func TestWaitSettledReturnsOnceOrderLeavesPending(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	o := mustCreate(t, m, "key-1", 1)

	go func() {
		time.Sleep(50 * time.Millisecond)
		m.MarkSubmitted(ctx, o.ID, "ex-1")
	}()

	got, err := m.WaitSettled(ctx, o.ID, 2*time.Second)
	if err != nil {
		t.Fatalf("wait settled: %v", err)
	}
	if got.Status != StatusSubmitted {
		t.Errorf("status = %s, want SUBMITTED", got.Status)
	}
}

func TestWaitSettledTimesOut(t *testing.T) {
	m, _ := newTestManager()
	o := mustCreate(t, m, "key-1", 1)

	start := time.Now()
	got, err := m.WaitSettled(context.Background(), o.ID, 80*time.Millisecond)
	if err != nil {
		t.Fatalf("wait settled: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want still PENDING", got.Status)
	}
	if time.Since(start) > time.Second {
		t.Error("wait did not respect timeout")
	}
}
