package risk

import (
	"testing"

	"mts-core/internal/agent"
	"mts-core/internal/portfolio"
)

func testLimits() Limits {
	return NewLimits([]string{"BTC", "ETH"}, 10, 100000, 4, 0.8)
}

func snapshotWith(positions map[string]portfolio.Position) Snapshot {
	return Snapshot{
		Positions:  positions,
		OpenOrders: map[string]int{},
		Marks:      map[string]float64{"BTC": 100, "ETH": 50},
	}
}

func TestEvaluateAcceptsWithinLimits(t *testing.T) {
	in := agent.Intent{Role: "neo", Kind: agent.KindOpenLong, Instrument: "BTC", Size: 5}
	d := Evaluate(in, snapshotWith(nil), testLimits())
	if !d.Accepted {
		t.Fatalf("expected acceptance, got %+v", d)
	}
	if d.Delta != 5 {
		t.Errorf("delta = %v, want 5", d.Delta)
	}
}

func TestEvaluateRejectsUnknownInstrument(t *testing.T) {
	in := agent.Intent{Role: "neo", Kind: agent.KindOpenLong, Instrument: "DOGE", Size: 1}
	d := Evaluate(in, snapshotWith(nil), testLimits())
	if d.Accepted || d.Reason != ReasonInstrumentBlocked {
		t.Fatalf("expected instrument rejection, got %+v", d)
	}
}

func TestEvaluateRejectsPositionOverflow(t *testing.T) {
	positions := map[string]portfolio.Position{
		"BTC": {Instrument: "BTC", Qty: 8, AvgEntryPrice: 100},
	}
	in := agent.Intent{Role: "neo", Kind: agent.KindOpenLong, Instrument: "BTC", Size: 3}
	d := Evaluate(in, snapshotWith(positions), testLimits())
	if d.Accepted || d.Reason != ReasonPositionLimit {
		t.Fatalf("expected position limit rejection, got %+v", d)
	}
}

func TestEvaluateShortSideCountsAbsoluteSize(t *testing.T) {
	in := agent.Intent{Role: "neo", Kind: agent.KindOpenShort, Instrument: "BTC", Size: 20}
	d := Evaluate(in, snapshotWith(nil), testLimits())
	if d.Accepted || d.Reason != ReasonPositionLimit {
		t.Fatalf("expected position limit rejection for short, got %+v", d)
	}
}

func TestEvaluateRejectsNotionalOverflow(t *testing.T) {
	limits := testLimits()
	limits.MaxNotionalExposure = 600
	positions := map[string]portfolio.Position{
		"ETH": {Instrument: "ETH", Qty: 10, AvgEntryPrice: 50},
	}
	// ETH exposure 10*50=500, BTC 2*100=200 would breach 600.
	in := agent.Intent{Role: "neo", Kind: agent.KindOpenLong, Instrument: "BTC", Size: 2}
	d := Evaluate(in, snapshotWith(positions), limits)
	if d.Accepted || d.Reason != ReasonNotionalLimit {
		t.Fatalf("expected notional rejection, got %+v", d)
	}
}

func TestEvaluateRejectsOpenOrderCap(t *testing.T) {
	snap := snapshotWith(nil)
	snap.OpenOrders["BTC"] = 4
	in := agent.Intent{Role: "neo", Kind: agent.KindOpenLong, Instrument: "BTC", Size: 1}
	d := Evaluate(in, snap, testLimits())
	if d.Accepted || d.Reason != ReasonOpenOrderLimit {
		t.Fatalf("expected open order rejection, got %+v", d)
	}
}

func TestEvaluateRejectsFractionalCap(t *testing.T) {
	// Cap is 0.8 * 10 = 8 per order; size 9 fits the position limit but
	// exceeds the per-order cap.
	in := agent.Intent{Role: "neo", Kind: agent.KindOpenLong, Instrument: "BTC", Size: 9}
	d := Evaluate(in, snapshotWith(nil), testLimits())
	if d.Accepted || d.Reason != ReasonOrderSizeLimit {
		t.Fatalf("expected order size rejection, got %+v", d)
	}
}

func TestEvaluateCheckOrderShortCircuits(t *testing.T) {
	// Breaches both the position limit and the per-order cap; the position
	// check runs first and must win.
	in := agent.Intent{Role: "neo", Kind: agent.KindOpenLong, Instrument: "BTC", Size: 50}
	d := Evaluate(in, snapshotWith(nil), testLimits())
	if d.Reason != ReasonPositionLimit {
		t.Fatalf("expected position limit to short-circuit, got %v", d.Reason)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	positions := map[string]portfolio.Position{
		"BTC": {Instrument: "BTC", Qty: 3, AvgEntryPrice: 100},
	}
	in := agent.Intent{Role: "neo", Kind: agent.KindOpenLong, Instrument: "BTC", Size: 4}
	first := Evaluate(in, snapshotWith(positions), testLimits())
	for i := 0; i < 10; i++ {
		if got := Evaluate(in, snapshotWith(positions), testLimits()); got != first {
			t.Fatalf("evaluation %d differed: %+v vs %+v", i, got, first)
		}
	}
}

func TestEvaluateChargesInFlightAgainstPositionLimit(t *testing.T) {
	// An accepted-but-unfilled size-6 long already owns the budget; a second
	// size-6 long must not pass just because no fill has landed yet.
	snap := snapshotWith(nil)
	snap.InFlight = map[string]float64{"BTC": 6}
	in := agent.Intent{Role: "oracle", Kind: agent.KindOpenLong, Instrument: "BTC", Size: 6}
	d := Evaluate(in, snap, testLimits())
	if d.Accepted || d.Reason != ReasonPositionLimit {
		t.Fatalf("expected position limit rejection for in-flight overlap, got %+v", d)
	}

	in.Size = 3
	if d := Evaluate(in, snap, testLimits()); !d.Accepted {
		t.Fatalf("size 3 fits beside in-flight 6, got %+v", d)
	}
}

func TestEvaluateChargesInFlightAgainstNotional(t *testing.T) {
	limits := testLimits()
	limits.MaxNotionalExposure = 600
	// In-flight ETH 10 at mark 50 consumes 500; BTC 2 at mark 100 breaches.
	snap := snapshotWith(nil)
	snap.InFlight = map[string]float64{"ETH": 10}
	in := agent.Intent{Role: "neo", Kind: agent.KindOpenLong, Instrument: "BTC", Size: 2}
	d := Evaluate(in, snap, limits)
	if d.Accepted || d.Reason != ReasonNotionalLimit {
		t.Fatalf("expected notional rejection for in-flight exposure, got %+v", d)
	}
}

func TestSignedDeltaClose(t *testing.T) {
	cases := []struct {
		name    string
		intent  agent.Intent
		current float64
		want    float64
	}{
		{"close all long", agent.Intent{Kind: agent.KindClose}, 4, -4},
		{"close all short", agent.Intent{Kind: agent.KindClose}, -4, 4},
		{"close partial", agent.Intent{Kind: agent.KindClose, Size: 1}, 4, -1},
		{"close more than held", agent.Intent{Kind: agent.KindClose, Size: 9}, 4, -4},
		{"close when flat", agent.Intent{Kind: agent.KindClose}, 0, 0},
		{"adjust to target", agent.Intent{Kind: agent.KindAdjustSize, Size: -2}, 3, -5},
	}
	for _, tc := range cases {
		if got := SignedDelta(tc.intent, tc.current); got != tc.want {
			t.Errorf("%s: delta = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSecondIntentSeesReducedBudget(t *testing.T) {
	// Two size-6 longs against max size 10: the first fits, the second is
	// evaluated against the post-fill position and rejected.
	limits := testLimits()
	in := agent.Intent{Role: "neo", Kind: agent.KindOpenLong, Instrument: "BTC", Size: 6}

	first := Evaluate(in, snapshotWith(nil), limits)
	if !first.Accepted {
		t.Fatalf("first intent rejected: %+v", first)
	}

	after := map[string]portfolio.Position{
		"BTC": {Instrument: "BTC", Qty: 6, AvgEntryPrice: 100},
	}
	in.Role = "trinity"
	second := Evaluate(in, snapshotWith(after), limits)
	if second.Accepted || second.Reason != ReasonPositionLimit {
		t.Fatalf("expected second intent rejected on reduced budget, got %+v", second)
	}
}
