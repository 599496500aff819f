package portfolio

import (
	"context"
	"math"
	"testing"

	"mts-core/pkg/exchange"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestApplyFillWeightedAverageOnIncrease(t *testing.T) {
	s := NewStore(nil, nil)
	ctx := context.Background()

	if _, err := s.ApplyFill(ctx, "BTC", exchange.SideBuy, 1, 100); err != nil {
		t.Fatalf("apply fill: %v", err)
	}
	pos, err := s.ApplyFill(ctx, "BTC", exchange.SideBuy, 1, 200)
	if err != nil {
		t.Fatalf("apply fill: %v", err)
	}

	if !almostEqual(pos.Qty, 2) {
		t.Errorf("qty = %v, want 2", pos.Qty)
	}
	if !almostEqual(pos.AvgEntryPrice, 150) {
		t.Errorf("avg entry = %v, want 150", pos.AvgEntryPrice)
	}
	if !almostEqual(pos.RealizedPnL, 0) {
		t.Errorf("realized pnl = %v, want 0", pos.RealizedPnL)
	}
}

func TestApplyFillReduceRealizesPnLWithoutMovingAverage(t *testing.T) {
	s := NewStore(nil, nil)
	ctx := context.Background()

	s.ApplyFill(ctx, "ETH", exchange.SideBuy, 4, 100)
	pos, err := s.ApplyFill(ctx, "ETH", exchange.SideSell, 1, 120)
	if err != nil {
		t.Fatalf("apply fill: %v", err)
	}

	if !almostEqual(pos.Qty, 3) {
		t.Errorf("qty = %v, want 3", pos.Qty)
	}
	if !almostEqual(pos.AvgEntryPrice, 100) {
		t.Errorf("avg entry moved on reduce: %v", pos.AvgEntryPrice)
	}
	if !almostEqual(pos.RealizedPnL, 20) {
		t.Errorf("realized pnl = %v, want 20", pos.RealizedPnL)
	}
}

func TestApplyFillFlatResetsAverage(t *testing.T) {
	s := NewStore(nil, nil)
	ctx := context.Background()

	s.ApplyFill(ctx, "HYPE", exchange.SideBuy, 2, 10)
	pos, _ := s.ApplyFill(ctx, "HYPE", exchange.SideSell, 2, 12)

	if !almostEqual(pos.Qty, 0) {
		t.Errorf("qty = %v, want 0", pos.Qty)
	}
	if pos.AvgEntryPrice != 0 {
		t.Errorf("avg entry = %v, want 0 when flat", pos.AvgEntryPrice)
	}
	if !almostEqual(pos.RealizedPnL, 4) {
		t.Errorf("realized pnl = %v, want 4", pos.RealizedPnL)
	}
}

func TestApplyFillZeroCrossingOpensRemainderAtFillPrice(t *testing.T) {
	s := NewStore(nil, nil)
	ctx := context.Background()

	s.ApplyFill(ctx, "BTC", exchange.SideBuy, 2, 100)
	pos, _ := s.ApplyFill(ctx, "BTC", exchange.SideSell, 5, 110)

	if !almostEqual(pos.Qty, -3) {
		t.Errorf("qty = %v, want -3", pos.Qty)
	}
	if !almostEqual(pos.AvgEntryPrice, 110) {
		t.Errorf("avg entry = %v, want 110 after crossing", pos.AvgEntryPrice)
	}
	// Only the closed long realizes PnL: (110-100)*2.
	if !almostEqual(pos.RealizedPnL, 20) {
		t.Errorf("realized pnl = %v, want 20", pos.RealizedPnL)
	}
}

func TestApplyFillShortSideRealization(t *testing.T) {
	s := NewStore(nil, nil)
	ctx := context.Background()

	s.ApplyFill(ctx, "ETH", exchange.SideSell, 3, 200)
	pos, _ := s.ApplyFill(ctx, "ETH", exchange.SideBuy, 1, 180)

	if !almostEqual(pos.Qty, -2) {
		t.Errorf("qty = %v, want -2", pos.Qty)
	}
	if !almostEqual(pos.RealizedPnL, 20) {
		t.Errorf("realized pnl = %v, want 20", pos.RealizedPnL)
	}
	if !almostEqual(pos.AvgEntryPrice, 200) {
		t.Errorf("avg entry = %v, want 200", pos.AvgEntryPrice)
	}
}

func TestRoundTripFromFlat(t *testing.T) {
	s := NewStore(nil, nil)
	ctx := context.Background()

	// Buy q at p1 from flat, sell q at p2: realized PnL is (p2-p1)*q.
	q, p1, p2 := 1.5, 2500.0, 2600.0
	s.ApplyFill(ctx, "ETH", exchange.SideBuy, q, p1)
	pos, _ := s.ApplyFill(ctx, "ETH", exchange.SideSell, q, p2)

	if !almostEqual(pos.RealizedPnL, (p2-p1)*q) {
		t.Errorf("realized pnl = %v, want %v", pos.RealizedPnL, (p2-p1)*q)
	}
	if !almostEqual(pos.Qty, 0) {
		t.Errorf("qty = %v, want flat", pos.Qty)
	}
}

func TestApplyFillRejectsNonPositiveInputs(t *testing.T) {
	s := NewStore(nil, nil)
	ctx := context.Background()

	if _, err := s.ApplyFill(ctx, "BTC", exchange.SideBuy, 0, 100); err == nil {
		t.Error("expected error for zero qty")
	}
	if _, err := s.ApplyFill(ctx, "BTC", exchange.SideBuy, 1, -5); err == nil {
		t.Error("expected error for negative price")
	}
}

func TestGetUnknownInstrumentIsFlat(t *testing.T) {
	s := NewStore(nil, nil)
	pos := s.Get("DOGE")
	if pos.Qty != 0 || pos.AvgEntryPrice != 0 || pos.RealizedPnL != 0 {
		t.Errorf("expected flat position, got %+v", pos)
	}
}

func TestTotalNotionalUsesMarksWhenAvailable(t *testing.T) {
	s := NewStore(nil, nil)
	ctx := context.Background()

	s.ApplyFill(ctx, "BTC", exchange.SideBuy, 2, 100)
	s.ApplyFill(ctx, "ETH", exchange.SideSell, 3, 50)

	total := s.TotalNotional(map[string]float64{"BTC": 110})
	// BTC marked at 110, ETH falls back to its entry price.
	want := 2*110.0 + 3*50.0
	if !almostEqual(total, want) {
		t.Errorf("total notional = %v, want %v", total, want)
	}
}

func TestSnapshotReturnsCopies(t *testing.T) {
	s := NewStore(nil, nil)
	ctx := context.Background()

	s.ApplyFill(ctx, "BTC", exchange.SideBuy, 1, 100)
	snap := s.Snapshot()
	p := snap["BTC"]
	p.Qty = 999

	if got := s.Get("BTC").Qty; !almostEqual(got, 1) {
		t.Errorf("snapshot mutation leaked into store: qty = %v", got)
	}
}
