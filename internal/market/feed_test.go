package market

import (
	"testing"
	"time"
)

func TestFeedKeepsLatestMarkAndBoundedHistory(t *testing.T) {
	f := NewFeed(nil, 3)
	for i, p := range []float64{100, 101, 102, 103} {
		f.Push(Tick{Instrument: "BTC", Price: p, Time: time.Now().Add(time.Duration(i) * time.Second)})
	}

	marks := f.Marks()
	if marks["BTC"] != 103 {
		t.Errorf("mark = %v, want 103", marks["BTC"])
	}

	mc := f.Context()
	h := mc.History["BTC"]
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3", len(h))
	}
	if h[0] != 101 || h[2] != 103 {
		t.Errorf("history = %v, want oldest-first window [101 102 103]", h)
	}
}

func TestFeedIgnoresNonPositivePrices(t *testing.T) {
	f := NewFeed(nil, 10)
	f.Push(Tick{Instrument: "BTC", Price: 0})
	f.Push(Tick{Instrument: "BTC", Price: -5})
	if len(f.Marks()) != 0 {
		t.Errorf("bad ticks were recorded: %v", f.Marks())
	}
}

func TestContextReturnsCopies(t *testing.T) {
	f := NewFeed(nil, 10)
	f.Push(Tick{Instrument: "BTC", Price: 100})

	mc := f.Context()
	mc.Marks["BTC"] = 1
	mc.History["BTC"][0] = 1

	if f.Marks()["BTC"] != 100 {
		t.Error("mark mutated through context copy")
	}
	if f.Context().History["BTC"][0] != 100 {
		t.Error("history mutated through context copy")
	}
}

func TestRandomWalkIsDeterministicPerSeed(t *testing.T) {
	a := NewFeed(nil, 10)
	b := NewFeed(nil, 10)
	wa := NewRandomWalk(a, map[string]float64{"BTC": 100}, time.Second, 42)
	wb := NewRandomWalk(b, map[string]float64{"BTC": 100}, time.Second, 42)

	for i := 0; i < 5; i++ {
		wa.step()
		wb.step()
	}
	if a.Marks()["BTC"] != b.Marks()["BTC"] {
		t.Errorf("same seed diverged: %v vs %v", a.Marks()["BTC"], b.Marks()["BTC"])
	}
	if a.Marks()["BTC"] <= 0 {
		t.Errorf("walk produced non-positive price: %v", a.Marks()["BTC"])
	}
}
