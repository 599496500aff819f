package agent

import (
	"math"
	"time"

	"mts-core/internal/portfolio"
)

// MarketContext is the market view handed to deciders each cycle: latest
// marks plus a short rolling price history per instrument, oldest first.
type MarketContext struct {
	Marks   map[string]float64
	History map[string][]float64
}

// Decider produces at most one intent per cycle from the portfolio snapshot
// and market context. Implementations must be side-effect free; role
// intelligence is pluggable and the orchestration core never looks inside.
type Decider interface {
	Role() string
	Decide(positions map[string]portfolio.Position, mc MarketContext) Intent
}

func noop(role string) Intent {
	return Intent{Role: role, Kind: KindNoOp, EmittedAt: time.Now().UTC()}
}

func sma(prices []float64, n int) (float64, bool) {
	if n <= 0 || len(prices) < n {
		return 0, false
	}
	var sum float64
	for _, p := range prices[len(prices)-n:] {
		sum += p
	}
	return sum / float64(n), true
}

// MomentumAnalyst opens in the direction of a moving-average crossover.
// It only ever proposes entries; it leaves exits to the oversight roles.
type MomentumAnalyst struct {
	Name       string
	Instrument string
	Size       float64
	FastWindow int
	SlowWindow int
	Threshold  float64
}

func (a *MomentumAnalyst) Role() string { return a.Name }

func (a *MomentumAnalyst) Decide(positions map[string]portfolio.Position, mc MarketContext) Intent {
	prices := mc.History[a.Instrument]
	fast, okF := sma(prices, a.FastWindow)
	slow, okS := sma(prices, a.SlowWindow)
	if !okF || !okS || slow == 0 {
		return noop(a.Name)
	}

	drift := (fast - slow) / slow
	pos := positions[a.Instrument]
	switch {
	case drift > a.Threshold && pos.Qty <= 0:
		return Intent{Role: a.Name, Kind: KindOpenLong, Instrument: a.Instrument, Size: a.Size, EmittedAt: time.Now().UTC()}
	case drift < -a.Threshold && pos.Qty >= 0:
		return Intent{Role: a.Name, Kind: KindOpenShort, Instrument: a.Instrument, Size: a.Size, EmittedAt: time.Now().UTC()}
	}
	return noop(a.Name)
}

// MeanReversionTrader fades short-term deviations from the rolling mean.
type MeanReversionTrader struct {
	Name       string
	Instrument string
	Size       float64
	Window     int
	Deviation  float64
}

func (t *MeanReversionTrader) Role() string { return t.Name }

func (t *MeanReversionTrader) Decide(positions map[string]portfolio.Position, mc MarketContext) Intent {
	prices := mc.History[t.Instrument]
	mean, ok := sma(prices, t.Window)
	if !ok || mean == 0 {
		return noop(t.Name)
	}
	last := prices[len(prices)-1]
	dev := (last - mean) / mean

	pos := positions[t.Instrument]
	switch {
	case dev < -t.Deviation && pos.Qty <= 0:
		return Intent{Role: t.Name, Kind: KindOpenLong, Instrument: t.Instrument, Size: t.Size, EmittedAt: time.Now().UTC()}
	case dev > t.Deviation && pos.Qty >= 0:
		return Intent{Role: t.Name, Kind: KindOpenShort, Instrument: t.Instrument, Size: t.Size, EmittedAt: time.Now().UTC()}
	}
	return noop(t.Name)
}

// ExposureGuard trims any position whose absolute size exceeds its cap back
// down to the cap.
type ExposureGuard struct {
	Name    string
	MaxSize float64
}

func (g *ExposureGuard) Role() string { return g.Name }

func (g *ExposureGuard) Decide(positions map[string]portfolio.Position, _ MarketContext) Intent {
	for _, pos := range positions {
		if math.Abs(pos.Qty) <= g.MaxSize {
			continue
		}
		target := g.MaxSize
		if pos.Qty < 0 {
			target = -g.MaxSize
		}
		return Intent{Role: g.Name, Kind: KindAdjustSize, Instrument: pos.Instrument, Size: target, EmittedAt: time.Now().UTC()}
	}
	return noop(g.Name)
}

// DrawdownCloser liquidates any position whose unrealized loss passes the
// stop, or banks one whose gain passes the target.
type DrawdownCloser struct {
	Name       string
	StopLoss   float64
	TakeProfit float64
}

func (c *DrawdownCloser) Role() string { return c.Name }

func (c *DrawdownCloser) Decide(positions map[string]portfolio.Position, mc MarketContext) Intent {
	for _, pos := range positions {
		if math.Abs(pos.Qty) < 1e-9 {
			continue
		}
		mark, ok := mc.Marks[pos.Instrument]
		if !ok || mark <= 0 {
			continue
		}
		unrealized := (mark - pos.AvgEntryPrice) * pos.Qty
		if (c.StopLoss < 0 && unrealized <= c.StopLoss) ||
			(c.TakeProfit > 0 && unrealized >= c.TakeProfit) {
			return Intent{Role: c.Name, Kind: KindClose, Instrument: pos.Instrument, EmittedAt: time.Now().UTC()}
		}
	}
	return noop(c.Name)
}
