package market

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"mts-core/internal/agent"
	"mts-core/internal/events"
)

const defaultHistory = 120

// Tick is one price observation.
type Tick struct {
	Instrument string    `json:"instrument"`
	Price      float64   `json:"price"`
	Time       time.Time `json:"time"`
}

// Feed keeps the latest marks and a bounded price history per instrument.
// Writers push ticks in; deciders and the risk gate read snapshots out.
type Feed struct {
	mu      sync.RWMutex
	marks   map[string]float64
	history map[string][]float64
	depth   int

	bus *events.Bus
}

// NewFeed creates a feed retaining up to depth ticks per instrument.
func NewFeed(bus *events.Bus, depth int) *Feed {
	if depth <= 0 {
		depth = defaultHistory
	}
	return &Feed{
		marks:   make(map[string]float64),
		history: make(map[string][]float64),
		depth:   depth,
		bus:     bus,
	}
}

// Push records one tick.
func (f *Feed) Push(t Tick) {
	if t.Price <= 0 {
		return
	}
	f.mu.Lock()
	f.marks[t.Instrument] = t.Price
	h := append(f.history[t.Instrument], t.Price)
	if len(h) > f.depth {
		h = h[len(h)-f.depth:]
	}
	f.history[t.Instrument] = h
	f.mu.Unlock()

	if f.bus != nil {
		f.bus.Publish(events.EventPriceTick, t)
	}
}

// Marks returns the latest price per instrument.
func (f *Feed) Marks() map[string]float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]float64, len(f.marks))
	for k, v := range f.marks {
		out[k] = v
	}
	return out
}

// Context assembles the per-cycle market view for deciders.
func (f *Feed) Context() agent.MarketContext {
	f.mu.RLock()
	defer f.mu.RUnlock()
	marks := make(map[string]float64, len(f.marks))
	for k, v := range f.marks {
		marks[k] = v
	}
	history := make(map[string][]float64, len(f.history))
	for k, v := range f.history {
		cp := make([]float64, len(v))
		copy(cp, v)
		history[k] = cp
	}
	return agent.MarketContext{Marks: marks, History: history}
}

// RandomWalk seeds the feed and drives it with a bounded random walk until
// the context is cancelled. It stands in for a live market-data collaborator
// in dry-run mode.
type RandomWalk struct {
	feed     *Feed
	interval time.Duration
	rng      *rand.Rand
	prices   map[string]float64
}

// NewRandomWalk creates a walk over the given instruments and start prices.
func NewRandomWalk(feed *Feed, start map[string]float64, interval time.Duration, seed int64) *RandomWalk {
	if interval <= 0 {
		interval = time.Second
	}
	prices := make(map[string]float64, len(start))
	for k, v := range start {
		prices[k] = v
	}
	return &RandomWalk{
		feed:     feed,
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
		prices:   prices,
	}
}

// Run blocks, pushing one tick per instrument per interval.
func (w *RandomWalk) Run(ctx context.Context) {
	log.Printf("[market] random walk started for %d instruments", len(w.prices))
	w.step() // seed immediately so the first cycle has marks

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[market] random walk stopped")
			return
		case <-ticker.C:
			w.step()
		}
	}
}

func (w *RandomWalk) step() {
	now := time.Now().UTC()
	for inst, price := range w.prices {
		// Up to ±0.3% per step, floored so the walk never goes negative.
		next := price * (1 + (w.rng.Float64()-0.5)*0.006)
		if next < price*0.5 {
			next = price * 0.5
		}
		w.prices[inst] = next
		w.feed.Push(Tick{Instrument: inst, Price: next, Time: now})
	}
}
