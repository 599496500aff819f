package events

import (
	"sync"
	"sync/atomic"
)

// Bus is a lightweight in-process pub/sub broker. Publishing never blocks:
// a slow subscriber loses messages rather than stalling the trading path,
// and every such loss is counted so tests and the status API can see it.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan any
	dropped atomic.Uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a listener for an event and returns the channel and an
// unsubscribe function. Unsubscribing closes the channel.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan any, buffer)

	b.mu.Lock()
	b.subs[e] = append(b.subs[e], ch)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[e]
			for i, c := range subs {
				if c == ch {
					b.subs[e] = append(subs[:i], subs[i+1:]...)
					close(c)
					break
				}
			}
		})
	}

	return ch, unsub
}

// Publish fans the payload out to current subscribers without blocking.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many messages were discarded due to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
