// Package events is the engine's pub/sub surface for UI observers.
package events

import (
	"sync"
)

// Bus is a lightweight pub/sub broker using channels. The last payload
// published per topic is retained and replayed to new subscribers, so an
// observer attaching mid-session immediately sees the current state; this
// replay is part of the contract, not an implementation accident.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]chan any
	last map[Topic]any
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[Topic][]chan any),
		last: make(map[Topic]any),
	}
}

// Subscribe registers a listener for a topic and returns the channel and an
// unsubscribe function. The channel immediately carries the last published
// payload for the topic, if any. buffer must be at least 1 to guarantee the
// replay is not dropped.
func (b *Bus) Subscribe(t Topic, buffer int) (<-chan any, func()) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	if last, ok := b.last[t]; ok {
		ch <- last
	}
	b.subs[t] = append(b.subs[t], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[t]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[t] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish fan-outs the payload to subscribers asynchronously to avoid
// blocking the engine cycle.
func (b *Bus) Publish(t Topic, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last[t] = payload
	for _, ch := range b.subs[t] {
		select {
		case ch <- payload:
		default:
			// drop if subscriber is slow; keep broker non-blocking
		}
	}
}

// Last returns the most recent payload for a topic.
func (b *Bus) Last(t Topic) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.last[t]
	return v, ok
}
