package bus

import (
	"fmt"
	"sync"
)

// Handler consumes a change. Handlers run synchronously on the publishing
// goroutine, in registration order.
type Handler func(ChangeEvent)

// Bus fans ChangeEvents out to in-loop handlers and to channel subscribers.
// Publish must only be called from the hub loop; Subscribe and Unsubscribe are
// safe from any goroutine.
type Bus struct {
	handlers []Handler

	mu          sync.Mutex
	subscribers map[chan ChangeEvent]struct{}
	last        uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[chan ChangeEvent]struct{})}
}

// Handle registers an in-loop handler.
func (b *Bus) Handle(h Handler) {
	b.handlers = append(b.handlers, h)
}

// Publish delivers ev to every handler and subscriber. It rejects an event whose
// version does not advance past the last published one.
func (b *Bus) Publish(ev ChangeEvent) error {
	b.mu.Lock()
	if ev.Version <= b.last {
		last := b.last
		b.mu.Unlock()
		return fmt.Errorf("change version %d does not advance past %d", ev.Version, last)
	}
	b.last = ev.Version
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Non-blocking send to prevent slow observers from stalling the hub
		}
	}
	b.mu.Unlock()

	for _, h := range b.handlers {
		h(ev)
	}
	return nil
}

// LastVersion returns the version of the most recent published event.
func (b *Bus) LastVersion() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Subscribe creates a new subscription channel for change events.
func (b *Bus) Subscribe() chan ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan ChangeEvent, 100) // Buffered
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(ch chan ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}
