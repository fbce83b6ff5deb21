package eventbus

import (
	"sync"

	"github.com/parley-ai/parley/internal/ring"
)

// LogRing tails the bus's log entries into a bounded buffer so the admin
// API and dashboard can show recent daemon logs without a file.
type LogRing struct {
	bus *Bus
	ch  chan Event

	mu  sync.Mutex
	buf *ring.Buffer[Event]
}

// NewLogRing subscribes to log entries and retains the last capacity of
// them. Close releases the subscription.
func NewLogRing(bus *Bus, capacity int) *LogRing {
	r := &LogRing{
		bus: bus,
		ch:  bus.Subscribe(LogEntry),
		buf: ring.New[Event](capacity),
	}
	go r.tail()
	return r
}

func (r *LogRing) tail() {
	for ev := range r.ch {
		r.mu.Lock()
		r.buf.Append(ev)
		r.mu.Unlock()
	}
}

// Tail returns the most recent n entries oldest-first; n <= 0 returns all
// retained entries.
func (r *LogRing) Tail(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 {
		return r.buf.Snapshot()
	}
	return r.buf.Tail(n)
}

// Len reports how many entries are retained.
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Len()
}

// Close unsubscribes from the bus; the tail goroutine drains out.
func (r *LogRing) Close() {
	r.bus.Unsubscribe(r.ch)
}
