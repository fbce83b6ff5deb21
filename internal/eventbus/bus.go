// Package eventbus carries daemon-internal events: session lifecycle,
// consumer and backend churn, process exits, policy verdicts, and mirrored
// log records. The IPC subscribe stream and the dashboard ride on it.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	SessionCreated           = "session:created"
	SessionClosed            = "session:closed"
	SessionState             = "session:state"
	SessionInvalidTransition = "session:invalid_transition"
	ConsumerConnected        = "consumer:connected"
	ConsumerDisconnected     = "consumer:disconnected"
	BackendConnected         = "backend:connected"
	BackendDisconnected      = "backend:disconnected"
	QueueMessageSent         = "queue:message_sent"
	ProcStarted              = "proc:started"
	ProcExited               = "proc:exited"
	PolicyWatchdog           = "policy:watchdog"
	TeamMemberJoined         = "team:member:joined"
	TeamMemberLeft           = "team:member:left"
	TeamMemberStatus         = "team:member:status"
	TeamTaskCreated          = "team:task:created"
	TeamTaskClaimed          = "team:task:claimed"
	TeamTaskCompleted        = "team:task:completed"
	ErrorEvent               = "error"
	LogEntry                 = "log:entry"
)

// subBuffer is each subscriber's channel depth. A subscriber that falls this
// far behind starts losing events rather than stalling publishers.
const subBuffer = 64

// Event is a single record on the bus.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// filter is the set of event types one subscriber asked for. An empty filter
// matches everything.
type filter map[string]struct{}

func (f filter) wants(typ string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[typ]
	return ok
}

// Bus fans events out to subscribers. Publish never blocks and never fails;
// an event nobody listens for, error events included, is a silent no-op.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]filter
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]filter)}
}

// Subscribe registers for the given event types, or for every event when
// none are named. The returned channel is owned by the bus: drop it through
// Unsubscribe, never by closing it.
func (b *Bus) Subscribe(types ...string) chan Event {
	f := make(filter, len(types))
	for _, t := range types {
		f[t] = struct{}{}
	}
	ch := make(chan Event, subBuffer)
	b.mu.Lock()
	b.subs[ch] = f
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown channels
// are ignored, so calling it twice is safe.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers e to every matching subscriber, stamping the time when
// the caller left it zero. Full subscriber buffers drop the event for that
// subscriber only.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, f := range b.subs {
		if !f.wants(e.Type) {
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// PublishType marshals data and publishes it under the given event type.
func (b *Bus) PublishType(eventType string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	b.Publish(Event{Type: eventType, Timestamp: time.Now(), Data: raw})
}

// Close drops every subscriber and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
