// Package ipc serves the local control socket: JSON-lines request/response
// over a Unix socket, plus a streaming subscription to the event bus. The
// CLI talks to a running daemon through it without the HTTP token.
package ipc

import (
	"encoding/json"
	"time"

	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/pkg/schema"
)

// Request is one JSON line from a client.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON line back. Type is "result", "error", or "event".
type Response struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StatusResult is returned by the "status" method.
type StatusResult struct {
	PID         int       `json:"pid"`
	Version     string    `json:"version"`
	StartedAt   time.Time `json:"started_at"`
	Uptime      string    `json:"uptime"`
	Address     string    `json:"address"`
	Sessions    int       `json:"sessions"`
	MaxSessions int       `json:"max_sessions"`
	Processes   int       `json:"processes"`
	Adapters    []string  `json:"adapters"`
	Storage     string    `json:"storage"`
}

// SessionsResult is returned by the "sessions" method.
type SessionsResult struct {
	Sessions []schema.SessionInfo `json:"sessions"`
}

// LogsParams selects how much of the daemon log ring to return.
type LogsParams struct {
	Tail int `json:"tail,omitempty"`
}

// LogsResult is returned by the "logs" method.
type LogsResult struct {
	Entries []Event `json:"entries"`
}

// SubscribeParams filter the event stream; empty means all events.
type SubscribeParams struct {
	Events []string `json:"events"`
}

// Event mirrors a bus event for transport.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func fromBusEvent(ev eventbus.Event) Event {
	return Event{Type: ev.Type, Timestamp: ev.Timestamp, Data: ev.Data}
}

// StateProvider is what the server queries on behalf of clients. The broker
// implements it.
type StateProvider interface {
	Status() StatusResult
	Sessions() []schema.SessionInfo
	Logs(tail int) []eventbus.Event
}
