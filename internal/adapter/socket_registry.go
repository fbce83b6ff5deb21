package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrSocketRegistered is returned when a delivery slot already exists
	// for the session. Exactly one pending launch per session.
	ErrSocketRegistered = errors.New("socket already registered for session")

	// ErrSocketTimeout is returned when the CLI never dialed back within
	// the registry's window.
	ErrSocketTimeout = errors.New("socket delivery timed out")
)

// DefaultDeliveryTimeout bounds how long Await blocks for the CLI to dial in.
const DefaultDeliveryTimeout = 30 * time.Second

// SocketRegistry hands inverted CLI connections from the gateway to the
// adapter that launched the CLI. Register reserves a one-shot slot keyed by
// session id; Deliver resolves it; Await consumes it. A socket arriving for
// a session nobody registered is refused so the gateway can close it.
type SocketRegistry struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan *BackendSocket
}

// NewSocketRegistry creates a registry. timeout <= 0 uses the default 30s.
func NewSocketRegistry(timeout time.Duration) *SocketRegistry {
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	return &SocketRegistry{
		timeout: timeout,
		pending: make(map[string]chan *BackendSocket),
	}
}

// Register reserves the delivery slot for a session about to launch. It
// fails if a slot is already pending for the same session.
func (r *SocketRegistry) Register(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[sessionID]; exists {
		return fmt.Errorf("%w: %s", ErrSocketRegistered, sessionID)
	}
	r.pending[sessionID] = make(chan *BackendSocket, 1)
	return nil
}

// Deliver resolves the slot for sessionID with the dialed-in socket. It
// returns false when no slot is pending (unknown session, or already
// delivered); the caller should close the socket in that case.
func (r *SocketRegistry) Deliver(sessionID string, sock *BackendSocket) bool {
	r.mu.Lock()
	ch, ok := r.pending[sessionID]
	if ok {
		delete(r.pending, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- sock // buffered; never blocks
	return true
}

// Await blocks until the socket for sessionID is delivered, the registry
// window elapses, or ctx is done. The slot is released on failure.
func (r *SocketRegistry) Await(ctx context.Context, sessionID string) (*BackendSocket, error) {
	r.mu.Lock()
	ch, ok := r.pending[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no registration for session %s", sessionID)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case sock := <-ch:
		return sock, nil
	case <-timer.C:
		r.Cancel(sessionID)
		return nil, fmt.Errorf("%w after %s: session %s", ErrSocketTimeout, r.timeout, sessionID)
	case <-ctx.Done():
		r.Cancel(sessionID)
		return nil, ctx.Err()
	}
}

// Cancel releases a pending slot, if any. Safe to call after delivery.
func (r *SocketRegistry) Cancel(sessionID string) {
	r.mu.Lock()
	delete(r.pending, sessionID)
	r.mu.Unlock()
}

// Pending reports whether a slot is waiting for sessionID. The gateway uses
// it to refuse sockets for sessions that never registered.
func (r *SocketRegistry) Pending(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[sessionID]
	return ok
}

// frameConn is the surface of a WebSocket connection the socket relies on.
// Satisfied by *websocket.Conn; faked in tests.
type frameConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// BackendSocket wraps an inverted CLI WebSocket connection. The gateway may
// read frames before the adapter attaches its read loop; those are buffered
// here and replayed exactly once, in arrival order, ahead of live reads.
type BackendSocket struct {
	conn frameConn

	writeMu sync.Mutex // gorilla conns allow one concurrent writer

	mu       sync.Mutex
	buffered [][]byte
	replayed bool
}

// NewBackendSocket wraps an upgraded connection.
func NewBackendSocket(conn *websocket.Conn) *BackendSocket {
	return &BackendSocket{conn: conn}
}

// Buffer holds a frame read before the adapter attached. Frames buffered
// after replay began are dropped; by then the adapter owns the read side.
func (s *BackendSocket) Buffer(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replayed {
		return
	}
	s.buffered = append(s.buffered, frame)
}

// ReadFrame returns the next frame: buffered frames first (replayed once),
// then live reads from the connection.
func (s *BackendSocket) ReadFrame() ([]byte, error) {
	s.mu.Lock()
	s.replayed = true
	if len(s.buffered) > 0 {
		frame := s.buffered[0]
		s.buffered = s.buffered[1:]
		s.mu.Unlock()
		return frame, nil
	}
	s.mu.Unlock()

	_, data, err := s.conn.ReadMessage()
	return data, err
}

// WriteFrame sends one frame, serializing concurrent writers.
func (s *BackendSocket) WriteFrame(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying connection.
func (s *BackendSocket) Close() error {
	return s.conn.Close()
}
