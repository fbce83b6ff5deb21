package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parley-ai/parley/internal/adapter"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/pkg/schema"
)

// Frame size limits per plane. Backend frames carry whole tool results and
// run much larger than consumer commands.
const (
	maxConsumerFrame = 1 << 20
	maxBackendFrame  = 4 << 20
)

// The daemon binds loopback; consumers authenticate by token and backends
// are local child processes dialing home. Browser origin says nothing here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleBackendWS is the inverted gateway: a CLI child launched with the
// daemon's callback URL dials in here and the socket is routed to whichever
// adapter is waiting for it.
func (s *Server) handleBackendWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("backend websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	conn.SetReadLimit(maxBackendFrame)

	sock := adapter.NewBackendSocket(conn)
	if err := s.broker.DeliverBackend(sessionID, sock); err != nil {
		s.logger.Warn("backend socket refused", "session_id", sessionID, "error", err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "no session waiting"))
		_ = conn.Close()
		return
	}

	// The adapter owns the socket from here; returning does not close it.
	s.logger.Info("backend connected", "session_id", sessionID)
}

// handleConsumerWS attaches one consumer to a session. Outbound unified
// messages flow through a wsSink driven by the session broadcaster; inbound
// frames are decoded into commands and handed to the session sequencer.
func (s *Server) handleConsumerWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}

	identity, err := s.auth.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	rt, ok := s.broker.Session(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	if !s.acquireConsumerSlot() {
		s.logger.Warn("consumer connection limit reached", "limit", s.maxConsumers)
		http.Error(w, "consumer connection limit reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseConsumerSlot()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("consumer websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxConsumerFrame)

	connID := uuid.New().String()
	author := identity.Name
	if author == "" {
		author = identity.Subject
	}

	sink := &wsSink{conn: conn}
	if err := rt.AttachConsumer(connID, author, sink); err != nil {
		s.logger.Warn("consumer attach refused", "session_id", sessionID, "error", err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session closed"))
		_ = conn.Close()
		return
	}

	s.logger.Info("consumer connected",
		"session_id", sessionID, "consumer_id", connID, "author", author)
	defer s.logger.Info("consumer disconnected",
		"session_id", sessionID, "consumer_id", connID)

	// Read loop. Ends when the consumer hangs up or the broadcaster closes
	// the sink underneath us. The sink owns the connection once attached.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			rt.DetachConsumer(connID)
			return
		}

		var cmd session.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.rejectFrame(sink, "", "invalid frame: "+err.Error())
			continue
		}
		cmd.ConsumerID = connID
		cmd.Author = author

		if err := rt.IngestInbound(cmd); err != nil {
			if errors.Is(err, session.ErrSessionClosed) {
				rt.DetachConsumer(connID)
				return
			}
			s.rejectFrame(sink, cmd.RequestID, err.Error())
		}
	}
}

// rejectFrame reports a bad inbound frame to its sender only. Shaped like the
// sequencer's own command rejects so consumers handle one error form.
func (s *Server) rejectFrame(sink *wsSink, requestID, reason string) {
	msg := schema.NewErrorMessage("", schema.ErrorKindProtocol, reason)
	if requestID != "" {
		msg.WithMeta("request_id", requestID)
	}
	if err := sink.Deliver(&msg); err != nil {
		s.logger.Debug("reject delivery failed", "error", err)
	}
}

func (s *Server) acquireConsumerSlot() bool {
	if s.maxConsumers <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumers >= s.maxConsumers {
		return false
	}
	s.consumers++
	return true
}

func (s *Server) releaseConsumerSlot() {
	if s.maxConsumers <= 0 {
		return
	}
	s.mu.Lock()
	s.consumers--
	s.mu.Unlock()
}

// wsSink adapts a consumer WebSocket to the broadcaster's delivery surface.
// The broadcaster's writer goroutine and the gateway's read loop both write
// (deliveries and frame rejects), so writes are serialized here.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Deliver(msg *schema.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Close sends a close frame and tears the connection down, which also
// unblocks the gateway's read loop.
func (s *wsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
