// Package server exposes the daemon's HTTP surface: the admin REST API, the
// consumer WebSocket plane, and the inverted gateway that dial-in CLI
// backends land on.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/parley-ai/parley/internal/adapter"
	"github.com/parley-ai/parley/internal/auth"
	"github.com/parley-ai/parley/internal/broker"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/launcher"
	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/pkg/schema"
)

// maxBodyBytes caps admin API request bodies.
const maxBodyBytes = 1 << 20

// History tail bounds for the session detail endpoint.
const (
	historyTailDefault = 50
	historyTailMax     = 500
)

// Broker is the slice of the daemon the HTTP surface drives. *broker.Broker
// implements it; tests substitute lighter fakes.
type Broker interface {
	CreateSession(req broker.CreateRequest) (*session.Runtime, error)
	Session(id string) (*session.Runtime, bool)
	CloseSession(id, reason string) error
	DeliverBackend(sessionID string, sock *adapter.BackendSocket) error
	Sessions() []schema.SessionInfo
	Processes() []launcher.ProcessInfo
	ProcessLogs(sessionID string, tail int) ([]launcher.LogLine, bool)
	Logs(tail int) []eventbus.Event
	Metrics() *metrics.Recorder
}

// Server is the daemon's HTTP server.
type Server struct {
	broker       Broker
	auth         auth.Provider
	logger       *slog.Logger
	mux          *chi.Mux
	version      string
	startedAt    time.Time
	controlToken string

	maxConsumers int
	mu           sync.Mutex
	consumers    int
}

// New assembles the router. The auth provider guards the consumer plane; the
// control token guards the admin API.
func New(b Broker, ap auth.Provider, cfg *config.Config, logger *slog.Logger, version string) *Server {
	if version == "" {
		version = "dev"
	}
	srv := &Server{
		broker:       b,
		auth:         ap,
		logger:       logger.With("component", "server"),
		version:      version,
		startedAt:    time.Now(),
		controlToken: cfg.Server.ControlAPIToken,
		maxConsumers: cfg.Server.MaxConsumerConns,
	}
	if srv.controlToken == "" {
		srv.logger.Warn("control api token not configured, admin api is unauthenticated")
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(srv.requestLog)
	mux.Use(securityHeaders)

	// Unauthenticated surface.
	mux.Get("/health", srv.handleHealth)
	mux.Method(http.MethodGet, "/metrics", b.Metrics().Handler())

	// WebSocket planes (auth handled inside).
	mux.Get("/ws/backend", srv.handleBackendWS)
	mux.Get("/ws/consumer", srv.handleConsumerWS)

	// Admin API.
	mux.Group(func(r chi.Router) {
		r.Use(srv.tokenMiddleware)
		r.Get("/api/sessions", srv.handleListSessions)
		r.Post("/api/sessions", srv.handleCreateSession)
		r.Get("/api/sessions/{sessionID}", srv.handleGetSession)
		r.Delete("/api/sessions/{sessionID}", srv.handleCloseSession)
		r.Get("/api/sessions/{sessionID}/logs", srv.handleSessionLogs)
		r.Get("/api/processes", srv.handleListProcesses)
		r.Get("/api/logs", srv.handleDaemonLogs)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       s.version,
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

// --- Session handlers ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.broker.Sessions()
	if sessions == nil {
		sessions = []schema.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req broker.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rt, err := s.broker.CreateSession(req)
	if err != nil {
		writeError(w, createStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, rt.Info())
}

// createStatus maps session creation failures onto HTTP statuses.
func createStatus(err error) int {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "session limit"):
		return http.StatusTooManyRequests
	case strings.Contains(msg, "adapter"):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// sessionDetail is the admin view of one session: the summary plus a recent
// history tail.
type sessionDetail struct {
	schema.SessionInfo
	History []schema.Message `json:"history"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.broker.Session(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	tail := queryInt(r, "tail", historyTailDefault, historyTailMax)
	history := rt.HistoryTail(tail)
	if history == nil {
		history = []schema.Message{}
	}

	writeJSON(w, http.StatusOK, sessionDetail{SessionInfo: rt.Info(), History: history})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.broker.CloseSession(id, "closed via admin api"); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Log handlers ---

func (s *Server) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	lines, ok := s.broker.ProcessLogs(id, queryInt(r, "tail", 0, 0))
	if !ok {
		writeError(w, http.StatusNotFound, "no process for session")
		return
	}
	if lines == nil {
		lines = []launcher.LogLine{}
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handleDaemonLogs(w http.ResponseWriter, r *http.Request) {
	events := s.broker.Logs(queryInt(r, "tail", 100, 0))
	if events == nil {
		events = []eventbus.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	procs := s.broker.Processes()
	if procs == nil {
		procs = []launcher.ProcessInfo{}
	}
	writeJSON(w, http.StatusOK, procs)
}

// --- Helpers ---

// queryInt parses an integer query parameter, falling back to def. Values
// above max are clamped when max is positive.
func queryInt(r *http.Request, name string, def, max int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
