package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/parley-ai/parley/internal/eventbus"
)

// Requests stay small; log tails inside responses can get big.
const (
	readBufInit = 64 * 1024
	readBufMax  = 1024 * 1024
)

// Server owns the control socket. One goroutine per connection; requests on
// a connection are answered in order.
type Server struct {
	path     string
	listener net.Listener
	provider StateProvider
	bus      *eventbus.Bus
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	done  chan struct{}
}

// NewServer creates an IPC server bound to socketPath.
func NewServer(socketPath string, provider StateProvider, bus *eventbus.Bus, logger *slog.Logger) *Server {
	return &Server{
		path:     socketPath,
		provider: provider,
		bus:      bus,
		logger:   logger.With("component", "ipc"),
		conns:    make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins listening. Non-blocking; a stale socket file is replaced.
func (s *Server) Start() error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	// Only the owning user may drive the daemon.
	_ = os.Chmod(s.path, 0600)
	s.listener = ln
	go s.serve()
	s.logger.Info("control socket listening", "path", s.path)
	return nil
}

// Close shuts down the listener and every open connection, then removes the
// socket file.
func (s *Server) Close() error {
	close(s.done)
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.logger.Warn("accept error", "error", err)
				continue
			}
		}
		s.track(conn)
		go s.serveConn(conn)
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) drop(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.drop(conn)

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, readBufInit), readBufMax)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = s.send(conn, errorResponse("", "invalid request"))
			continue
		}
		s.dispatch(conn, req)
	}
}

func (s *Server) dispatch(conn net.Conn, req Request) {
	switch req.Method {
	case "status":
		_ = s.send(conn, resultResponse(req.ID, s.provider.Status()))
	case "sessions":
		_ = s.send(conn, resultResponse(req.ID, SessionsResult{Sessions: s.provider.Sessions()}))
	case "logs":
		params := decodeParams[LogsParams](req.Params)
		entries := s.provider.Logs(params.Tail)
		result := LogsResult{Entries: make([]Event, 0, len(entries))}
		for _, ev := range entries {
			result.Entries = append(result.Entries, fromBusEvent(ev))
		}
		_ = s.send(conn, resultResponse(req.ID, result))
	case "subscribe":
		s.streamEvents(conn, req.ID, decodeParams[SubscribeParams](req.Params))
	default:
		_ = s.send(conn, errorResponse(req.ID, "unknown method: "+req.Method))
	}
}

// streamEvents pushes bus events on the connection until either side goes
// away. The connection's request loop is parked for the duration; one
// subscription per connection is the contract.
func (s *Server) streamEvents(conn net.Conn, reqID string, params SubscribeParams) {
	ch := s.bus.Subscribe(params.Events...)
	defer s.bus.Unsubscribe(ch)

	_ = s.send(conn, resultResponse(reqID, map[string]string{"status": "subscribed"}))

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := s.send(conn, Response{Type: "event", Data: marshalRaw(fromBusEvent(ev))}); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Server) send(conn net.Conn, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(data, '\n'))
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("write error", "error", err)
	}
	return err
}

func resultResponse(id string, v any) Response {
	return Response{ID: id, Type: "result", Data: marshalRaw(v)}
}

func errorResponse(id, msg string) Response {
	return Response{ID: id, Type: "error", Data: marshalRaw(map[string]string{"error": msg})}
}

func decodeParams[T any](raw json.RawMessage) T {
	var v T
	if raw != nil {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

func marshalRaw(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
