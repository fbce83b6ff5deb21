package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/pkg/schema"
)

// ErrSessionClosed is returned by operations on a torn-down backend session.
var ErrSessionClosed = errors.New("backend session closed")

// controlTimeout bounds how long a control_request waits for its ack.
const controlTimeout = 60 * time.Second

// ClaudeSocketAdapter drives a Claude CLI over the inverted WebSocket: the
// daemon launches the CLI, the CLI dials back with its session id, and the
// gateway hands the socket here through the SocketRegistry. Frames are
// NDJSON stream-json events.
type ClaudeSocketAdapter struct {
	opts    config.ClaudeOptions
	reg     *SocketRegistry
	spawner Spawner
	logger  *slog.Logger
}

// NewClaudeSocket builds the adapter. spawner may be nil when an external
// CLI is expected to dial in on its own (tests, manual runs).
func NewClaudeSocket(opts config.ClaudeOptions, reg *SocketRegistry, spawner Spawner, logger *slog.Logger) *ClaudeSocketAdapter {
	return &ClaudeSocketAdapter{
		opts:    opts,
		reg:     reg,
		spawner: spawner,
		logger:  logger.With("component", "adapter.claude"),
	}
}

func (a *ClaudeSocketAdapter) Name() schema.AdapterKind { return schema.AdapterClaudeSocket }

func (a *ClaudeSocketAdapter) Capabilities() schema.Capabilities {
	return schema.Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  schema.AvailabilityLocal,
		Teams:         true,
	}
}

// Connect registers the delivery slot, launches the CLI, and waits for it to
// dial back. The registry window (not ctx) bounds the wait.
func (a *ClaudeSocketAdapter) Connect(ctx context.Context, req ConnectRequest) (BackendSession, error) {
	if err := a.reg.Register(req.SessionID); err != nil {
		return nil, err
	}
	var pid int
	if a.spawner != nil {
		p, err := a.spawner.Spawn(ctx, req.SessionID)
		if err != nil {
			a.reg.Cancel(req.SessionID)
			return nil, fmt.Errorf("spawn claude cli: %w", err)
		}
		pid = p
	}
	sock, err := a.reg.Await(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	// The watchdog may have superseded the child while we waited, so the
	// process table, not the Spawn return, is the pid of record.
	if a.spawner != nil {
		if p := a.spawner.Pid(req.SessionID); p != 0 {
			pid = p
		}
	}
	a.logger.Info("claude cli attached", "session_id", req.SessionID, "pid", pid)
	return newClaudeSession(req.SessionID, sock, pid, a.logger), nil
}

// WrapSocketSession adopts a CLI socket that arrived outside a Connect window:
// a relaunched child dialing in after the registry slot expired, or a crashed
// daemon's orphan reconnecting to a restored session. The caller binds the
// returned session to the runtime.
func (a *ClaudeSocketAdapter) WrapSocketSession(sessionID string, sock *BackendSocket) BackendSession {
	var pid int
	if a.spawner != nil {
		pid = a.spawner.Pid(sessionID)
	}
	a.logger.Info("claude cli adopted", "session_id", sessionID, "pid", pid)
	return newClaudeSession(sessionID, sock, pid, a.logger)
}

// --- stream-json wire types ---

// claudeEnvelope is the union envelope of every frame on the socket. Fields
// are populated per Type; translation switches on Type/Subtype.
type claudeEnvelope struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Model     string          `json:"model,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Status    json.RawMessage `json:"status,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	NumTurns  int             `json:"num_turns,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeUserFrame struct {
	Type            string        `json:"type"`
	Message         claudeMessage `json:"message"`
	ParentToolUseID *string       `json:"parent_tool_use_id"`
	SessionID       string        `json:"session_id"`
}

type claudeControlRequest struct {
	Type      string               `json:"type"`
	RequestID string               `json:"request_id"`
	Request   claudeControlPayload `json:"request"`
}

type claudeControlPayload struct {
	Subtype string `json:"subtype"`
	Model   string `json:"model,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

type claudeControlAck struct {
	Type     string           `json:"type"`
	Response claudeControlBody `json:"response"`
}

type claudeControlBody struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// claudeCanUseTool is the payload of an inbound control_request asking for
// tool approval.
type claudeCanUseTool struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// claudeSession is one live CLI conversation.
type claudeSession struct {
	sessionID string
	sock      *BackendSocket
	pid       int
	logger    *slog.Logger

	msgs   chan *schema.Message
	reqSeq atomic.Int64

	mu      sync.Mutex
	pending map[string]chan claudeControlBody

	closeOnce sync.Once
	closed    chan struct{}
}

func newClaudeSession(sessionID string, sock *BackendSocket, pid int, logger *slog.Logger) *claudeSession {
	s := &claudeSession{
		sessionID: sessionID,
		sock:      sock,
		pid:       pid,
		logger:    logger.With("session_id", sessionID),
		msgs:      make(chan *schema.Message, messageBuffer),
		pending:   make(map[string]chan claudeControlBody),
		closed:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Pid reports the CLI child launched for this session, 0 when the CLI dialed
// in on its own.
func (s *claudeSession) Pid() int { return s.pid }

func (s *claudeSession) Messages() <-chan *schema.Message { return s.msgs }

// Send forwards a user-authored message to the CLI as a stream-json user
// frame. Non-user types have dedicated entry points (Interrupt, SetModel,
// RespondPermission) and are rejected here.
func (s *claudeSession) Send(ctx context.Context, msg *schema.Message) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	if msg.Type != schema.TypeUser {
		return fmt.Errorf("claude session cannot send message type %s", msg.Type)
	}
	content, err := json.Marshal(msg.Blocks)
	if err != nil {
		return fmt.Errorf("encode content blocks: %w", err)
	}
	frame := claudeUserFrame{
		Type:      "user",
		Message:   claudeMessage{Role: "user", Content: content},
		SessionID: s.sessionID,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode user frame: %w", err)
	}
	return s.sock.WriteFrame(data)
}

// Interrupt aborts the current turn via a control_request.
func (s *claudeSession) Interrupt(ctx context.Context) error {
	return s.control(ctx, claudeControlPayload{Subtype: "interrupt"})
}

// SetModel switches the CLI's model mid-conversation.
func (s *claudeSession) SetModel(ctx context.Context, model string) error {
	return s.control(ctx, claudeControlPayload{Subtype: "set_model", Model: model})
}

// SetPermissionMode switches the CLI's permission mode mid-conversation.
func (s *claudeSession) SetPermissionMode(ctx context.Context, mode string) error {
	return s.control(ctx, claudeControlPayload{Subtype: "set_permission_mode", Mode: mode})
}

// RespondPermission answers a pending can_use_tool request with the
// consumer's decision, in the CLI's native control_response shape.
func (s *claudeSession) RespondPermission(ctx context.Context, resp schema.PermissionResponse) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	body := map[string]any{"behavior": string(resp.Behavior)}
	if len(resp.UpdatedInput) > 0 {
		body["updatedInput"] = json.RawMessage(resp.UpdatedInput)
	}
	if len(resp.UpdatedPermissions) > 0 {
		body["updatedPermissions"] = json.RawMessage(resp.UpdatedPermissions)
	}
	if resp.Message != "" {
		body["message"] = resp.Message
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode permission response: %w", err)
	}
	ack := claudeControlAck{
		Type: "control_response",
		Response: claudeControlBody{
			Subtype:   "success",
			RequestID: resp.RequestID,
			Response:  payload,
		},
	}
	data, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("encode control response: %w", err)
	}
	return s.sock.WriteFrame(data)
}

// Close tears the session down. Idempotent.
func (s *claudeSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.sock.Close()
	})
	return nil
}

// control sends a control_request and waits for its acknowledgement.
func (s *claudeSession) control(ctx context.Context, payload claudeControlPayload) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	id := fmt.Sprintf("req-%d", s.reqSeq.Add(1))
	ch := make(chan claudeControlBody, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	frame := claudeControlRequest{Type: "control_request", RequestID: id, Request: payload}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode control request: %w", err)
	}
	if err := s.sock.WriteFrame(data); err != nil {
		return err
	}

	timer := time.NewTimer(controlTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Subtype != "success" {
			return fmt.Errorf("control %s failed: %s", payload.Subtype, resp.Error)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("control %s timed out", payload.Subtype)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrSessionClosed
	}
}

// readLoop pumps socket frames through the translator until the socket
// breaks, then closes the message channel.
func (s *claudeSession) readLoop() {
	defer close(s.msgs)
	for {
		data, err := s.sock.ReadFrame()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.logger.Warn("claude socket read failed", "error", err)
			}
			return
		}
		// One websocket frame may carry several NDJSON lines.
		for _, line := range bytes.Split(data, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			if msg := s.translate(line); msg != nil {
				select {
				case s.msgs <- msg:
				case <-s.closed:
					return
				}
			}
		}
	}
}

// translate converts one stream-json line into a unified message, or nil for
// frames consumed internally (control acks, keep-alives). It is total:
// unrecognized input becomes a stream_event fallback.
func (s *claudeSession) translate(line []byte) *schema.Message {
	var env claudeEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		s.logger.Warn("unparseable claude frame", "error", err)
		return fallbackStreamEvent(line)
	}

	switch env.Type {
	case "assistant", "user":
		return s.translateChat(env)

	case "system":
		msg := &schema.Message{Type: schema.TypeSystem, Role: schema.RoleSystem, Timestamp: time.Now()}
		msg.WithMeta("subtype", env.Subtype)
		if env.SessionID != "" {
			msg.WithMeta("native_session_id", env.SessionID)
		}
		if env.Model != "" {
			msg.WithMeta("model", env.Model)
		}
		if env.Subtype == "team_status" && len(env.Status) > 0 {
			var team schema.TeamState
			if err := json.Unmarshal(env.Status, &team); err == nil {
				msg.Type = schema.TypeTeamEvent
				msg.WithMeta("team_state", team)
			}
		}
		return msg

	case "result":
		msg := schema.NewTextMessage("", schema.TypeResult, schema.RoleSystem, env.Result)
		msg.WithMeta("subtype", env.Subtype)
		msg.WithMeta("is_error", env.IsError)
		if env.NumTurns > 0 {
			msg.WithMeta("num_turns", env.NumTurns)
		}
		return &msg

	case "stream_event":
		msg := &schema.Message{Type: schema.TypeStreamEvent, Role: schema.RoleAssistant, Timestamp: time.Now()}
		if len(env.Event) > 0 {
			msg.WithMeta("event", json.RawMessage(env.Event))
		}
		return msg

	case "control_request":
		return s.translateControlRequest(env)

	case "control_response":
		var body claudeControlBody
		if err := json.Unmarshal(env.Response, &body); err != nil {
			s.logger.Warn("bad control_response", "error", err)
			return nil
		}
		s.mu.Lock()
		ch, ok := s.pending[body.RequestID]
		s.mu.Unlock()
		if ok {
			ch <- body // buffered
		}
		return nil

	case "control_cancel_request":
		msg := &schema.Message{Type: schema.TypeSystem, Role: schema.RoleSystem, Timestamp: time.Now()}
		msg.WithMeta("subtype", "permission_cancelled")
		msg.WithMeta("request_id", env.RequestID)
		return msg

	case "keep_alive":
		return nil

	default:
		return fallbackStreamEvent(line)
	}
}

func (s *claudeSession) translateChat(env claudeEnvelope) *schema.Message {
	var cm claudeMessage
	if err := json.Unmarshal(env.Message, &cm); err != nil {
		s.logger.Warn("bad chat frame", "error", err)
		return fallbackStreamEvent(env.Message)
	}
	typ := schema.TypeAssistant
	role := schema.RoleAssistant
	if env.Type == "user" {
		typ = schema.TypeUser
		role = schema.RoleUser
	}
	msg := &schema.Message{Type: typ, Role: role, Blocks: decodeContent(cm.Content), Timestamp: time.Now()}
	if env.SessionID != "" {
		msg.WithMeta("native_session_id", env.SessionID)
	}
	if env.Model != "" {
		msg.WithMeta("model", env.Model)
	}
	return msg
}

func (s *claudeSession) translateControlRequest(env claudeEnvelope) *schema.Message {
	var req claudeCanUseTool
	if err := json.Unmarshal(env.Request, &req); err != nil || req.Subtype != "can_use_tool" {
		s.logger.Warn("unhandled control_request", "subtype", req.Subtype)
		return fallbackStreamEvent(env.Request)
	}
	msg := &schema.Message{Type: schema.TypePermissionRequest, Role: schema.RoleSystem, Timestamp: time.Now()}
	msg.WithMeta("request_id", env.RequestID)
	msg.WithMeta("tool", req.ToolName)
	if len(req.Input) > 0 {
		msg.WithMeta("input", json.RawMessage(req.Input))
	}
	return msg
}

// decodeContent accepts the two shapes Claude emits for message content: a
// bare string or an array of typed blocks.
func decodeContent(raw json.RawMessage) []schema.Block {
	if len(raw) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []schema.Block{schema.TextBlock(text)}
	}
	var blocks []schema.Block
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks
	}
	return []schema.Block{schema.TextBlock(string(raw))}
}

// fallbackStreamEvent wraps an unrecognized frame so nothing is lost and
// nothing tears the session down.
func fallbackStreamEvent(raw []byte) *schema.Message {
	msg := &schema.Message{Type: schema.TypeStreamEvent, Role: schema.RoleSystem, Timestamp: time.Now()}
	msg.WithMeta("raw", json.RawMessage(append([]byte(nil), raw...)))
	return msg
}
