package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/jsonrpc"
	"github.com/parley-ai/parley/pkg/schema"
)

// acpProtocolVersion is the ACP revision this client speaks.
const acpProtocolVersion = 1

// closeGrace is how long a closing session waits for the agent to exit after
// stdin closes before killing it.
const closeGrace = 3 * time.Second

// ACPAdapter runs an agent subprocess speaking the Agent Client Protocol:
// JSON-RPC 2.0 over stdio, initialize then session/new (or session/load when
// the agent advertises it), prompts via session/prompt, streaming via
// session/update notifications.
type ACPAdapter struct {
	opts   config.ACPOptions
	logger *slog.Logger
}

// NewACP builds the generic ACP adapter.
func NewACP(opts config.ACPOptions, logger *slog.Logger) *ACPAdapter {
	return &ACPAdapter{opts: opts, logger: logger.With("component", "adapter.acp")}
}

func (a *ACPAdapter) Name() schema.AdapterKind { return schema.AdapterACP }

func (a *ACPAdapter) Capabilities() schema.Capabilities {
	return schema.Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  schema.AvailabilityLocal,
	}
}

func (a *ACPAdapter) Connect(ctx context.Context, req ConnectRequest) (BackendSession, error) {
	return connectACP(ctx, a.opts, req, nil, a.logger)
}

// --- ACP wire types (camelCase per the protocol schema) ---

type acpInitializeRequest struct {
	ProtocolVersion    int                   `json:"protocolVersion"`
	ClientCapabilities acpClientCapabilities `json:"clientCapabilities"`
}

type acpClientCapabilities struct {
	Fs acpFsCapabilities `json:"fs"`
}

type acpFsCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

type acpInitializeResponse struct {
	ProtocolVersion   int                  `json:"protocolVersion"`
	AgentCapabilities acpAgentCapabilities `json:"agentCapabilities"`
}

type acpAgentCapabilities struct {
	LoadSession bool `json:"loadSession"`
}

type acpNewSessionRequest struct {
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

type acpNewSessionResponse struct {
	SessionID string `json:"sessionId"`
}

type acpLoadSessionRequest struct {
	SessionID  string `json:"sessionId"`
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

type acpPromptRequest struct {
	SessionID string            `json:"sessionId"`
	Prompt    []acpContentBlock `json:"prompt"`
}

type acpPromptResponse struct {
	StopReason string `json:"stopReason"`
}

type acpCancelNotification struct {
	SessionID string `json:"sessionId"`
}

type acpSetModeRequest struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

type acpContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type acpSessionNotification struct {
	SessionID string           `json:"sessionId"`
	Update    acpSessionUpdate `json:"update"`
}

// acpSessionUpdate is the union of every session/update payload; Kind is the
// discriminator.
type acpSessionUpdate struct {
	Kind    string           `json:"sessionUpdate"`
	Content *acpContentBlock `json:"content,omitempty"`

	// tool_call and tool_call_update
	ToolCallID string          `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	ToolKind   string          `json:"kind,omitempty"`
	Status     string          `json:"status,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
	RawOutput  json.RawMessage `json:"rawOutput,omitempty"`

	// plan
	Entries []acpPlanEntry `json:"entries,omitempty"`

	// available_commands_update
	AvailableCommands []acpCommand `json:"availableCommands,omitempty"`

	// current_mode_update
	CurrentModeID string `json:"currentModeId,omitempty"`
}

type acpPlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

type acpCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type acpPermissionParams struct {
	SessionID string                `json:"sessionId"`
	ToolCall  acpPermissionToolCall `json:"toolCall"`
	Options   []acpPermissionOption `json:"options"`
}

type acpPermissionToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

type acpPermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind"` // allow_once, allow_always, reject_once, reject_always
}

type acpPermissionOutcome struct {
	Outcome acpOutcome `json:"outcome"`
}

type acpOutcome struct {
	Outcome  string `json:"outcome"` // "selected" or "cancelled"
	OptionID string `json:"optionId,omitempty"`
}

// acpPermRef ties a unified permission request id back to the JSON-RPC
// request that must eventually be answered.
type acpPermRef struct {
	rpcID   int64
	options []acpPermissionOption
}

// acpSession is one agent subprocess conversation. Shared by the acp and
// gemini adapters; gemini injects its error classifier.
type acpSession struct {
	nativeID string
	classify func(code int, message string) schema.ErrorKind
	logger   *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *jsonrpc.Encoder
	reqSeq atomic.Int64

	msgs chan *schema.Message

	mu      sync.Mutex
	pending map[int64]chan *jsonrpc.Message
	perms   map[string]acpPermRef
	permSeq int64
	turn    strings.Builder

	emitMu     sync.RWMutex
	emitClosed bool

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
	waitErr   error
}

// connectACP spawns the agent, runs the handshake, and returns the live
// session. The agent outlives ctx, which bounds the handshake only.
func connectACP(ctx context.Context, opts config.ACPOptions, req ConnectRequest, classify func(int, string) schema.ErrorKind, logger *slog.Logger) (*acpSession, error) {
	cmd := exec.Command(opts.Command, opts.Args...)
	cwd := req.Cwd
	if cwd == "" {
		cwd = opts.WorkDir
	}
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", opts.Command, err)
	}

	s := newACPSession(stdin, stdout, classify, logger.With("session_id", req.SessionID))
	s.cmd = cmd
	go s.logStderr(stderr)
	go func() {
		s.waitErr = cmd.Wait()
		close(s.done)
	}()

	if err := s.handshake(ctx, cwd, req.Resume); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.logger.Info("agent session established", "native_session_id", s.nativeID, "pid", cmd.Process.Pid)
	return s, nil
}

// newACPSession wires the protocol layer over the given pipes. Process
// ownership is attached separately by connectACP; tests drive sessions over
// in-memory pipes.
func newACPSession(stdin io.WriteCloser, stdout io.Reader, classify func(int, string) schema.ErrorKind, logger *slog.Logger) *acpSession {
	s := &acpSession{
		classify: classify,
		logger:   logger,
		stdin:    stdin,
		enc:      jsonrpc.NewEncoder(stdin),
		msgs:     make(chan *schema.Message, messageBuffer),
		pending:  make(map[int64]chan *jsonrpc.Message),
		perms:    make(map[string]acpPermRef),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.readLoop(jsonrpc.NewDecoder(stdout))
	return s
}

// handshake runs initialize and opens (or resumes) the agent session.
func (s *acpSession) handshake(ctx context.Context, cwd, resume string) error {
	var init acpInitializeResponse
	err := s.call(ctx, "initialize", acpInitializeRequest{
		ProtocolVersion:    acpProtocolVersion,
		ClientCapabilities: acpClientCapabilities{},
	}, &init)
	if err != nil {
		return fmt.Errorf("acp initialize: %w", err)
	}

	if resume != "" && init.AgentCapabilities.LoadSession {
		err := s.call(ctx, "session/load", acpLoadSessionRequest{
			SessionID:  resume,
			Cwd:        cwd,
			McpServers: []any{},
		}, nil)
		if err == nil {
			s.nativeID = resume
			return nil
		}
		s.logger.Warn("session/load failed, starting fresh", "error", err)
	}

	var created acpNewSessionResponse
	err = s.call(ctx, "session/new", acpNewSessionRequest{Cwd: cwd, McpServers: []any{}}, &created)
	if err != nil {
		return fmt.Errorf("acp session/new: %w", err)
	}
	s.nativeID = created.SessionID
	return nil
}

func (s *acpSession) Messages() <-chan *schema.Message { return s.msgs }

func (s *acpSession) Pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Send opens a turn. session/prompt holds the request open for the whole
// turn, so the call runs in its own goroutine; chunks arrive as session/update
// notifications in between.
func (s *acpSession) Send(ctx context.Context, msg *schema.Message) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	if msg.Type != schema.TypeUser {
		return fmt.Errorf("acp session cannot send message type %s", msg.Type)
	}
	go s.prompt(toACPBlocks(msg.Blocks))
	return nil
}

func (s *acpSession) prompt(blocks []acpContentBlock) {
	var resp acpPromptResponse
	err := s.call(context.Background(), "session/prompt", acpPromptRequest{
		SessionID: s.nativeID,
		Prompt:    blocks,
	}, &resp)

	s.mu.Lock()
	text := s.turn.String()
	s.turn.Reset()
	s.mu.Unlock()

	result := schema.Message{Type: schema.TypeResult, Role: schema.RoleSystem, Timestamp: time.Now()}
	switch {
	case errors.Is(err, ErrSessionClosed):
		return
	case err == nil:
		if text != "" {
			am := schema.NewTextMessage("", schema.TypeAssistant, schema.RoleAssistant, text)
			s.emit(&am)
		}
		stop := resp.StopReason
		if stop == "" {
			stop = "end_turn"
		}
		result.WithMeta("subtype", stop)
	default:
		kind := schema.ErrorKindAPIError
		var rpcErr *jsonrpc.Error
		if s.classify != nil {
			code := 0
			if errors.As(err, &rpcErr) {
				code = rpcErr.Code
			}
			kind = s.classify(code, err.Error())
		}
		em := schema.NewErrorMessage("", kind, err.Error())
		s.emit(&em)
		result.WithMeta("subtype", "error")
		result.WithMeta("is_error", true)
		s.logger.Warn("prompt failed", "error", err, "kind", string(kind))
	}
	s.emit(&result)
}

// Interrupt cancels the current turn. ACP models this as a notification; the
// open session/prompt then resolves with stopReason "cancelled".
func (s *acpSession) Interrupt(ctx context.Context) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	return s.enc.Notify("session/cancel", acpCancelNotification{SessionID: s.nativeID})
}

// SetModel is unsupported mid-session: ACP agents pin the model at spawn.
func (s *acpSession) SetModel(ctx context.Context, model string) error {
	return errors.New("acp agents select the model at spawn")
}

// SetPermissionMode switches the agent's session mode.
func (s *acpSession) SetPermissionMode(ctx context.Context, mode string) error {
	return s.call(ctx, "session/set_mode", acpSetModeRequest{SessionID: s.nativeID, ModeID: mode}, nil)
}

// RespondPermission answers a pending session/request_permission call by
// selecting the agent-offered option matching the consumer's decision.
func (s *acpSession) RespondPermission(ctx context.Context, resp schema.PermissionResponse) error {
	s.mu.Lock()
	ref, ok := s.perms[resp.RequestID]
	delete(s.perms, resp.RequestID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown permission request %s", resp.RequestID)
	}
	outcome := acpOutcome{Outcome: "cancelled"}
	if optionID := pickPermissionOption(ref.options, resp.Behavior); optionID != "" {
		outcome = acpOutcome{Outcome: "selected", OptionID: optionID}
	}
	return s.enc.Respond(ref.rpcID, acpPermissionOutcome{Outcome: outcome})
}

// pickPermissionOption maps allow/deny onto the agent's offered options,
// preferring the _once variant so one decision never persists.
func pickPermissionOption(options []acpPermissionOption, behavior schema.PermissionBehavior) string {
	want := "reject"
	if behavior == schema.PermissionAllow {
		want = "allow"
	}
	for _, o := range options {
		if o.Kind == want+"_once" {
			return o.OptionID
		}
	}
	for _, o := range options {
		if strings.HasPrefix(o.Kind, want) {
			return o.OptionID
		}
	}
	return ""
}

// Close tears the session down: stdin closes first (ACP agents exit on EOF),
// the process is killed if it lingers. Idempotent; safe from any goroutine.
func (s *acpSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.stdin.Close()
		if s.cmd != nil {
			select {
			case <-s.done:
			case <-time.After(closeGrace):
				if s.cmd.Process != nil {
					_ = s.cmd.Process.Kill()
				}
				<-s.done
			}
		}
		s.emitMu.Lock()
		s.emitClosed = true
		close(s.msgs)
		s.emitMu.Unlock()
	})
	return nil
}

// call issues a request and waits for the correlated response.
func (s *acpSession) call(ctx context.Context, method string, params, out any) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	id := s.reqSeq.Add(1)
	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	ch := make(chan *jsonrpc.Message, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.enc.Send(msg); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrSessionClosed
	}
}

// emit delivers a translated message unless the session is shutting down.
func (s *acpSession) emit(m *schema.Message) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.emitClosed {
		return
	}
	select {
	case s.msgs <- m:
	case <-s.closed:
	}
}

func (s *acpSession) readLoop(dec *jsonrpc.Decoder) {
	for {
		msg, err := dec.Next()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.logger.Warn("agent stream ended", "error", err)
				go func() { _ = s.Close() }()
			}
			return
		}
		switch {
		case msg.IsResponse():
			s.mu.Lock()
			ch, ok := s.pending[*msg.ID]
			s.mu.Unlock()
			if ok {
				ch <- msg // buffered
			}
		case msg.IsNotification():
			if out := s.translateNotification(msg); out != nil {
				s.emit(out)
			}
		case msg.IsRequest():
			s.handleRequest(msg)
		}
	}
}

// translateNotification converts a session/update into a unified message, or
// nil for empty chunks. Total: unknown updates become stream_event fallbacks.
func (s *acpSession) translateNotification(msg *jsonrpc.Message) *schema.Message {
	if msg.Method != "session/update" {
		return fallbackStreamEvent(msg.Params)
	}
	var n acpSessionNotification
	if err := json.Unmarshal(msg.Params, &n); err != nil {
		s.logger.Warn("bad session/update", "error", err)
		return fallbackStreamEvent(msg.Params)
	}

	u := n.Update
	switch u.Kind {
	case "agent_message_chunk":
		text := contentText(u.Content)
		if text == "" {
			return nil
		}
		s.mu.Lock()
		s.turn.WriteString(text)
		s.mu.Unlock()
		out := &schema.Message{Type: schema.TypeStreamEvent, Role: schema.RoleAssistant, Timestamp: time.Now()}
		out.WithMeta("delta", text)
		return out

	case "agent_thought_chunk":
		text := contentText(u.Content)
		if text == "" {
			return nil
		}
		out := &schema.Message{Type: schema.TypeStreamEvent, Role: schema.RoleAssistant, Timestamp: time.Now()}
		out.WithMeta("delta", text)
		out.WithMeta("thought", true)
		return out

	case "tool_call":
		name := u.Title
		if name == "" {
			name = u.ToolKind
		}
		status := u.Status
		if status == "" {
			status = "running"
		}
		out := &schema.Message{
			Type:      schema.TypeAssistant,
			Role:      schema.RoleAssistant,
			Blocks:    []schema.Block{schema.ToolUseBlock(u.ToolCallID, name, u.RawInput)},
			Timestamp: time.Now(),
		}
		out.WithMeta("tool_kind", u.ToolKind)
		out.WithMeta("tool_status", status)
		return out

	case "tool_call_update":
		out := &schema.Message{Type: schema.TypeSystem, Role: schema.RoleSystem, Timestamp: time.Now()}
		out.WithMeta("subtype", "tool_call_update")
		out.WithMeta("tool_call_id", u.ToolCallID)
		if u.Status != "" {
			out.WithMeta("tool_status", u.Status)
		}
		if len(u.RawOutput) > 0 {
			out.Blocks = []schema.Block{schema.ToolResultBlock(u.ToolCallID, u.RawOutput, u.Status == "failed")}
		}
		return out

	case "plan":
		out := &schema.Message{Type: schema.TypeSystem, Role: schema.RoleSystem, Timestamp: time.Now()}
		out.WithMeta("subtype", "plan")
		out.WithMeta("entries", u.Entries)
		return out

	case "available_commands_update":
		out := &schema.Message{Type: schema.TypeSystem, Role: schema.RoleSystem, Timestamp: time.Now()}
		out.WithMeta("subtype", "available_commands")
		out.WithMeta("commands", u.AvailableCommands)
		return out

	case "current_mode_update":
		out := &schema.Message{Type: schema.TypeSystem, Role: schema.RoleSystem, Timestamp: time.Now()}
		out.WithMeta("subtype", "mode_changed")
		out.WithMeta("mode", u.CurrentModeID)
		return out

	default:
		return fallbackStreamEvent(msg.Params)
	}
}

// handleRequest answers agent-issued requests. Only the permission flow is
// supported; fs and terminal services are not offered in clientCapabilities,
// so anything else is a protocol error.
func (s *acpSession) handleRequest(msg *jsonrpc.Message) {
	switch msg.Method {
	case "session/request_permission":
		var p acpPermissionParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			s.logger.Warn("bad permission request", "error", err)
			_ = s.enc.RespondError(*msg.ID, -32602, "invalid permission request")
			return
		}
		s.mu.Lock()
		s.permSeq++
		reqID := fmt.Sprintf("perm-%d", s.permSeq)
		s.perms[reqID] = acpPermRef{rpcID: *msg.ID, options: p.Options}
		s.mu.Unlock()

		tool := p.ToolCall.Title
		if tool == "" {
			tool = p.ToolCall.Kind
		}
		out := &schema.Message{Type: schema.TypePermissionRequest, Role: schema.RoleSystem, Timestamp: time.Now()}
		out.WithMeta("request_id", reqID)
		out.WithMeta("tool", tool)
		out.WithMeta("tool_call_id", p.ToolCall.ToolCallID)
		if len(p.ToolCall.RawInput) > 0 {
			out.WithMeta("input", json.RawMessage(p.ToolCall.RawInput))
		}
		s.emit(out)

	default:
		_ = s.enc.RespondError(*msg.ID, -32601, fmt.Sprintf("method %s not supported", msg.Method))
	}
}

func (s *acpSession) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Debug("agent stderr", "line", scanner.Text())
	}
}

func contentText(c *acpContentBlock) string {
	if c == nil {
		return ""
	}
	return c.Text
}

func toACPBlocks(blocks []schema.Block) []acpContentBlock {
	out := make([]acpContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case schema.BlockText:
			out = append(out, acpContentBlock{Type: "text", Text: b.Text})
		case schema.BlockImage:
			out = append(out, acpContentBlock{Type: "image", MimeType: b.MediaType, Data: b.Data})
		}
	}
	return out
}
