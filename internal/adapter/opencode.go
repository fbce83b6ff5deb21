package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/pkg/schema"
)

// sseMaxLine bounds a single SSE line; tool results can be large but a
// runaway line must not exhaust memory.
const sseMaxLine = 10 * 1024 * 1024

// OpencodeAdapter drives an opencode server over HTTP. Unless BaseURL points
// at an already-running server, Connect spawns `opencode serve` on a free
// port. Prompts POST to the message endpoint; replies arrive on the global
// /event SSE stream, filtered by session id.
type OpencodeAdapter struct {
	opts   config.OpencodeOptions
	logger *slog.Logger
}

// NewOpencode builds the adapter.
func NewOpencode(opts config.OpencodeOptions, logger *slog.Logger) *OpencodeAdapter {
	return &OpencodeAdapter{opts: opts, logger: logger.With("component", "adapter.opencode")}
}

func (a *OpencodeAdapter) Name() schema.AdapterKind { return schema.AdapterOpencode }

func (a *OpencodeAdapter) Capabilities() schema.Capabilities {
	return schema.Capabilities{
		Streaming:    true,
		Permissions:  true,
		Availability: schema.AvailabilityLocal,
	}
}

func (a *OpencodeAdapter) Connect(ctx context.Context, req ConnectRequest) (BackendSession, error) {
	base := strings.TrimRight(a.opts.BaseURL, "/")

	var cmd *exec.Cmd
	var stderr io.Reader
	if base == "" {
		port, err := freePort()
		if err != nil {
			return nil, fmt.Errorf("allocate port: %w", err)
		}
		base = fmt.Sprintf("http://127.0.0.1:%d", port)

		args := append([]string{"serve", "--hostname", "127.0.0.1", "--port", strconv.Itoa(port)}, a.opts.Args...)
		cmd = exec.Command(a.opts.Command, args...)
		cwd := req.Cwd
		if cwd == "" {
			cwd = a.opts.WorkDir
		}
		if cwd != "" {
			cmd.Dir = cwd
		}
		cmd.Env = os.Environ()
		for k, v := range a.opts.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		cmd.Stdout = io.Discard
		pipe, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		stderr = pipe
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start opencode server: %w", err)
		}
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &opencodeSession{
		base:   base,
		httpc:  &http.Client{}, // no global timeout: the event stream is held open
		logger: a.logger.With("session_id", req.SessionID),
		cmd:    cmd,
		msgs:   make(chan *schema.Message, messageBuffer),
		ctx:    sessionCtx,
		cancel: cancel,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.modelRef = splitModelRef(req.Model)

	if cmd != nil {
		go s.logStderr(stderr)
		go func() {
			s.waitErr = cmd.Wait()
			close(s.done)
		}()
		if err := s.waitReady(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("opencode server not ready: %w", err)
		}
	} else {
		close(s.done)
	}

	if err := s.openSession(ctx, req.Resume); err != nil {
		_ = s.Close()
		return nil, err
	}
	go s.eventLoop()

	a.logger.Info("opencode session established", "session_id", req.SessionID, "native_session_id", s.nativeID, "base_url", base)
	return s, nil
}

// --- opencode HTTP bodies ---

type opencodeSessionInfo struct {
	ID string `json:"id"`
}

type opencodePromptBody struct {
	Parts []opencodePart    `json:"parts"`
	Model *opencodeModelRef `json:"model,omitempty"`
}

type opencodePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type opencodeModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

type opencodePermissionReply struct {
	Response string `json:"response"` // "once", "always", "reject"
}

// splitModelRef parses "providerID/modelID". Anything without a slash cannot
// address an opencode model and is dropped (the server default applies).
func splitModelRef(model string) *opencodeModelRef {
	provider, id, ok := strings.Cut(model, "/")
	if !ok || provider == "" || id == "" {
		return nil
	}
	return &opencodeModelRef{ProviderID: provider, ModelID: id}
}

// opencodeSession is one conversation against the opencode server.
type opencodeSession struct {
	base     string
	httpc    *http.Client
	logger   *slog.Logger
	nativeID string

	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error

	msgs   chan *schema.Message
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	modelRef  *opencodeModelRef
	turnOpen  bool
	turnText  string
	turnModel string

	emitMu     sync.RWMutex
	emitClosed bool

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *opencodeSession) Messages() <-chan *schema.Message { return s.msgs }

func (s *opencodeSession) Pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// waitReady polls the server's TCP endpoint until it accepts connections.
func (s *opencodeSession) waitReady(ctx context.Context) error {
	addr := strings.TrimPrefix(s.base, "http://")
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 50 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			return struct{}{}, err
		}
		_ = conn.Close()
		return struct{}{}, nil
	}, backoff.WithBackOff(exp), backoff.WithMaxTries(30))
	return err
}

// openSession adopts the resumed server-side session when one is named and
// still exists, otherwise creates a fresh one.
func (s *opencodeSession) openSession(ctx context.Context, resume string) error {
	if resume != "" {
		resp, err := s.do(ctx, http.MethodGet, "/session/"+resume, nil)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				s.nativeID = resume
				return nil
			}
		}
		s.logger.Warn("resume session not found, creating fresh", "native_session_id", resume)
	}

	resp, err := s.do(ctx, http.MethodPost, "/session", map[string]any{})
	if err != nil {
		return fmt.Errorf("create opencode session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("create opencode session: %s", resp.Status)
	}
	var info opencodeSessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return fmt.Errorf("decode session info: %w", err)
	}
	if info.ID == "" {
		return fmt.Errorf("opencode session response carried no id")
	}
	s.nativeID = info.ID
	return nil
}

// Send opens a turn. The message POST blocks server-side until the turn ends,
// so it runs in its own goroutine; deltas arrive on the event stream.
func (s *opencodeSession) Send(ctx context.Context, msg *schema.Message) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	if msg.Type != schema.TypeUser {
		return fmt.Errorf("opencode session cannot send message type %s", msg.Type)
	}

	parts := make([]opencodePart, 0, len(msg.Blocks))
	for _, b := range msg.Blocks {
		if b.Type == schema.BlockText {
			parts = append(parts, opencodePart{Type: "text", Text: b.Text})
		}
	}

	s.mu.Lock()
	s.turnOpen = true
	s.turnText = ""
	s.turnModel = ""
	body := opencodePromptBody{Parts: parts, Model: s.modelRef}
	s.mu.Unlock()

	go s.prompt(body)
	return nil
}

func (s *opencodeSession) prompt(body opencodePromptBody) {
	resp, err := s.do(s.ctx, http.MethodPost, "/session/"+s.nativeID+"/message", body)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.failTurn(0, fmt.Sprintf("prompt failed: %v", err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.failTurn(resp.StatusCode, fmt.Sprintf("prompt rejected: %s: %s", resp.Status, bytes.TrimSpace(b)))
		return
	}
	// Completion is signaled by the event stream (session.status idle); the
	// response body duplicates what already streamed.
	_, _ = io.Copy(io.Discard, resp.Body)
}

// Interrupt aborts the in-flight turn server-side.
func (s *opencodeSession) Interrupt(ctx context.Context) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	resp, err := s.do(ctx, http.MethodPost, "/session/"+s.nativeID+"/abort", map[string]any{})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("abort: %s", resp.Status)
	}
	return nil
}

// SetModel switches the model used for subsequent turns. Models are addressed
// as providerID/modelID.
func (s *opencodeSession) SetModel(ctx context.Context, model string) error {
	ref := splitModelRef(model)
	if ref == nil {
		return fmt.Errorf("opencode models are addressed as provider/model, got %q", model)
	}
	s.mu.Lock()
	s.modelRef = ref
	s.mu.Unlock()
	return nil
}

// SetPermissionMode is not supported: opencode approval flows per request.
func (s *opencodeSession) SetPermissionMode(ctx context.Context, mode string) error {
	return fmt.Errorf("opencode has no permission modes")
}

// RespondPermission answers a pending permission.updated request.
func (s *opencodeSession) RespondPermission(ctx context.Context, resp schema.PermissionResponse) error {
	reply := opencodePermissionReply{Response: "reject"}
	if resp.Behavior == schema.PermissionAllow {
		reply.Response = "once"
	}
	r, err := s.do(ctx, http.MethodPost, "/session/"+s.nativeID+"/permissions/"+resp.RequestID, reply)
	if err != nil {
		return err
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusOK {
		return fmt.Errorf("permission reply: %s", r.Status)
	}
	return nil
}

// Close shuts the event stream, stops the spawned server, and closes the
// message channel. Idempotent.
func (s *opencodeSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
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

// do issues one JSON request against the server.
func (s *opencodeSession) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", path, err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, payload)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.httpc.Do(req)
}

// eventLoop holds the SSE subscription open for the session's lifetime,
// reconnecting with exponential backoff when the stream drops.
func (s *opencodeSession) eventLoop() {
	for {
		stream, err := backoff.Retry(s.ctx, s.subscribe,
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithNotify(func(err error, d time.Duration) {
				s.logger.Warn("event stream unavailable, retrying", "error", err, "delay", d)
			}),
		)
		if err != nil {
			return // closed, or the server is gone for good
		}
		s.readEvents(stream)
		_ = stream.Close()

		select {
		case <-s.ctx.Done():
			return
		default:
			s.logger.Warn("event stream ended, reconnecting")
		}
	}
}

func (s *opencodeSession) subscribe() (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.base+"/event", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("event stream: %s", resp.Status)
	}
	return resp.Body, nil
}

// readEvents splits the SSE stream into events: CR stripped, data: lines
// accumulated, blank line dispatches. Lines are capped at 10 MiB.
func (s *opencodeSession) readEvents(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), sseMaxLine)

	var data strings.Builder
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if data.Len() > 0 {
				s.handleEvent(data.String())
				data.Reset()
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(rest))
		}
		// event:/id:/retry: fields and comments carry nothing opencode uses.
	}
	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		s.logger.Warn("event stream read failed", "error", err)
	}
}

// handleEvent translates one SSE payload. Total: unparseable or unknown
// events become stream_event fallbacks; foreign-session events are dropped.
func (s *opencodeSession) handleEvent(data string) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		s.logger.Warn("unparseable event", "error", err)
		s.emit(fallbackStreamEvent([]byte(data)))
		return
	}
	eventType, _ := raw["type"].(string)
	props, _ := raw["properties"].(map[string]any)

	if sid := eventSessionID(props); sid != "" && sid != s.nativeID {
		return
	}

	switch eventType {
	case "message.updated":
		// Metadata-only; captures which model is producing this turn.
		info, _ := props["info"].(map[string]any)
		if role, _ := info["role"].(string); role == "assistant" {
			provider, _ := info["providerID"].(string)
			model, _ := info["modelID"].(string)
			if model != "" {
				s.mu.Lock()
				s.turnModel = strings.TrimPrefix(provider+"/"+model, "/")
				s.mu.Unlock()
			}
		}

	case "message.part.updated":
		s.handlePartUpdated(props, raw)

	case "session.status":
		status, _ := props["status"].(map[string]any)
		statusType, _ := status["type"].(string)
		if statusType == "idle" {
			s.finishTurn()
			return
		}
		out := &schema.Message{Type: schema.TypeSystem, Role: schema.RoleSystem, Timestamp: time.Now()}
		out.WithMeta("subtype", "status")
		out.WithMeta("status", statusType)
		s.emit(out)

	case "session.error":
		text := data
		if errObj, ok := props["error"]; ok {
			if b, err := json.Marshal(errObj); err == nil {
				text = string(b)
			}
		}
		s.failTurn(0, text)

	case "permission.updated":
		id, _ := props["id"].(string)
		if id == "" {
			return
		}
		tool, _ := props["type"].(string)
		if title, _ := props["title"].(string); title != "" {
			tool = title
		}
		out := &schema.Message{Type: schema.TypePermissionRequest, Role: schema.RoleSystem, Timestamp: time.Now()}
		out.WithMeta("request_id", id)
		out.WithMeta("tool", tool)
		if meta, ok := props["metadata"]; ok {
			if b, err := json.Marshal(meta); err == nil {
				out.WithMeta("input", json.RawMessage(b))
			}
		}
		s.emit(out)

	case "session.idle", "server.connected", "server.heartbeat":
		// Transport noise; session.status already signals idle.

	default:
		s.emit(fallbackStreamEvent([]byte(data)))
	}
}

func (s *opencodeSession) handlePartUpdated(props map[string]any, raw map[string]any) {
	part, _ := props["part"].(map[string]any)
	partType, _ := part["type"].(string)

	switch partType {
	case "text":
		if delta, _ := props["delta"].(string); delta != "" {
			s.mu.Lock()
			s.turnText += delta
			s.mu.Unlock()
			out := &schema.Message{Type: schema.TypeStreamEvent, Role: schema.RoleAssistant, Timestamp: time.Now()}
			out.WithMeta("delta", delta)
			s.emit(out)
			return
		}
		// Consolidated full text; replaces whatever deltas accumulated.
		if full, _ := part["text"].(string); full != "" {
			s.mu.Lock()
			s.turnText = full
			s.mu.Unlock()
		}

	case "tool-invocation":
		id, _ := part["id"].(string)
		name, _ := part["toolName"].(string)
		var input json.RawMessage
		if args, ok := part["args"]; ok {
			if b, err := json.Marshal(args); err == nil {
				input = b
			}
		}
		out := &schema.Message{
			Type:      schema.TypeAssistant,
			Role:      schema.RoleAssistant,
			Blocks:    []schema.Block{schema.ToolUseBlock(id, name, input)},
			Timestamp: time.Now(),
		}
		out.WithMeta("tool_status", "running")
		s.emit(out)

	case "tool-result":
		id, _ := part["id"].(string)
		isError, _ := part["isError"].(bool)
		var content json.RawMessage
		if result, ok := part["result"]; ok {
			if b, err := json.Marshal(result); err == nil {
				content = b
			}
		}
		out := &schema.Message{Type: schema.TypeSystem, Role: schema.RoleSystem, Timestamp: time.Now()}
		out.WithMeta("subtype", "tool_call_update")
		out.WithMeta("tool_call_id", id)
		if len(content) > 0 || isError {
			out.Blocks = []schema.Block{schema.ToolResultBlock(id, content, isError)}
		}
		s.emit(out)

	case "step-start", "step-finish", "reasoning":
		out := &schema.Message{Type: schema.TypeStreamEvent, Role: schema.RoleAssistant, Timestamp: time.Now()}
		out.WithMeta("subtype", partType)
		s.emit(out)

	default:
		if b, err := json.Marshal(raw); err == nil {
			s.emit(fallbackStreamEvent(b))
		}
	}
}

// finishTurn emits the assembled assistant message and the result frame when
// a turn was actually open; idle signals outside a turn are ignored.
func (s *opencodeSession) finishTurn() {
	s.mu.Lock()
	if !s.turnOpen {
		s.mu.Unlock()
		return
	}
	s.turnOpen = false
	text := s.turnText
	model := s.turnModel
	s.turnText = ""
	s.mu.Unlock()

	if text != "" {
		am := schema.NewTextMessage("", schema.TypeAssistant, schema.RoleAssistant, text)
		if model != "" {
			am.WithMeta("model", model)
		}
		s.emit(&am)
	}
	result := schema.Message{Type: schema.TypeResult, Role: schema.RoleSystem, Timestamp: time.Now()}
	result.WithMeta("subtype", "success")
	s.emit(&result)
}

// failTurn surfaces a backend failure and closes the turn with an error
// result.
func (s *opencodeSession) failTurn(code int, text string) {
	s.mu.Lock()
	s.turnOpen = false
	s.turnText = ""
	s.mu.Unlock()

	kind := classifyBackendError(code, text)
	em := schema.NewErrorMessage("", kind, text)
	s.emit(&em)

	result := schema.Message{Type: schema.TypeResult, Role: schema.RoleSystem, Timestamp: time.Now()}
	result.WithMeta("subtype", "error")
	result.WithMeta("is_error", true)
	s.emit(&result)
	s.logger.Warn("turn failed", "error", text, "kind", string(kind))
}

func (s *opencodeSession) emit(m *schema.Message) {
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

func (s *opencodeSession) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Debug("opencode stderr", "line", scanner.Text())
	}
}

// eventSessionID digs the session id out of the places opencode puts it.
func eventSessionID(props map[string]any) string {
	if sid, ok := props["sessionID"].(string); ok {
		return sid
	}
	if part, ok := props["part"].(map[string]any); ok {
		if sid, ok := part["sessionID"].(string); ok {
			return sid
		}
	}
	if info, ok := props["info"].(map[string]any); ok {
		if sid, ok := info["sessionID"].(string); ok {
			return sid
		}
	}
	return ""
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
