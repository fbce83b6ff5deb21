package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/pkg/schema"
)

// fakeOpencodeServer stands in for `opencode serve`: session CRUD over JSON,
// events over one long-lived SSE response.
type fakeOpencodeServer struct {
	t   *testing.T
	srv *httptest.Server

	events chan string

	mu            sync.Mutex
	created       int
	knownSessions map[string]bool
	prompts       []opencodePromptBody
	promptStatus  int
	promptError   string
	aborts        int
	permissions   map[string]string
}

func newFakeOpencodeServer(t *testing.T) *fakeOpencodeServer {
	t.Helper()
	f := &fakeOpencodeServer{
		t:             t,
		events:        make(chan string),
		knownSessions: map[string]bool{},
		promptStatus:  http.StatusOK,
		permissions:   map[string]string{},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOpencodeServer) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/session":
		f.mu.Lock()
		f.created++
		f.mu.Unlock()
		fmt.Fprint(w, `{"id":"oc-1"}`)

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/session/"):
		id := strings.TrimPrefix(r.URL.Path, "/session/")
		f.mu.Lock()
		known := f.knownSessions[id]
		f.mu.Unlock()
		if !known {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"id":%q}`, id)

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/message"):
		var body opencodePromptBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.prompts = append(f.prompts, body)
		status, msg := f.promptStatus, f.promptError
		f.mu.Unlock()
		if status != http.StatusOK {
			http.Error(w, msg, status)
			return
		}
		fmt.Fprint(w, `{}`)

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/abort"):
		f.mu.Lock()
		f.aborts++
		f.mu.Unlock()
		fmt.Fprint(w, `{}`)

	case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/permissions/"):
		permID := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		var reply opencodePermissionReply
		if err := json.NewDecoder(r.Body).Decode(&reply); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.permissions[permID] = reply.Response
		f.mu.Unlock()
		fmt.Fprint(w, `{}`)

	case r.Method == http.MethodGet && r.URL.Path == "/event":
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fl.Flush()
		for {
			select {
			case payload, ok := <-f.events:
				if !ok {
					return
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				fl.Flush()
			case <-r.Context().Done():
				return
			}
		}

	default:
		http.NotFound(w, r)
	}
}

// push delivers one event to the connected SSE subscriber; it blocks until the
// stream handler picks it up, so events can never be lost before subscription.
func (f *fakeOpencodeServer) push(t *testing.T, event map[string]any) {
	t.Helper()
	b, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	select {
	case f.events <- string(b):
	case <-time.After(2 * time.Second):
		t.Fatal("no event stream subscriber picked up the event")
	}
}

func (f *fakeOpencodeServer) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeOpencodeServer) lastPrompt() opencodePromptBody {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[len(f.prompts)-1]
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectOpencode(t *testing.T, f *fakeOpencodeServer, req ConnectRequest) *opencodeSession {
	t.Helper()
	a := NewOpencode(config.OpencodeOptions{BaseURL: f.srv.URL}, testLogger())
	if req.SessionID == "" {
		req.SessionID = "s-1"
	}
	sess, err := a.Connect(context.Background(), req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	s := sess.(*opencodeSession)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpencodeConnectCreatesSession(t *testing.T) {
	f := newFakeOpencodeServer(t)
	s := connectOpencode(t, f, ConnectRequest{})
	if s.nativeID != "oc-1" {
		t.Errorf("nativeID = %q, want oc-1", s.nativeID)
	}
	f.mu.Lock()
	created := f.created
	f.mu.Unlock()
	if created != 1 {
		t.Errorf("sessions created = %d, want 1", created)
	}
}

func TestOpencodeResumeAdoptsExistingSession(t *testing.T) {
	f := newFakeOpencodeServer(t)
	f.knownSessions["oc-77"] = true

	s := connectOpencode(t, f, ConnectRequest{Resume: "oc-77"})
	if s.nativeID != "oc-77" {
		t.Errorf("nativeID = %q, want oc-77", s.nativeID)
	}
	f.mu.Lock()
	created := f.created
	f.mu.Unlock()
	if created != 0 {
		t.Errorf("sessions created = %d, want 0", created)
	}
}

func TestOpencodeResumeFallsBackWhenMissing(t *testing.T) {
	f := newFakeOpencodeServer(t)
	s := connectOpencode(t, f, ConnectRequest{Resume: "oc-gone"})
	if s.nativeID != "oc-1" {
		t.Errorf("nativeID = %q, want oc-1", s.nativeID)
	}
}

func TestOpencodeTurnStreamsAndFinishes(t *testing.T) {
	f := newFakeOpencodeServer(t)
	s := connectOpencode(t, f, ConnectRequest{Model: "anthropic/claude-sonnet"})

	sendUser(t, s, "hello")
	waitUntil(t, "prompt POST", func() bool { return f.promptCount() == 1 })

	prompt := f.lastPrompt()
	if len(prompt.Parts) != 1 || prompt.Parts[0].Text != "hello" {
		t.Errorf("prompt parts = %+v", prompt.Parts)
	}
	if prompt.Model == nil || prompt.Model.ProviderID != "anthropic" || prompt.Model.ModelID != "claude-sonnet" {
		t.Errorf("prompt model = %+v", prompt.Model)
	}

	f.push(t, map[string]any{
		"type": "message.updated",
		"properties": map[string]any{
			"info": map[string]any{
				"sessionID": "oc-1", "role": "assistant",
				"providerID": "anthropic", "modelID": "claude-sonnet",
			},
		},
	})
	f.push(t, map[string]any{
		"type": "message.part.updated",
		"properties": map[string]any{
			"sessionID": "oc-1", "delta": "Hel",
			"part": map[string]any{"type": "text"},
		},
	})
	f.push(t, map[string]any{
		"type": "message.part.updated",
		"properties": map[string]any{
			"sessionID": "oc-1", "delta": "lo",
			"part": map[string]any{"type": "text"},
		},
	})
	f.push(t, map[string]any{
		"type": "session.status",
		"properties": map[string]any{
			"sessionID": "oc-1",
			"status":    map[string]any{"type": "idle"},
		},
	})

	if m := nextMessage(t, s.Messages()); m.Type != schema.TypeStreamEvent || m.MetaString("delta") != "Hel" {
		t.Errorf("first delta = %+v", m)
	}
	if m := nextMessage(t, s.Messages()); m.MetaString("delta") != "lo" {
		t.Errorf("second delta = %+v", m)
	}
	am := nextMessage(t, s.Messages())
	if am.Type != schema.TypeAssistant || am.Text() != "Hello" {
		t.Errorf("assistant = %+v", am)
	}
	if am.MetaString("model") != "anthropic/claude-sonnet" {
		t.Errorf("model = %q", am.MetaString("model"))
	}
	res := nextMessage(t, s.Messages())
	if res.Type != schema.TypeResult || res.MetaString("subtype") != "success" {
		t.Errorf("result = %+v", res)
	}
}

func TestOpencodeDropsForeignSessionEvents(t *testing.T) {
	f := newFakeOpencodeServer(t)
	s := connectOpencode(t, f, ConnectRequest{})

	sendUser(t, s, "hi")
	waitUntil(t, "prompt POST", func() bool { return f.promptCount() == 1 })

	f.push(t, map[string]any{
		"type": "message.part.updated",
		"properties": map[string]any{
			"sessionID": "someone-else", "delta": "not yours",
			"part": map[string]any{"type": "text"},
		},
	})
	f.push(t, map[string]any{
		"type": "message.part.updated",
		"properties": map[string]any{
			"sessionID": "oc-1", "delta": "mine",
			"part": map[string]any{"type": "text"},
		},
	})
	f.push(t, map[string]any{
		"type":       "session.status",
		"properties": map[string]any{"sessionID": "oc-1", "status": map[string]any{"type": "idle"}},
	})

	if m := nextMessage(t, s.Messages()); m.MetaString("delta") != "mine" {
		t.Errorf("first message = %+v, want the oc-1 delta", m)
	}
	if m := nextMessage(t, s.Messages()); m.Type != schema.TypeAssistant || m.Text() != "mine" {
		t.Errorf("assistant = %+v", m)
	}
	nextMessage(t, s.Messages()) // result
}

func TestOpencodeToolEventsTranslate(t *testing.T) {
	f := newFakeOpencodeServer(t)
	s := connectOpencode(t, f, ConnectRequest{})

	f.push(t, map[string]any{
		"type": "message.part.updated",
		"properties": map[string]any{
			"sessionID": "oc-1",
			"part": map[string]any{
				"type": "tool-invocation", "id": "call-1",
				"toolName": "bash", "args": map[string]any{"command": "ls"},
			},
		},
	})
	f.push(t, map[string]any{
		"type": "message.part.updated",
		"properties": map[string]any{
			"sessionID": "oc-1",
			"part": map[string]any{
				"type": "tool-result", "id": "call-1",
				"result": "main.go", "isError": false,
			},
		},
	})

	use := nextMessage(t, s.Messages())
	if use.Type != schema.TypeAssistant || len(use.Blocks) != 1 || use.Blocks[0].Name != "bash" {
		t.Errorf("tool use = %+v", use)
	}
	if use.MetaString("tool_status") != "running" {
		t.Errorf("tool_status = %q", use.MetaString("tool_status"))
	}

	result := nextMessage(t, s.Messages())
	if result.Type != schema.TypeSystem || result.MetaString("subtype") != "tool_call_update" {
		t.Errorf("tool result = %+v", result)
	}
	if len(result.Blocks) != 1 || result.Blocks[0].Type != schema.BlockToolResult {
		t.Errorf("tool result blocks = %+v", result.Blocks)
	}
}

func TestOpencodeSessionErrorFailsTurn(t *testing.T) {
	f := newFakeOpencodeServer(t)
	s := connectOpencode(t, f, ConnectRequest{})

	sendUser(t, s, "hi")
	waitUntil(t, "prompt POST", func() bool { return f.promptCount() == 1 })

	f.push(t, map[string]any{
		"type": "session.error",
		"properties": map[string]any{
			"sessionID": "oc-1",
			"error": map[string]any{
				"name": "ProviderAuthError",
				"data": map[string]any{"message": "unauthorized: bad api key"},
			},
		},
	})

	em := nextMessage(t, s.Messages())
	if em.Type != schema.TypeError || em.MetaString("error_code") != string(schema.ErrorKindProviderAuth) {
		t.Errorf("error = %+v", em)
	}
	res := nextMessage(t, s.Messages())
	if res.MetaString("subtype") != "error" {
		t.Errorf("result = %+v", res)
	}
}

func TestOpencodePromptRejectionFailsTurn(t *testing.T) {
	f := newFakeOpencodeServer(t)
	f.promptStatus = http.StatusTooManyRequests
	f.promptError = "rate limited"
	s := connectOpencode(t, f, ConnectRequest{})

	sendUser(t, s, "hi")
	em := nextMessage(t, s.Messages())
	if em.Type != schema.TypeError || em.MetaString("error_code") != string(schema.ErrorKindRateLimit) {
		t.Errorf("error = %+v", em)
	}
}

func TestOpencodeInterruptPostsAbort(t *testing.T) {
	f := newFakeOpencodeServer(t)
	s := connectOpencode(t, f, ConnectRequest{})

	if err := s.Interrupt(context.Background()); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	f.mu.Lock()
	aborts := f.aborts
	f.mu.Unlock()
	if aborts != 1 {
		t.Errorf("aborts = %d, want 1", aborts)
	}
}

func TestOpencodePermissionFlow(t *testing.T) {
	f := newFakeOpencodeServer(t)
	s := connectOpencode(t, f, ConnectRequest{})

	f.push(t, map[string]any{
		"type": "permission.updated",
		"properties": map[string]any{
			"sessionID": "oc-1", "id": "perm-9",
			"type": "bash", "title": "Run ls",
			"metadata": map[string]any{"command": "ls"},
		},
	})

	pm := nextMessage(t, s.Messages())
	if pm.Type != schema.TypePermissionRequest {
		t.Fatalf("message = %+v", pm)
	}
	if pm.MetaString("request_id") != "perm-9" || pm.MetaString("tool") != "Run ls" {
		t.Errorf("permission meta = %+v", pm.Metadata)
	}

	err := s.RespondPermission(context.Background(), schema.PermissionResponse{
		RequestID: "perm-9", Behavior: schema.PermissionAllow,
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	f.mu.Lock()
	got := f.permissions["perm-9"]
	f.mu.Unlock()
	if got != "once" {
		t.Errorf("permission reply = %q, want once", got)
	}

	err = s.RespondPermission(context.Background(), schema.PermissionResponse{
		RequestID: "perm-9", Behavior: schema.PermissionDeny,
	})
	if err != nil {
		t.Fatalf("respond deny: %v", err)
	}
	f.mu.Lock()
	got = f.permissions["perm-9"]
	f.mu.Unlock()
	if got != "reject" {
		t.Errorf("deny reply = %q, want reject", got)
	}
}

func TestOpencodeSetModelValidates(t *testing.T) {
	f := newFakeOpencodeServer(t)
	s := connectOpencode(t, f, ConnectRequest{})

	if err := s.SetModel(context.Background(), "nodash"); err == nil {
		t.Error("bare model name should be rejected")
	}
	if err := s.SetModel(context.Background(), "openai/gpt-5"); err != nil {
		t.Fatalf("set model: %v", err)
	}

	sendUser(t, s, "hi")
	waitUntil(t, "prompt POST", func() bool { return f.promptCount() == 1 })
	prompt := f.lastPrompt()
	if prompt.Model == nil || prompt.Model.ProviderID != "openai" || prompt.Model.ModelID != "gpt-5" {
		t.Errorf("prompt model = %+v", prompt.Model)
	}
}

func TestOpencodeCloseShutsChannel(t *testing.T) {
	f := newFakeOpencodeServer(t)
	s := connectOpencode(t, f, ConnectRequest{})

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case _, ok := <-s.Messages():
		if ok {
			t.Error("unexpected message after close")
		}
	case <-time.After(2 * time.Second):
		t.Error("message channel did not close")
	}
	msg := schema.NewTextMessage("", schema.TypeUser, schema.RoleUser, "hi")
	if err := s.Send(context.Background(), &msg); err != ErrSessionClosed {
		t.Errorf("Send after close = %v, want ErrSessionClosed", err)
	}
}

func TestSplitModelRef(t *testing.T) {
	tests := []struct {
		in       string
		provider string
		model    string
	}{
		{"anthropic/claude-sonnet", "anthropic", "claude-sonnet"},
		{"a/b/c", "a", "b/c"},
		{"noslash", "", ""},
		{"/model", "", ""},
		{"provider/", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		ref := splitModelRef(tt.in)
		if tt.provider == "" {
			if ref != nil {
				t.Errorf("splitModelRef(%q) = %+v, want nil", tt.in, ref)
			}
			continue
		}
		if ref == nil || ref.ProviderID != tt.provider || ref.ModelID != tt.model {
			t.Errorf("splitModelRef(%q) = %+v, want %s/%s", tt.in, ref, tt.provider, tt.model)
		}
	}
}

func TestOpencodeSSEFraming(t *testing.T) {
	s := &opencodeSession{
		nativeID: "oc-1",
		logger:   testLogger(),
		msgs:     make(chan *schema.Message, messageBuffer),
		ctx:      context.Background(),
		closed:   make(chan struct{}),
	}

	stream := "data: {\"type\":\"session.status\",\"properties\":{\"sessionID\":\"oc-1\",\"status\":{\"type\":\"busy\"}}}\r\n" +
		"\r\n" +
		"event: ignored\n" +
		"data: first line\n" +
		"data: second line\n" +
		"\n" +
		"data: {\"type\":\"session.idle\"}\n" +
		"\n"
	s.readEvents(strings.NewReader(stream))

	status := nextMessage(t, s.msgs)
	if status.Type != schema.TypeSystem || status.MetaString("status") != "busy" {
		t.Errorf("status event = %+v", status)
	}

	// Multi-line data is joined with a newline; it is not JSON, so it falls
	// back to a raw stream event.
	fallback := nextMessage(t, s.msgs)
	if fallback.Type != schema.TypeStreamEvent {
		t.Fatalf("fallback = %+v", fallback)
	}
	raw, _ := fallback.Meta("raw").(json.RawMessage)
	if string(raw) != "first line\nsecond line" {
		t.Errorf("raw = %q", raw)
	}

	// session.idle is noise; nothing else should have been emitted.
	select {
	case m := <-s.msgs:
		t.Errorf("unexpected extra message: %+v", m)
	default:
	}
}
