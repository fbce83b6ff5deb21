package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/adapter"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Daemon.MaxSessions = 4
	return cfg
}

// fakeBackend is a backend session whose message channel the test controls.
// Close drops the channel, which the runtime reads as the backend vanishing.
type fakeBackend struct {
	msgs chan *schema.Message

	mu     sync.Mutex
	sent   []*schema.Message
	closed bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{msgs: make(chan *schema.Message, 8)}
}

func (f *fakeBackend) Send(ctx context.Context, msg *schema.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeBackend) Messages() <-chan *schema.Message { return f.msgs }

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.msgs)
	}
	return nil
}

func (f *fakeBackend) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeAdapter connects fake backends and records every call. It also accepts
// dial-in sockets so the adoption path is testable without a CLI.
type fakeAdapter struct {
	kind schema.AdapterKind

	mu       sync.Mutex
	connects int
	wraps    []string
	backends []*fakeBackend
}

func (f *fakeAdapter) Name() schema.AdapterKind { return f.kind }

func (f *fakeAdapter) Capabilities() schema.Capabilities {
	return schema.Capabilities{Streaming: true}
}

func (f *fakeAdapter) Connect(ctx context.Context, req adapter.ConnectRequest) (adapter.BackendSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	be := newFakeBackend()
	f.backends = append(f.backends, be)
	return be, nil
}

func (f *fakeAdapter) WrapSocketSession(sessionID string, sock *adapter.BackendSocket) adapter.BackendSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wraps = append(f.wraps, sessionID)
	be := newFakeBackend()
	f.backends = append(f.backends, be)
	return be
}

func (f *fakeAdapter) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeAdapter) wrapped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.wraps...)
}

func (f *fakeAdapter) lastBackend() *fakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.backends) == 0 {
		return nil
	}
	return f.backends[len(f.backends)-1]
}

func newTestBroker(t *testing.T, cfg *config.Config, fakes ...*fakeAdapter) *Broker {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	b := New(Params{Config: cfg, Logger: testLogger(), Bus: eventbus.New()})
	for _, f := range fakes {
		b.registry.Register(f)
	}
	t.Cleanup(func() {
		b.repo.CloseAll("test over")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.launcher.Close(ctx)
		b.logRing.Close()
	})
	return b
}

func waitState(t *testing.T, rt *session.Runtime, want schema.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rt.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", rt.State(), want)
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func watchdogEvent(t *testing.T, sessionID string, state schema.State, kind schema.AdapterKind) eventbus.Event {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"session_id": sessionID,
		"state":      state,
		"adapter":    kind,
	})
	if err != nil {
		t.Fatalf("marshal watchdog event: %v", err)
	}
	return eventbus.Event{Type: eventbus.PolicyWatchdog, Data: data}
}

func TestCreateSessionUsesDefaultAdapter(t *testing.T) {
	cfg := testConfig()
	cfg.Adapters.Default = string(schema.AdapterACP)
	f := &fakeAdapter{kind: schema.AdapterACP}
	b := newTestBroker(t, cfg, f)

	rt, err := b.CreateSession(CreateRequest{Cwd: "/work"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rt.Kind() != schema.AdapterACP {
		t.Errorf("kind = %s, want acp", rt.Kind())
	}
	waitState(t, rt, schema.StateAwaitingBackend)
	if f.connectCount() != 1 {
		t.Errorf("connects = %d, want 1", f.connectCount())
	}
	if got, ok := b.Session(rt.ID()); !ok || got != rt {
		t.Error("created session not retrievable")
	}
}

func TestCreateSessionRejectsBadAdapters(t *testing.T) {
	b := newTestBroker(t, nil, &fakeAdapter{kind: schema.AdapterACP})

	if _, err := b.CreateSession(CreateRequest{Adapter: "carrier-pigeon"}); err == nil {
		t.Error("unknown adapter accepted")
	}
	if _, err := b.CreateSession(CreateRequest{}); err == nil || !strings.Contains(err.Error(), "no adapter") {
		t.Errorf("empty request = %v, want no-adapter error", err)
	}
}

func TestCloseSessionTearsDownBackend(t *testing.T) {
	f := &fakeAdapter{kind: schema.AdapterACP}
	b := newTestBroker(t, nil, f)

	rt, err := b.CreateSession(CreateRequest{Adapter: string(schema.AdapterACP)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitState(t, rt, schema.StateAwaitingBackend)

	if err := b.CloseSession(rt.ID(), "operator request"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := b.Session(rt.ID()); ok {
		t.Error("closed session still listed")
	}
	waitUntil(t, f.lastBackend().isClosed, "backend teardown")

	if err := b.CloseSession("s-missing", ""); err == nil {
		t.Error("closing unknown session should fail")
	}
}

func TestDeliverBackendResolvesPendingSlot(t *testing.T) {
	b := newTestBroker(t, nil, &fakeAdapter{kind: schema.AdapterClaudeSocket})

	if err := b.sockets.Register("s-slot"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := b.DeliverBackend("s-slot", &adapter.BackendSocket{}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if b.sockets.Pending("s-slot") {
		t.Error("slot still pending after delivery")
	}
}

func TestDeliverBackendAdoptsOrphanSocket(t *testing.T) {
	f := &fakeAdapter{kind: schema.AdapterClaudeSocket}
	b := newTestBroker(t, nil, f)

	rt, err := b.CreateSession(CreateRequest{Adapter: string(schema.AdapterClaudeSocket)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitState(t, rt, schema.StateAwaitingBackend)

	// The backend drops; the session degrades with no delivery slot open.
	f.lastBackend().Close()
	waitState(t, rt, schema.StateDegraded)

	if err := b.DeliverBackend(rt.ID(), &adapter.BackendSocket{}); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	waitState(t, rt, schema.StateAwaitingBackend)
	if wraps := f.wrapped(); len(wraps) != 1 || wraps[0] != rt.ID() {
		t.Errorf("wrapped sessions = %v", wraps)
	}
}

func TestDeliverBackendRefusesStragglers(t *testing.T) {
	f := &fakeAdapter{kind: schema.AdapterClaudeSocket}
	b := newTestBroker(t, nil, f)

	if err := b.DeliverBackend("s-missing", &adapter.BackendSocket{}); err == nil {
		t.Error("socket for unknown session accepted")
	}

	rt, err := b.CreateSession(CreateRequest{Adapter: string(schema.AdapterClaudeSocket)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitState(t, rt, schema.StateAwaitingBackend)

	// A healthy session keeps the backend it has.
	if err := b.DeliverBackend(rt.ID(), &adapter.BackendSocket{}); err == nil {
		t.Error("socket for a session with a live backend accepted")
	}
	if f.wrapped() != nil {
		t.Errorf("wrapped sessions = %v, want none", f.wrapped())
	}
}

func TestWatchdogReconnectsDegradedSession(t *testing.T) {
	f := &fakeAdapter{kind: schema.AdapterACP}
	b := newTestBroker(t, nil, f)

	rt, err := b.CreateSession(CreateRequest{Adapter: string(schema.AdapterACP)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitState(t, rt, schema.StateAwaitingBackend)
	f.lastBackend().Close()
	waitState(t, rt, schema.StateDegraded)

	b.handleWatchdog(watchdogEvent(t, rt.ID(), schema.StateDegraded, schema.AdapterACP))
	waitState(t, rt, schema.StateAwaitingBackend)
	if f.connectCount() != 2 {
		t.Errorf("connects = %d, want 2", f.connectCount())
	}
}

func TestWatchdogIgnoresUnknownSessions(t *testing.T) {
	b := newTestBroker(t, nil, &fakeAdapter{kind: schema.AdapterACP})
	// Must not panic or spawn anything.
	b.handleWatchdog(watchdogEvent(t, "s-gone", schema.StateDegraded, schema.AdapterACP))
	if live := b.launcher.Live(); live != 0 {
		t.Errorf("live processes = %d, want 0", live)
	}
}

func TestRunLifecycle(t *testing.T) {
	f := &fakeAdapter{kind: schema.AdapterACP}
	b := newTestBroker(t, nil, f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	rt, err := b.CreateSession(CreateRequest{Adapter: string(schema.AdapterACP)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitState(t, rt, schema.StateAwaitingBackend)

	// Closing the runtime directly exercises the event loop's cleanup: the
	// closed event must drop the session from the repository.
	if err := rt.Close("finished"); err != nil {
		t.Fatalf("runtime close: %v", err)
	}
	waitUntil(t, func() bool { _, ok := b.Session(rt.ID()); return !ok }, "session removal")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not shut down")
	}
}

func TestStateProviderSurface(t *testing.T) {
	f := &fakeAdapter{kind: schema.AdapterACP}
	b := newTestBroker(t, nil, f)

	st := b.Status()
	if st.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", st.PID, os.Getpid())
	}
	if st.MaxSessions != 4 || st.Sessions != 0 {
		t.Errorf("sessions = %d/%d, want 0/4", st.Sessions, st.MaxSessions)
	}
	if st.Storage != "memory" {
		t.Errorf("storage = %q", st.Storage)
	}
	if len(st.Adapters) != 1 || st.Adapters[0] != "acp" {
		t.Errorf("adapters = %v", st.Adapters)
	}

	rt, err := b.CreateSession(CreateRequest{Adapter: string(schema.AdapterACP)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitState(t, rt, schema.StateAwaitingBackend)
	if got := b.Sessions(); len(got) != 1 || got[0].ID != rt.ID() {
		t.Errorf("sessions = %+v", got)
	}

	b.bus.PublishType(eventbus.LogEntry, map[string]any{"msg": "daemon ready"})
	waitUntil(t, func() bool { return len(b.Logs(10)) > 0 }, "log ring capture")
}
