// Package broker composes the daemon: it owns the adapter registry, session
// repository, process launcher, and policy engine, and runs the event loop
// that turns policy verdicts into relaunches and session teardown into
// process cleanup. The HTTP server and the control socket both talk to the
// daemon through a Broker.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/adapter"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/ipc"
	"github.com/parley-ai/parley/internal/launcher"
	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/policy"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/pkg/schema"
)

// shutdownTimeout bounds how long Run waits for backend children to exit.
const shutdownTimeout = 10 * time.Second

// Broker wires the daemon together and reacts to bus events.
type Broker struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *eventbus.Bus
	metrics   *metrics.Recorder
	storage   store.SessionStorage
	registry  *adapter.Registry
	sockets   *adapter.SocketRegistry
	launcher  *launcher.Launcher
	repo      *session.Repository
	policies  *policy.Engine
	logRing   *eventbus.LogRing
	claudeTpl launcher.Template
	startedAt time.Time
	version   string
	pidAlive  func(int) bool

	mu     sync.Mutex
	runCtx context.Context
}

// Params configures a Broker. Config is required; nil Logger, Bus, and
// Metrics fall back to defaults, nil Storage disables persistence.
type Params struct {
	Config  *config.Config
	Logger  *slog.Logger
	Bus     *eventbus.Bus
	Metrics *metrics.Recorder
	Storage store.SessionStorage
	Version string
	// PidAlive probes whether a recorded backend pid still runs, for
	// restoring sessions after a daemon restart.
	PidAlive func(int) bool
}

// New builds the broker and registers every configured adapter. Nothing runs
// until Run is called.
func New(p Params) *Broker {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := p.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	version := p.Version
	if version == "" {
		version = "dev"
	}

	b := &Broker{
		cfg:       p.Config,
		logger:    logger.With("component", "broker"),
		bus:       bus,
		metrics:   p.Metrics,
		storage:   p.Storage,
		startedAt: time.Now(),
		version:   version,
		pidAlive:  p.PidAlive,
	}

	b.launcher = launcher.New(launcher.Params{
		Bus:         bus,
		Logger:      logger,
		MaxProcs:    p.Config.Daemon.MaxSessions,
		ProcLogSize: p.Config.Daemon.ProcLogSize,
	})
	b.sockets = adapter.NewSocketRegistry(p.Config.Policies.SocketDeliveryTimeout.Duration)
	b.logRing = eventbus.NewLogRing(bus, p.Config.Daemon.ProcLogSize)

	b.registry = adapter.NewRegistry()
	ac := p.Config.Adapters
	if ac.Claude != nil {
		b.claudeTpl = b.claudeSpec
		b.registry.Register(adapter.NewClaudeSocket(*ac.Claude, b.sockets, b.launcher.Spawner(b.claudeTpl), logger))
	}
	if ac.ClaudeSDK != nil {
		b.registry.Register(adapter.NewClaudeSDK(*ac.ClaudeSDK, nil, logger))
	}
	if ac.ACP != nil {
		b.registry.Register(adapter.NewACP(*ac.ACP, logger))
	}
	if ac.Gemini != nil {
		b.registry.Register(adapter.NewGemini(*ac.Gemini, logger))
	}
	if ac.Opencode != nil {
		b.registry.Register(adapter.NewOpencode(*ac.Opencode, logger))
	}

	b.repo = session.NewRepository(session.RepositoryParams{
		Registry:    b.registry,
		Bus:         bus,
		Storage:     p.Storage,
		Metrics:     p.Metrics,
		Logger:      logger,
		MaxSessions: p.Config.Daemon.MaxSessions,
		HistorySize: p.Config.Daemon.HistorySize,
	})

	b.policies = policy.New(policy.Params{
		Sessions:            b.policyTargets,
		Bus:                 bus,
		Logger:              logger,
		ReconnectGrace:      p.Config.Policies.ReconnectGracePeriod.Duration,
		IdleTimeout:         p.Config.Policies.IdleSessionTimeout.Duration,
		CapabilitiesTimeout: p.Config.Policies.CapabilitiesTimeout.Duration,
		SweepInterval:       p.Config.Policies.SweepInterval.Duration,
		DisconnectDebounce:  p.Config.Policies.DisconnectDebounce.Duration,
	})

	return b
}

// Run starts the policy engine and the event loop, restores persisted
// sessions, and blocks until ctx is canceled. Shutdown closes every session
// and stops every backend child.
func (b *Broker) Run(ctx context.Context) error {
	b.mu.Lock()
	b.runCtx = ctx
	b.mu.Unlock()

	events := b.bus.Subscribe(eventbus.SessionClosed, eventbus.PolicyWatchdog)
	go b.eventLoop(events)
	go b.policies.Run(ctx)

	if restored, err := b.repo.Restore(ctx, b.pidAlive); err != nil {
		b.logger.Warn("session restore failed", "error", err)
	} else if restored > 0 {
		b.logger.Info("sessions restored", "count", restored)
	}

	b.logger.Info("broker running",
		"adapters", b.adapterNames(),
		"max_sessions", b.cfg.Daemon.MaxSessions,
		"storage", b.cfg.Storage.Backend)

	<-ctx.Done()

	b.logger.Info("broker shutting down")
	b.repo.CloseAll("daemon shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.launcher.Close(shutCtx); err != nil {
		b.logger.Warn("launcher close", "error", err)
	}
	b.bus.Unsubscribe(events)
	b.logRing.Close()
	return nil
}

// CreateRequest carries the externally supplied parameters for a new session.
type CreateRequest struct {
	Adapter string `json:"adapterName,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
	Model   string `json:"model,omitempty"`
	Resume  string `json:"resume,omitempty"`
}

// CreateSession registers a new session and starts its backend connect. The
// returned runtime is in starting state; consumers attach while the backend
// comes up.
func (b *Broker) CreateSession(req CreateRequest) (*session.Runtime, error) {
	name := req.Adapter
	if name == "" {
		name = b.cfg.Adapters.Default
	}
	if name == "" {
		return nil, fmt.Errorf("no adapter requested and no default configured")
	}
	kind := schema.AdapterKind(name)
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown adapter: %s", name)
	}
	rt, err := b.repo.Create(session.CreateRequest{
		Adapter: kind,
		Cwd:     req.Cwd,
		Model:   req.Model,
		Resume:  req.Resume,
	})
	if err != nil {
		return nil, err
	}
	rt.Connect()
	return rt, nil
}

// Session returns a live session by id.
func (b *Broker) Session(id string) (*session.Runtime, bool) {
	return b.repo.Get(id)
}

// CloseSession terminates one session. The backend child is released by the
// event loop when the session's closed event lands.
func (b *Broker) CloseSession(id, reason string) error {
	if reason == "" {
		reason = "closed by request"
	}
	return b.repo.Close(id, reason)
}

// DeliverBackend routes a backend socket that just dialed the gateway. The
// common case hands it to the adapter Connect awaiting delivery; a socket
// arriving outside any window is adopted when its session still wants a
// backend, which is how orphaned CLIs find their way home after a daemon
// restart. The caller closes the socket on error.
func (b *Broker) DeliverBackend(sessionID string, sock *adapter.BackendSocket) error {
	if b.sockets.Deliver(sessionID, sock) {
		return nil
	}
	rt, ok := b.repo.Get(sessionID)
	if !ok {
		return fmt.Errorf("no session for backend socket: %s", sessionID)
	}
	switch st := rt.State(); st {
	case schema.StateStarting, schema.StateDegraded:
	default:
		return fmt.Errorf("session %s is not waiting for a backend (state %s)", sessionID, st)
	}
	ad, err := b.registry.Get(rt.Kind())
	if err != nil {
		return err
	}
	wrapper, ok := ad.(interface {
		WrapSocketSession(string, *adapter.BackendSocket) adapter.BackendSession
	})
	if !ok {
		return fmt.Errorf("adapter %s does not accept dial-in sockets", rt.Kind())
	}
	sess := wrapper.WrapSocketSession(sessionID, sock)
	if err := rt.BindBackend(sess); err != nil {
		_ = sess.Close()
		return err
	}
	b.logger.Info("backend socket adopted", "session_id", sessionID)
	return nil
}

// Bus returns the daemon event bus.
func (b *Broker) Bus() *eventbus.Bus { return b.bus }

// Metrics returns the recorder, nil when collection is disabled.
func (b *Broker) Metrics() *metrics.Recorder { return b.metrics }

// Processes lists the launcher's backend children.
func (b *Broker) Processes() []launcher.ProcessInfo { return b.launcher.Processes() }

// ProcessLogs returns the tail of one session's captured child output.
func (b *Broker) ProcessLogs(sessionID string, tail int) ([]launcher.LogLine, bool) {
	return b.launcher.Logs(sessionID, tail)
}

// Status implements ipc.StateProvider.
func (b *Broker) Status() ipc.StatusResult {
	return ipc.StatusResult{
		PID:         os.Getpid(),
		Version:     b.version,
		StartedAt:   b.startedAt,
		Uptime:      time.Since(b.startedAt).Truncate(time.Second).String(),
		Address:     net.JoinHostPort(b.cfg.Server.Host, strconv.Itoa(b.cfg.Server.Port)),
		Sessions:    b.repo.Len(),
		MaxSessions: b.cfg.Daemon.MaxSessions,
		Processes:   b.launcher.Live(),
		Adapters:    b.adapterNames(),
		Storage:     b.cfg.Storage.Backend,
	}
}

// Sessions implements ipc.StateProvider.
func (b *Broker) Sessions() []schema.SessionInfo { return b.repo.List() }

// Logs implements ipc.StateProvider.
func (b *Broker) Logs(tail int) []eventbus.Event { return b.logRing.Tail(tail) }

func (b *Broker) adapterNames() []string {
	kinds := b.registry.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	sort.Strings(names)
	return names
}

func (b *Broker) policyTargets() []policy.Target {
	rts := b.repo.All()
	targets := make([]policy.Target, len(rts))
	for i, rt := range rts {
		targets[i] = rt
	}
	return targets
}

func (b *Broker) runContext() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runCtx != nil {
		return b.runCtx
	}
	return context.Background()
}

// claudeSpec builds the CLI invocation for one session. The CLI dials back
// to the gateway with the session id baked into the URL.
func (b *Broker) claudeSpec(sessionID string) launcher.Spec {
	opts := b.cfg.Adapters.Claude
	sdkURL := fmt.Sprintf("ws://%s/ws/backend?sessionId=%s",
		net.JoinHostPort(b.cfg.Server.Host, strconv.Itoa(b.cfg.Server.Port)),
		url.QueryEscape(sessionID))
	args := []string{
		"--sdk-url", sdkURL,
		"--input-format", "stream-json",
		"--output-format", "stream-json",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	args = append(args, opts.Args...)
	return launcher.Spec{
		Command: opts.Command,
		Args:    args,
		Dir:     opts.WorkDir,
		Env:     opts.Env,
	}
}

func (b *Broker) eventLoop(events chan eventbus.Event) {
	for ev := range events {
		switch ev.Type {
		case eventbus.SessionClosed:
			b.handleSessionClosed(ev)
		case eventbus.PolicyWatchdog:
			b.handleWatchdog(ev)
		}
	}
}

func (b *Broker) handleSessionClosed(ev eventbus.Event) {
	var data struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(ev.Data, &data); err != nil || data.SessionID == "" {
		return
	}
	b.repo.Remove(data.SessionID)
	b.launcher.Release(data.SessionID)
}

// handleWatchdog reacts to a session stuck without its backend. Starting
// sessions keep their delivery window as long as the child lives; only a
// dead child is relaunched. Degraded sessions reconnect through the adapter,
// which respawns whatever transport it owns.
func (b *Broker) handleWatchdog(ev eventbus.Event) {
	var data struct {
		SessionID string             `json:"session_id"`
		State     schema.State       `json:"state"`
		Adapter   schema.AdapterKind `json:"adapter"`
	}
	if err := json.Unmarshal(ev.Data, &data); err != nil || data.SessionID == "" {
		return
	}
	rt, ok := b.repo.Get(data.SessionID)
	if !ok {
		return
	}
	switch data.State {
	case schema.StateStarting:
		if data.Adapter != schema.AdapterClaudeSocket || b.claudeTpl == nil {
			return
		}
		if b.launcher.Pid(data.SessionID) != 0 {
			return
		}
		if _, err := b.launcher.Start(b.runContext(), data.SessionID, b.claudeTpl(data.SessionID)); err != nil {
			b.logger.Warn("backend relaunch failed", "session_id", data.SessionID, "error", err)
			return
		}
		b.metrics.ProcRestarted()
		b.logger.Info("backend relaunched", "session_id", data.SessionID)
	case schema.StateDegraded:
		rt.Connect()
		b.metrics.ProcRestarted()
		b.logger.Info("backend reconnect started", "session_id", data.SessionID)
	}
}
