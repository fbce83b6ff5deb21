// Package policy runs the supervisory loops that keep sessions healthy:
// the reconnect watchdog, capability-negotiation timeout, and idle reaper.
// Policies only observe public session state and nudge via policy commands;
// each runtime re-validates on its own sequencer before acting.
package policy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/pkg/schema"
)

const (
	defaultReconnectGrace = 5 * time.Second
	defaultIdleTimeout    = 10 * time.Minute
	defaultCapsTimeout    = 10 * time.Second
	defaultSweepInterval  = 30 * time.Second
	defaultDebounce       = time.Second
	defaultTick           = time.Second
)

// Target is the slice of a session runtime the policies act on.
// *session.Runtime satisfies it.
type Target interface {
	ID() string
	State() schema.State
	Info() schema.SessionInfo
	LastActivity() time.Time
	ApplyPolicyCommand(cmd session.PolicyCommand) error
}

// Params configures an Engine. Sessions must return a point-in-time
// snapshot of the live sessions; it is called on every tick.
type Params struct {
	Sessions func() []Target
	Bus      *eventbus.Bus
	Logger   *slog.Logger

	ReconnectGrace      time.Duration
	IdleTimeout         time.Duration
	CapabilitiesTimeout time.Duration
	SweepInterval       time.Duration
	DisconnectDebounce  time.Duration

	// Tick is the engine's base clock. Only tests shrink it.
	Tick time.Duration
}

// Engine drives the policies from a single goroutine.
type Engine struct {
	sessions func() []Target
	bus      *eventbus.Bus
	logger   *slog.Logger

	grace      time.Duration
	idle       time.Duration
	caps       time.Duration
	sweepEvery time.Duration
	debounce   time.Duration
	tick       time.Duration

	// seen tracks how long each session has been in its current state.
	// Touched only by the Run goroutine.
	seen map[string]*observed
}

type observed struct {
	state     schema.State
	since     time.Time
	lastNudge time.Time
}

// New builds an engine; zero durations take the defaults.
func New(p Params) *Engine {
	if p.Sessions == nil {
		p.Sessions = func() []Target { return nil }
	}
	if p.Bus == nil {
		p.Bus = eventbus.New()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.ReconnectGrace <= 0 {
		p.ReconnectGrace = defaultReconnectGrace
	}
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = defaultIdleTimeout
	}
	if p.CapabilitiesTimeout <= 0 {
		p.CapabilitiesTimeout = defaultCapsTimeout
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = defaultSweepInterval
	}
	if p.DisconnectDebounce <= 0 {
		p.DisconnectDebounce = defaultDebounce
	}
	if p.Tick <= 0 {
		p.Tick = defaultTick
	}
	return &Engine{
		sessions:   p.Sessions,
		bus:        p.Bus,
		logger:     p.Logger.With("component", "policy"),
		grace:      p.ReconnectGrace,
		idle:       p.IdleTimeout,
		caps:       p.CapabilitiesTimeout,
		sweepEvery: p.SweepInterval,
		debounce:   p.DisconnectDebounce,
		tick:       p.Tick,
		seen:       make(map[string]*observed),
	}
}

// Run blocks until ctx is done. The base ticker drives state-age checks;
// the idle sweep runs every SweepInterval and, debounced, right after a
// consumer or backend drops.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	drops := e.bus.Subscribe(eventbus.ConsumerDisconnected, eventbus.BackendDisconnected)

	var (
		lastIdleSweep = time.Now()
		debounceC     <-chan time.Time
		debounceT     *time.Timer
	)
	defer func() {
		if debounceT != nil {
			debounceT.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.checkStates(now)
			if now.Sub(lastIdleSweep) >= e.sweepEvery {
				lastIdleSweep = now
				e.sweepIdle(now)
			}
		case <-drops:
			// Coalesce bursts into one sweep per debounce window.
			if debounceC == nil {
				debounceT = time.NewTimer(e.debounce)
				debounceC = debounceT.C
			}
		case now := <-debounceC:
			debounceC = nil
			debounceT = nil
			lastIdleSweep = now
			e.sweepIdle(now)
		}
	}
}

// checkStates ages every session in its current state and fires the
// reconnect watchdog and capabilities timeout where due. Nudges repeat at
// their own interval while the condition persists.
func (e *Engine) checkStates(now time.Time) {
	live := e.sessions()
	current := make(map[string]bool, len(live))
	for _, t := range live {
		id := t.ID()
		current[id] = true
		st := t.State()
		obs := e.seen[id]
		if obs == nil || obs.state != st {
			e.seen[id] = &observed{state: st, since: now}
			continue
		}
		age := now.Sub(obs.since)

		switch st {
		case schema.StateStarting:
			if age >= e.grace && now.Sub(obs.lastNudge) >= e.grace {
				obs.lastNudge = now
				e.nudge(t, session.PolicyCommand{
					Type:   session.PolicyReconnectTimeout,
					Reason: "no backend within reconnect grace",
				})
			}
		case schema.StateDegraded:
			// Reconnect is only worth the spawn when someone is watching;
			// unattended degraded sessions are the idle reaper's business.
			if t.Info().Consumers == 0 {
				continue
			}
			if age >= e.grace && now.Sub(obs.lastNudge) >= e.grace {
				obs.lastNudge = now
				e.nudge(t, session.PolicyCommand{
					Type:   session.PolicyReconnectTimeout,
					Reason: "backend lost, reconnect overdue",
				})
			}
		case schema.StateAwaitingBackend:
			if age >= e.caps && now.Sub(obs.lastNudge) >= e.caps {
				obs.lastNudge = now
				e.nudge(t, session.PolicyCommand{
					Type:   session.PolicyCapabilitiesTimeout,
					Reason: "capability negotiation timed out",
				})
			}
		}
	}
	for id := range e.seen {
		if !current[id] {
			delete(e.seen, id)
		}
	}
}

// sweepIdle reaps sessions nobody is using: no consumers, resting or
// degraded, and quiet past the idle timeout.
func (e *Engine) sweepIdle(now time.Time) {
	for _, t := range e.sessions() {
		switch t.State() {
		case schema.StateIdle, schema.StateDegraded:
		default:
			continue
		}
		if t.Info().Consumers > 0 {
			continue
		}
		if now.Sub(t.LastActivity()) < e.idle {
			continue
		}
		e.nudge(t, session.PolicyCommand{
			Type:   session.PolicyIdleReap,
			Reason: "no consumers and no activity",
		})
	}
}

func (e *Engine) nudge(t Target, cmd session.PolicyCommand) {
	err := t.ApplyPolicyCommand(cmd)
	if err == nil {
		e.logger.Debug("policy command applied",
			"session_id", t.ID(), "command", cmd.Type, "reason", cmd.Reason)
		return
	}
	if errors.Is(err, session.ErrSessionClosed) {
		return
	}
	e.logger.Warn("policy command rejected",
		"session_id", t.ID(), "command", cmd.Type, "error", err)
}
