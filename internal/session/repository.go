package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/parley-ai/parley/internal/adapter"
	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/pkg/schema"
)

// Repository holds every live session runtime. It is the only structure
// shared across sessions; everything inside a Runtime belongs to that
// session's sequencer.
type Repository struct {
	mu       sync.RWMutex
	sessions map[string]*Runtime

	registry    *adapter.Registry
	bus         *eventbus.Bus
	storage     store.SessionStorage
	metrics     *metrics.Recorder
	logger      *slog.Logger
	maxSessions int
	historySize int
	replayLimit int
}

// RepositoryParams configures a Repository.
type RepositoryParams struct {
	Registry    *adapter.Registry
	Bus         *eventbus.Bus
	Storage     store.SessionStorage
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
	MaxSessions int
	HistorySize int
	ReplayLimit int
}

// NewRepository builds an empty repository.
func NewRepository(p RepositoryParams) *Repository {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := p.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	return &Repository{
		sessions:    make(map[string]*Runtime),
		registry:    p.Registry,
		bus:         bus,
		storage:     p.Storage,
		metrics:     p.Metrics,
		logger:      logger.With("component", "sessions"),
		maxSessions: p.MaxSessions,
		historySize: p.HistorySize,
		replayLimit: p.ReplayLimit,
	}
}

// CreateRequest carries the parameters for a new session.
type CreateRequest struct {
	ID      string
	Adapter schema.AdapterKind
	Cwd     string
	Model   string
	Resume  string
}

// Create registers a new session runtime. It enforces the session limit and
// id uniqueness; connecting the backend is the caller's next step.
func (p *Repository) Create(req CreateRequest) (*Runtime, error) {
	ad, err := p.registry.Get(req.Adapter)
	if err != nil {
		return nil, err
	}
	id := req.ID
	if id == "" {
		id = NewSessionID()
	}

	p.mu.Lock()
	if p.maxSessions > 0 && len(p.sessions) >= p.maxSessions {
		p.mu.Unlock()
		return nil, fmt.Errorf("session limit reached (%d)", p.maxSessions)
	}
	if _, exists := p.sessions[id]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("session already exists: %s", id)
	}
	rt := New(Params{
		ID:          id,
		Adapter:     ad,
		Bus:         p.bus,
		Storage:     p.storage,
		Metrics:     p.metrics,
		Logger:      p.logger,
		Cwd:         req.Cwd,
		Model:       req.Model,
		Resume:      req.Resume,
		HistorySize: p.historySize,
		ReplayLimit: p.replayLimit,
	})
	p.sessions[id] = rt
	p.mu.Unlock()

	p.metrics.SessionStarted()
	p.bus.PublishType(eventbus.SessionCreated, map[string]any{
		"session_id": id,
		"adapter":    req.Adapter,
		"cwd":        req.Cwd,
	})
	p.logger.Info("session created", "session_id", id, "adapter", string(req.Adapter))
	return rt, nil
}

// Get returns a live session by id.
func (p *Repository) Get(id string) (*Runtime, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rt, ok := p.sessions[id]
	return rt, ok
}

// Len reports the number of live sessions.
func (p *Repository) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// List returns session summaries ordered by creation time.
func (p *Repository) List() []schema.SessionInfo {
	p.mu.RLock()
	infos := make([]schema.SessionInfo, 0, len(p.sessions))
	for _, rt := range p.sessions {
		infos = append(infos, rt.Info())
	}
	p.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// All returns the live runtimes. Used by policies that need per-session
// state beyond the info snapshot.
func (p *Repository) All() []*Runtime {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Runtime, 0, len(p.sessions))
	for _, rt := range p.sessions {
		out = append(out, rt)
	}
	return out
}

// Remove drops a session from the map. Safe to call for ids that are
// already gone. The runtime itself is not closed here; callers close first.
func (p *Repository) Remove(id string) {
	p.mu.Lock()
	_, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()
	if ok {
		p.metrics.SessionEnded()
	}
}

// Close terminates one session and removes it.
func (p *Repository) Close(id, reason string) error {
	rt, ok := p.Get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	err := rt.Close(reason)
	p.Remove(id)
	return err
}

// CloseAll terminates every session, for daemon shutdown. The map is
// snapshotted under the lock and the closes run outside it.
func (p *Repository) CloseAll(reason string) {
	p.mu.Lock()
	all := make([]*Runtime, 0, len(p.sessions))
	for _, rt := range p.sessions {
		all = append(all, rt)
	}
	p.mu.Unlock()
	for _, rt := range all {
		if err := rt.Close(reason); err != nil {
			p.logger.Warn("session close failed", "session_id", rt.ID(), "error", err)
		}
		p.Remove(rt.ID())
	}
}

// Restore rebuilds runtimes from persisted snapshots after a daemon restart.
// Closed and archived snapshots stay in storage only. Restored sessions come
// up degraded; reconnecting them is the broker's job. pidAlive probes
// whether a recorded backend process still runs.
func (p *Repository) Restore(ctx context.Context, pidAlive func(int) bool) (int, error) {
	if p.storage == nil {
		return 0, nil
	}
	snaps, err := p.storage.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}
	restored := 0
	for _, snap := range snaps {
		if snap.State == schema.StateClosed || snap.State == schema.StateClosing || snap.Archived {
			continue
		}
		ad, err := p.registry.Get(snap.Adapter)
		if err != nil {
			p.logger.Warn("snapshot references unknown adapter",
				"session_id", snap.ID, "adapter", string(snap.Adapter))
			continue
		}
		alive := snap.PID != 0
		if pidAlive != nil {
			alive = alive && pidAlive(snap.PID)
		}
		detail := "daemon restarted"
		if !alive {
			detail = "backend exited"
		}

		p.mu.Lock()
		if _, exists := p.sessions[snap.ID]; exists {
			p.mu.Unlock()
			continue
		}
		if p.maxSessions > 0 && len(p.sessions) >= p.maxSessions {
			p.mu.Unlock()
			p.logger.Warn("session limit reached during restore, skipping", "session_id", snap.ID)
			continue
		}
		rt := New(Params{
			ID:            snap.ID,
			Adapter:       ad,
			Bus:           p.bus,
			Storage:       p.storage,
			Metrics:       p.metrics,
			Logger:        p.logger,
			HistorySize:   p.historySize,
			ReplayLimit:   p.replayLimit,
			Restore:       snap,
			RestoreDetail: detail,
		})
		p.sessions[snap.ID] = rt
		p.mu.Unlock()

		p.metrics.SessionStarted()
		p.bus.PublishType(eventbus.SessionCreated, map[string]any{
			"session_id": snap.ID,
			"adapter":    snap.Adapter,
			"restored":   true,
		})
		p.logger.Info("session restored",
			"session_id", snap.ID, "adapter", string(snap.Adapter), "detail", detail)
		restored++
	}
	return restored, nil
}
