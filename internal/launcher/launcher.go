// Package launcher owns the backend CLI child processes. It spawns them with
// the session id in the environment, keeps the pid table, and captures a
// bounded, redacted log of everything the child prints.
package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/redact"
	"github.com/parley-ai/parley/internal/ring"
)

// SessionIDEnv carries the session id to the child so it can dial back to
// the gateway with the right identity.
const SessionIDEnv = "PARLEY_SESSION_ID"

const (
	defaultProcLogSize = 500
	// stopGrace is how long a child gets between interrupt and kill.
	stopGrace = 3 * time.Second
	// scanner sizing for child output lines, matching long tool transcripts.
	scanBuf     = 64 * 1024
	scanBufMax  = 1024 * 1024
	pipeReaders = 2 // stdout + stderr
)

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scanBuf), scanBufMax)
	return scanner
}

// ErrLauncherClosed rejects spawns after shutdown has begun.
var ErrLauncherClosed = errors.New("launcher closed")

// Spec describes one CLI launch. Args may already embed the session id;
// the launcher adds it to the environment regardless.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}

// LogLine is one captured line of child output, already redacted.
type LogLine struct {
	Time    time.Time `json:"ts"`
	Channel string    `json:"channel"`
	Text    string    `json:"text"`
}

// ProcessInfo is a point-in-time view of one table entry.
type ProcessInfo struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
	Running   bool      `json:"running"`
	ExitCode  int       `json:"exit_code"`
}

// Launcher is the process table. One entry per session; a new Start for a
// session that already has a live child supersedes it (the old child gets
// interrupted, then killed).
type Launcher struct {
	bus     *eventbus.Bus
	logger  *slog.Logger
	maxProc int
	logSize int

	mu     sync.RWMutex
	procs  map[string]*proc
	closed bool
}

// Params configures a Launcher.
type Params struct {
	Bus         *eventbus.Bus
	Logger      *slog.Logger
	MaxProcs    int // live children bound; <=0 means unlimited
	ProcLogSize int // per-child log ring capacity; <=0 uses the default
}

// New builds an empty process table.
func New(p Params) *Launcher {
	if p.Bus == nil {
		p.Bus = eventbus.New()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.ProcLogSize <= 0 {
		p.ProcLogSize = defaultProcLogSize
	}
	return &Launcher{
		bus:     p.Bus,
		logger:  p.Logger.With("component", "launcher"),
		maxProc: p.MaxProcs,
		logSize: p.ProcLogSize,
		procs:   make(map[string]*proc),
	}
}

type proc struct {
	sessionID string
	cmd       *exec.Cmd
	pid       int
	command   string
	startedAt time.Time

	wg   sync.WaitGroup // pipe readers
	done chan struct{}  // closed after Wait returns

	mu       sync.Mutex
	log      *ring.Buffer[LogLine]
	exited   bool
	exitCode int
}

func (p *proc) appendLine(channel, text string) {
	line := LogLine{Time: time.Now(), Channel: channel, Text: redact.String(text)}
	p.mu.Lock()
	p.log.Append(line)
	p.mu.Unlock()
}

func (p *proc) running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *proc) info() ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProcessInfo{
		SessionID: p.sessionID,
		PID:       p.pid,
		Command:   p.command,
		StartedAt: p.startedAt,
		Running:   !p.exited,
		ExitCode:  p.exitCode,
	}
}

// Start spawns the child for sessionID and returns its pid. Any previous
// live child for the same session is superseded and torn down in the
// background. The pid is in the table before Start returns.
func (l *Launcher) Start(ctx context.Context, sessionID string, spec Spec) (int, error) {
	if spec.Command == "" {
		return 0, fmt.Errorf("spawn %s: empty command", sessionID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrLauncherClosed
	}

	live := 0
	for id, p := range l.procs {
		if id != sessionID && p.running() {
			live++
		}
	}
	if l.maxProc > 0 && live >= l.maxProc {
		return 0, fmt.Errorf("spawn %s: process limit reached (%d)", sessionID, l.maxProc)
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, SessionIDEnv+"="+sessionID)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	if prev := l.procs[sessionID]; prev != nil && prev.running() {
		l.logger.Info("superseding backend process", "session_id", sessionID, "pid", prev.pid)
		go l.stop(prev)
	}

	p := &proc{
		sessionID: sessionID,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		command:   spec.Command,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		log:       ring.New[LogLine](l.logSize),
	}
	l.procs[sessionID] = p

	p.wg.Add(pipeReaders)
	go l.readPipe(p, stdout, "stdout")
	go l.readPipe(p, stderr, "stderr")
	go l.watch(p)

	l.logger.Info("backend process started",
		"session_id", sessionID, "pid", p.pid, "command", spec.Command)
	l.bus.PublishType(eventbus.ProcStarted, map[string]any{
		"session_id": sessionID,
		"pid":        p.pid,
		"command":    spec.Command,
	})
	return p.pid, nil
}

func (l *Launcher) readPipe(p *proc, r io.Reader, channel string) {
	defer p.wg.Done()
	scanner := newLineScanner(r)
	for scanner.Scan() {
		p.appendLine(channel, scanner.Text())
	}
}

// watch reaps the child: readers first (os/exec requires pipes drained
// before Wait), then exit bookkeeping and the bus event.
func (l *Launcher) watch(p *proc) {
	p.wg.Wait()
	err := p.cmd.Wait()

	code := 0
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)

	if err != nil {
		l.logger.Warn("backend process exited",
			"session_id", p.sessionID, "pid", p.pid, "exit_code", code, "error", err)
	} else {
		l.logger.Info("backend process exited",
			"session_id", p.sessionID, "pid", p.pid, "exit_code", code)
	}
	l.bus.PublishType(eventbus.ProcExited, map[string]any{
		"session_id": p.sessionID,
		"pid":        p.pid,
		"exit_code":  code,
	})
}

// stop interrupts the child, waits out the grace period, then kills it.
func (l *Launcher) stop(p *proc) {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
	}
	select {
	case <-p.done:
		return
	case <-time.After(stopGrace):
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
}

// Terminate tears down the live child for sessionID, if any. The table
// entry stays so the proc log remains readable; Release drops it.
func (l *Launcher) Terminate(sessionID string) {
	l.mu.RLock()
	p := l.procs[sessionID]
	l.mu.RUnlock()
	if p == nil || !p.running() {
		return
	}
	l.stop(p)
}

// Release forgets the table entry for sessionID, terminating the child
// first when it is still alive. Called when the session leaves the
// repository for good.
func (l *Launcher) Release(sessionID string) {
	l.mu.Lock()
	p := l.procs[sessionID]
	delete(l.procs, sessionID)
	l.mu.Unlock()
	if p != nil && p.running() {
		l.stop(p)
	}
}

// Pid reports the live child's pid for sessionID, 0 when there is none.
func (l *Launcher) Pid(sessionID string) int {
	l.mu.RLock()
	p := l.procs[sessionID]
	l.mu.RUnlock()
	if p == nil || !p.running() {
		return 0
	}
	return p.pid
}

// Logs returns the most recent n captured lines for sessionID, oldest
// first; n <= 0 returns everything retained. The bool reports whether the
// session has a table entry at all.
func (l *Launcher) Logs(sessionID string, n int) ([]LogLine, bool) {
	l.mu.RLock()
	p := l.procs[sessionID]
	l.mu.RUnlock()
	if p == nil {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= 0 {
		return p.log.Snapshot(), true
	}
	return p.log.Tail(n), true
}

// Live counts children that have not exited.
func (l *Launcher) Live() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, p := range l.procs {
		if p.running() {
			n++
		}
	}
	return n
}

// Processes lists every table entry, oldest start first.
func (l *Launcher) Processes() []ProcessInfo {
	l.mu.RLock()
	out := make([]ProcessInfo, 0, len(l.procs))
	for _, p := range l.procs {
		out = append(out, p.info())
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Close stops accepting spawns and tears down every live child. It returns
// once all children have been reaped or ctx expires.
func (l *Launcher) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	procs := make([]*proc, 0, len(l.procs))
	for _, p := range l.procs {
		if p.running() {
			procs = append(procs, p)
		}
	}
	l.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *proc) {
			defer wg.Done()
			l.stop(p)
		}(p)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
