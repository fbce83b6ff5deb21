//go:build !windows

package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestLauncher(t *testing.T, maxProcs int) (*Launcher, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	l := New(Params{Bus: bus, Logger: testLogger(), MaxProcs: maxProcs, ProcLogSize: 64})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = l.Close(ctx)
	})
	return l, bus
}

// shSpec runs a short shell script; keep scripts free of background
// children so the output pipes close with the shell itself.
func shSpec(script string) Spec {
	return Spec{Command: "sh", Args: []string{"-c", script}}
}

func sleepSpec() Spec {
	return Spec{Command: "sleep", Args: []string{"30"}}
}

type procEvent struct {
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
	ExitCode  int    `json:"exit_code"`
}

func nextProcEvent(t *testing.T, ch <-chan eventbus.Event) (string, procEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		var pe procEvent
		if err := json.Unmarshal(ev.Data, &pe); err != nil {
			t.Fatalf("decode %s event: %v", ev.Type, err)
		}
		return ev.Type, pe
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for process event")
		return "", procEvent{}
	}
}

func logText(lines []LogLine) string {
	var b strings.Builder
	for _, ln := range lines {
		b.WriteString(ln.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func TestStartCapturesChildOutput(t *testing.T) {
	l, _ := newTestLauncher(t, 0)

	pid, err := l.Start(context.Background(), "s-1", shSpec("echo out-line; echo err-line >&2"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("pid = %d, want > 0", pid)
	}

	waitUntil(t, func() bool { return l.Live() == 0 }, "child exit")

	lines, ok := l.Logs("s-1", 0)
	if !ok {
		t.Fatal("Logs reported unknown session")
	}
	var sawOut, sawErr bool
	for _, ln := range lines {
		if ln.Channel == "stdout" && ln.Text == "out-line" {
			sawOut = true
		}
		if ln.Channel == "stderr" && ln.Text == "err-line" {
			sawErr = true
		}
		if ln.Time.IsZero() {
			t.Error("log line missing timestamp")
		}
	}
	if !sawOut || !sawErr {
		t.Fatalf("missing captured lines (stdout=%v stderr=%v): %+v", sawOut, sawErr, lines)
	}

	procs := l.Processes()
	if len(procs) != 1 {
		t.Fatalf("Processes() len = %d, want 1", len(procs))
	}
	info := procs[0]
	if info.SessionID != "s-1" || info.PID != pid || info.Running || info.ExitCode != 0 {
		t.Fatalf("unexpected process info: %+v", info)
	}
}

func TestStartRedactsChildOutput(t *testing.T) {
	l, _ := newTestLauncher(t, 0)

	secret := "sk-abcdefghijklmnopqrstuv"
	if _, err := l.Start(context.Background(), "s-1", shSpec("echo token "+secret)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, func() bool { return l.Live() == 0 }, "child exit")

	lines, _ := l.Logs("s-1", 0)
	text := logText(lines)
	if strings.Contains(text, secret) {
		t.Fatalf("secret leaked into proc log: %q", text)
	}
	if !strings.Contains(text, "[redacted:api_key]") {
		t.Fatalf("expected redaction marker, got %q", text)
	}
}

func TestStartExportsSessionEnv(t *testing.T) {
	l, _ := newTestLauncher(t, 0)

	spec := shSpec(`echo "$PARLEY_SESSION_ID:$PARLEY_TEST_FLAVOR"`)
	spec.Env = map[string]string{"PARLEY_TEST_FLAVOR": "mint"}
	if _, err := l.Start(context.Background(), "s-env", spec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, func() bool { return l.Live() == 0 }, "child exit")

	lines, _ := l.Logs("s-env", 0)
	if !strings.Contains(logText(lines), "s-env:mint") {
		t.Fatalf("child environment not threaded through, got %q", logText(lines))
	}
}

func TestStartEnforcesProcessLimit(t *testing.T) {
	l, _ := newTestLauncher(t, 1)

	if _, err := l.Start(context.Background(), "s-1", sleepSpec()); err != nil {
		t.Fatalf("Start s-1: %v", err)
	}
	_, err := l.Start(context.Background(), "s-2", sleepSpec())
	if err == nil || !strings.Contains(err.Error(), "process limit reached") {
		t.Fatalf("expected process limit error, got %v", err)
	}

	l.Release("s-1")
	if _, err := l.Start(context.Background(), "s-2", sleepSpec()); err != nil {
		t.Fatalf("Start s-2 after release: %v", err)
	}
}

func TestStartSupersedesLiveChild(t *testing.T) {
	l, bus := newTestLauncher(t, 1)
	events := bus.Subscribe(eventbus.ProcStarted, eventbus.ProcExited)

	pid1, err := l.Start(context.Background(), "s-1", sleepSpec())
	if err != nil {
		t.Fatalf("Start first: %v", err)
	}

	// Same session replaces its own child even at the limit.
	pid2, err := l.Start(context.Background(), "s-1", shSpec("echo second"))
	if err != nil {
		t.Fatalf("Start supersede: %v", err)
	}
	if pid2 == pid1 {
		t.Fatalf("supersede reused pid %d", pid1)
	}

	waitUntil(t, func() bool { return l.Pid("s-1") == 0 }, "replacement exit")
	lines, _ := l.Logs("s-1", 0)
	if !strings.Contains(logText(lines), "second") {
		t.Fatalf("replacement output missing, got %q", logText(lines))
	}

	// Both children report started and exited.
	exits := map[int]bool{}
	starts := map[int]bool{}
	for len(exits) < 2 {
		typ, pe := nextProcEvent(t, events)
		switch typ {
		case eventbus.ProcStarted:
			starts[pe.PID] = true
		case eventbus.ProcExited:
			exits[pe.PID] = true
		}
	}
	if !starts[pid1] || !starts[pid2] || !exits[pid1] || !exits[pid2] {
		t.Fatalf("event coverage incomplete: starts=%v exits=%v", starts, exits)
	}
}

func TestTerminateKeepsLogsUntilRelease(t *testing.T) {
	l, _ := newTestLauncher(t, 0)

	pid, err := l.Start(context.Background(), "s-1", sleepSpec())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := l.Pid("s-1"); got != pid {
		t.Fatalf("Pid = %d, want %d", got, pid)
	}

	l.Terminate("s-1")
	waitUntil(t, func() bool { return l.Live() == 0 }, "terminate")

	if got := l.Pid("s-1"); got != 0 {
		t.Fatalf("Pid after terminate = %d, want 0", got)
	}
	if _, ok := l.Logs("s-1", 0); !ok {
		t.Fatal("proc log dropped before Release")
	}

	l.Release("s-1")
	if _, ok := l.Logs("s-1", 0); ok {
		t.Fatal("proc log survived Release")
	}
}

func TestCloseStopsChildrenAndRejectsSpawns(t *testing.T) {
	l, _ := newTestLauncher(t, 0)

	if _, err := l.Start(context.Background(), "s-1", sleepSpec()); err != nil {
		t.Fatalf("Start s-1: %v", err)
	}
	if _, err := l.Start(context.Background(), "s-2", sleepSpec()); err != nil {
		t.Fatalf("Start s-2: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if l.Live() != 0 {
		t.Fatalf("Live after Close = %d, want 0", l.Live())
	}

	if _, err := l.Start(context.Background(), "s-3", sleepSpec()); !errors.Is(err, ErrLauncherClosed) {
		t.Fatalf("Start after Close = %v, want ErrLauncherClosed", err)
	}
}

func TestSpawnerBuildsSpecPerSession(t *testing.T) {
	l, _ := newTestLauncher(t, 0)

	var asked []string
	sp := l.Spawner(func(id string) Spec {
		asked = append(asked, id)
		return shSpec("echo run-" + id)
	})

	pid, err := sp.Spawn(context.Background(), "s-a")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("pid = %d, want > 0", pid)
	}
	if len(asked) != 1 || asked[0] != "s-a" {
		t.Fatalf("template calls = %v, want [s-a]", asked)
	}

	waitUntil(t, func() bool { return l.Live() == 0 }, "child exit")
	lines, _ := l.Logs("s-a", 0)
	if !strings.Contains(logText(lines), "run-s-a") {
		t.Fatalf("spawned child output missing, got %q", logText(lines))
	}
}

func TestLogsTailAndUnknownSession(t *testing.T) {
	l, _ := newTestLauncher(t, 0)

	if _, ok := l.Logs("nope", 0); ok {
		t.Fatal("Logs claimed to know an unknown session")
	}

	script := "for i in 1 2 3 4 5; do echo line-$i; done"
	if _, err := l.Start(context.Background(), "s-1", shSpec(script)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, func() bool { return l.Live() == 0 }, "child exit")

	tail, ok := l.Logs("s-1", 2)
	if !ok || len(tail) != 2 {
		t.Fatalf("Logs tail = %v (ok=%v), want 2 lines", tail, ok)
	}
	if tail[0].Text != "line-4" || tail[1].Text != "line-5" {
		t.Fatalf("tail = [%s, %s], want [line-4, line-5]", tail[0].Text, tail[1].Text)
	}
}

func TestProcessesSortedByStart(t *testing.T) {
	l, _ := newTestLauncher(t, 0)

	for _, id := range []string{"s-a", "s-b", "s-c"} {
		if _, err := l.Start(context.Background(), id, sleepSpec()); err != nil {
			t.Fatalf("Start %s: %v", id, err)
		}
	}
	procs := l.Processes()
	if len(procs) != 3 {
		t.Fatalf("Processes len = %d, want 3", len(procs))
	}
	for i, want := range []string{"s-a", "s-b", "s-c"} {
		if procs[i].SessionID != want {
			t.Fatalf("procs[%d] = %s, want %s", i, procs[i].SessionID, want)
		}
		if !procs[i].Running {
			t.Fatalf("procs[%d] not running", i)
		}
	}
}
