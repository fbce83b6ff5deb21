// Package daemon provides helpers for running parleyd as a background
// process: the daemon state file, log file, and platform process control.
package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// HeartbeatInterval is how often a running daemon rewrites its state file.
const HeartbeatInterval = 30 * time.Second

// staleAfter is how old a heartbeat may be before the state file is
// considered abandoned even when the recorded pid cannot be probed.
const staleAfter = 2 * time.Minute

// State is the daemon state file at <state_dir>/parleyd.json. The CLI reads
// it to find a running daemon and its control token; the daemon refreshes the
// heartbeat every HeartbeatInterval and removes the file on clean shutdown.
type State struct {
	PID             int       `json:"pid"`
	Port            int       `json:"port"`
	Heartbeat       time.Time `json:"heartbeat"`
	Version         string    `json:"version"`
	ControlAPIToken string    `json:"controlApiToken"`
}

// Stale reports whether the state file belongs to a daemon that is gone:
// the pid is dead, or the heartbeat is older than two minutes.
func (s *State) Stale(now time.Time) bool {
	if !IsRunning(s.PID) {
		return true
	}
	return now.Sub(s.Heartbeat) > staleAfter
}

// StatePath returns the state file path under dir.
func StatePath(dir string) string {
	return filepath.Join(dir, "parleyd.json")
}

// SocketPath returns the IPC unix socket path under dir.
func SocketPath(dir string) string {
	return filepath.Join(dir, "parleyd.sock")
}

// LogPath returns the daemon log file path under dir.
func LogPath(dir string) string {
	return filepath.Join(dir, "parleyd.log")
}

// WriteState writes the state file atomically: a temp file in the same
// directory, fsync-free, renamed over the target. Mode 0600; the file carries
// the control token.
func WriteState(dir string, st State) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "parleyd-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod state file: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), StatePath(dir)); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// ReadState reads the state file. Returns nil without error when the file
// does not exist.
func ReadState(dir string) (*State, error) {
	data, err := os.ReadFile(StatePath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &st, nil
}

// RemoveState removes the state file. Missing is not an error.
func RemoveState(dir string) error {
	err := os.Remove(StatePath(dir))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// OpenLogFile opens or creates the daemon log file for appending.
func OpenLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return os.OpenFile(LogPath(dir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

// exitPollInterval paces liveness probes while waiting for a stopped
// process to disappear.
const exitPollInterval = 200 * time.Millisecond

// waitExit polls until pid is gone or timeout elapses. Reports whether the
// process exited in time.
func waitExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !IsRunning(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(exitPollInterval)
	}
}
