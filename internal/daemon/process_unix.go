//go:build !windows

package daemon

import (
	"fmt"
	"syscall"
	"time"
)

// IsRunning probes pid liveness with a null signal. The CLI uses it against
// the state file pid; the relaunch watchdog uses it against backend pids.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// StopProcess asks pid to exit with SIGTERM and escalates to SIGKILL when it
// is still alive after timeout. A dead pid is a no-op.
func StopProcess(pid int, timeout time.Duration) error {
	if !IsRunning(pid) {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	if waitExit(pid, timeout) {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}
