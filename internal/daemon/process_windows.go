//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

const processQueryLimitedInformation = 0x1000

// IsRunning probes pid liveness by opening a query-only process handle.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	_ = syscall.CloseHandle(h)
	return true
}

// StopProcess kills pid outright and waits up to timeout for the handle to
// disappear. Windows offers no graceful signal to try first.
func StopProcess(pid int, timeout time.Duration) error {
	if !IsRunning(pid) {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find pid %d: %w", pid, err)
	}
	if err := p.Kill(); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	waitExit(pid, timeout)
	return nil
}
