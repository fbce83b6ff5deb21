//go:build !windows

package daemon

import "syscall"

// DetachSysProcAttr puts the daemon child in its own session so it
// survives the parent CLI and its controlling terminal.
func DetachSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
