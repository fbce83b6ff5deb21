//go:build windows

package daemon

import "syscall"

// DetachSysProcAttr starts the daemon child in a new process group so
// console ctrl events aimed at the CLI do not reach it.
func DetachSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
