//go:build unix

package gdbmi

import "syscall"

// detachedProcAttr puts gdb in its own process group.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
