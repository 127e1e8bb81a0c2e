//go:build !unix

package gdbmi

import "syscall"

func detachedProcAttr() *syscall.SysProcAttr { return nil }
