//go:build !windows

package daemon

import "syscall"

func detachAttr() *syscall.SysProcAttr {
	// New session: no controlling terminal, survives the parent shell.
	return &syscall.SysProcAttr{Setsid: true}
}
