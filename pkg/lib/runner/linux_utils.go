//go:build linux

package runner

import (
	"syscall"
)

// GetSysProcAttr puts the child in its own process group, so terminal
// signals aimed at the harness do not reach it and teardown order stays
// under our control, and makes the kernel send it SIGTERM should the
// harness die first.
func GetSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
