//go:build unix && !linux

package runner

import (
	"syscall"
)

// GetSysProcAttr puts the child in its own process group.
func GetSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}
