//go:build !windows

// Package procutil holds the per-OS process plumbing the daemon and the
// operator CLI share: PID liveness probing and the reload signal sent to a
// running relay.
package procutil

import (
	"os"
	"syscall"
)

// IsAlive reports whether a process with the given pid exists. The daemon
// uses it to decide whether a leftover PID file belongs to a live instance.
func IsAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// SignalReload asks the daemon identified by pid to restart with fresh
// configuration. The daemon maps SIGHUP to a supervised restart.
func SignalReload(pid int) error {
	return syscall.Kill(pid, syscall.SIGHUP)
}
