//go:build windows

package procutil

import (
	"errors"
	"syscall"
)

const processQueryLimitedInformation = 0x1000

// IsAlive reports whether a process with the given pid exists, by opening a
// PROCESS_QUERY_LIMITED_INFORMATION handle.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	syscall.CloseHandle(h)
	return true
}

// SignalReload is unavailable on Windows: there is no SIGHUP to deliver, so
// a running daemon cannot be asked to restart from outside.
func SignalReload(pid int) error {
	return errors.New("procutil: daemon reload signalling is not supported on windows")
}
