// Package runtime hosts the relay's long-lived services: ordered startup,
// reverse-order shutdown, error funnelling and the process-level lifecycle
// primitives (shutdown latch, PID file).
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Service is one unit the daemon supervises: the serial bus, an uplink, the
// socket server, the recorder, the monitor endpoint.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Lifecycle is the daemon's single shutdown latch. Signal handlers, a
// factory reset and fatal service errors all trip it; Start blocks on Done.
type Lifecycle struct {
	once sync.Once
	done chan struct{}
}

// NewLifecycle returns an untripped latch.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{done: make(chan struct{})}
}

// Done is closed once shutdown has been requested.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

// Shutdown trips the latch. Safe to call from any goroutine, any number of
// times.
func (l *Lifecycle) Shutdown() {
	l.once.Do(func() { close(l.done) })
}

// WritePIDFile records pid at path so a second daemon instance and the
// operator CLI can find the running one.
func WritePIDFile(path string, pid int) error {
	if path == "" {
		return errors.New("runtime: pid file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("runtime: create pid directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("runtime: write pid file: %w", err)
	}
	return nil
}

// RemovePIDFile deletes the PID file on clean shutdown. A missing file is
// not an error.
func RemovePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
