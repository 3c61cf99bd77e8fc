// Package datalog records the relayed serial stream to removable or local
// storage, one file per calendar day.
package datalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ntripduo/ntripduo/internal/serial"
	"github.com/ntripduo/ntripduo/internal/stats"
)

const (
	drainWindow = time.Second
	chunkSize   = 4096

	// flushInterval bounds how stale the on-disk file may be.
	flushInterval = 5 * time.Second
)

// Options wires the recorder.
type Options struct {
	Dir   string // output directory, created if missing
	Bus   *serial.Bus
	Stats *stats.Registry
}

// Recorder taps the serial receive stream into dated log files.
type Recorder struct {
	dir    string
	bus    *serial.Bus
	stream *stats.Handle

	mu      sync.Mutex
	file    *os.File
	curDate string

	tap    *serial.Tap
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs the recorder. The output directory is validated in Start.
func New(opts Options) (*Recorder, error) {
	if opts.Bus == nil {
		return nil, errors.New("datalog: bus is required")
	}
	if opts.Dir == "" {
		return nil, errors.New("datalog: output directory is required")
	}
	var stream *stats.Handle
	if opts.Stats != nil {
		stream = opts.Stats.Stream("data_logger")
	}
	return &Recorder{dir: opts.Dir, bus: opts.Bus, stream: stream, done: make(chan struct{})}, nil
}

// Start opens today's file and launches the drain task.
func (r *Recorder) Start(ctx context.Context) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("datalog: create directory: %w", err)
	}
	if err := r.rotate(time.Now()); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.tap = r.bus.Tap(128)
	go r.run(runCtx)
	log.Printf("[DataLog] recording to %s", r.dir)
	return nil
}

// Shutdown stops the drain task and closes the current file.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.tap != nil {
		r.tap.Close()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)
	buf := make([]byte, chunkSize)
	lastFlush := time.Now()
	for ctx.Err() == nil {
		n := r.tap.ReadBytes(buf, drainWindow)
		if n > 0 {
			if err := r.write(buf[:n]); err != nil {
				log.Printf("[DataLog] write failed: %v", err)
			}
		}
		if time.Since(lastFlush) >= flushInterval {
			r.flush()
			lastFlush = time.Now()
		}
	}
}

func (r *Recorder) write(data []byte) error {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Format("20060102") != r.curDate {
		if err := r.rotateLocked(now); err != nil {
			return err
		}
	}
	n, err := r.file.Write(data)
	r.stream.AddIn(n)
	return err
}

func (r *Recorder) flush() {
	r.mu.Lock()
	if r.file != nil {
		r.file.Sync()
	}
	r.mu.Unlock()
}

func (r *Recorder) rotate(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotateLocked(now)
}

func (r *Recorder) rotateLocked(now time.Time) error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	date := now.Format("20060102")
	path := filepath.Join(r.dir, fmt.Sprintf("gnss_%s.log", date))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("datalog: open %s: %w", path, err)
	}
	r.file = f
	r.curDate = date
	return nil
}

// Path returns the file currently being written.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}
