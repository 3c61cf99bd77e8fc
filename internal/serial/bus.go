// Package serial owns the byte stream between the local serial port and
// every relay component. One pump goroutine reads the port and dispatches
// each received chunk sequentially to the registered read handlers; writes
// to the port are serialized. Poll-style consumers attach lossy taps
// instead of handlers.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
)

// readBufferSize is the per-pump receive buffer. Chunks delivered to
// handlers are never larger than this.
const readBufferSize = 512

// Port is the raw byte device under the bus.
type Port interface {
	io.ReadWriteCloser
}

// Handler receives one received chunk. The buffer is only valid for the
// duration of the call; handlers must copy what they keep. Handlers are
// invoked sequentially from a single dispatch goroutine and are never
// re-entered.
type Handler func(chunk []byte)

// Bus multiplexes one serial port across any number of consumers.
type Bus struct {
	port Port

	handlerMu sync.RWMutex
	handlers  []Handler

	tapMu sync.Mutex
	taps  []*Tap

	writeMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a bus over port. The pump does not run until Start.
func New(port Port) *Bus {
	return &Bus{port: port}
}

// RegisterReadHandler subscribes h to every received chunk. Registration
// order is dispatch order.
func (b *Bus) RegisterReadHandler(h Handler) {
	if h == nil {
		return
	}
	b.handlerMu.Lock()
	b.handlers = append(b.handlers, h)
	b.handlerMu.Unlock()
}

// Start launches the read pump.
func (b *Bus) Start(ctx context.Context) error {
	if b.done != nil {
		return errors.New("serial: bus already started")
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.pump(pumpCtx)
	return nil
}

// Shutdown stops the pump and closes the port.
func (b *Bus) Shutdown(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}
	err := b.port.Close()
	if b.done != nil {
		select {
		case <-b.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}

func (b *Bus) pump(ctx context.Context) {
	defer close(b.done)
	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := b.port.Read(buf)
		if n > 0 {
			b.dispatch(buf[:n])
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Printf("[Serial] read error: %v", err)
			}
			return
		}
	}
}

func (b *Bus) dispatch(chunk []byte) {
	b.handlerMu.RLock()
	handlers := b.handlers
	b.handlerMu.RUnlock()
	for _, h := range handlers {
		h(chunk)
	}

	b.tapMu.Lock()
	taps := b.taps
	b.tapMu.Unlock()
	for _, t := range taps {
		t.feed(chunk)
	}
}

// Write sends p to the serial output. Callers on any goroutine; the bus
// serializes.
func (b *Bus) Write(p []byte) (int, error) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.port.Write(p)
}

// Sentence emits a $PESP side-channel notification line to the serial
// output, CRLF-terminated. The line is also mirrored to the process log.
func (b *Bus) Sentence(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	log.Printf("[Serial] %s", line)
	if _, err := b.Write([]byte(line + "\r\n")); err != nil {
		log.Printf("[Serial] sentence write failed: %v", err)
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}
