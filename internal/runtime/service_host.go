package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// defaultStopTimeout bounds one service's Shutdown unless the registration
// overrides it.
const defaultStopTimeout = 5 * time.Second

// ServiceFactory builds a fresh service instance. It runs on every start
// and on a per-service restart, so construction must be repeatable.
type ServiceFactory func(ctx context.Context) (Service, error)

// ServiceHost starts registered services in registration order, stops them
// in reverse, and funnels their fatal errors into one channel. Registration
// order is the dependency order: the serial bus first, then everything that
// taps it.
type ServiceHost struct {
	mu      sync.Mutex
	order   []string
	slots   map[string]*slot
	started bool
	errs    chan error
	cancel  context.CancelFunc
	runCtx  context.Context
}

// RegisterOption adjusts one registration.
type RegisterOption func(*slot)

// slot is one registered service: its factory, the live instance once
// started, and the error-forwarding state.
type slot struct {
	name        string
	factory     ServiceFactory
	svc         Service
	stopTimeout time.Duration
	forwarding  bool
}

// WithShutdownTimeout overrides the per-service stop deadline.
func WithShutdownTimeout(timeout time.Duration) RegisterOption {
	return func(s *slot) {
		s.stopTimeout = timeout
	}
}

// NewServiceHost returns an empty host.
func NewServiceHost() *ServiceHost {
	return &ServiceHost{
		slots: make(map[string]*slot),
		errs:  make(chan error, 1),
	}
}

// Register adds a service under name. Registration closes at Start.
func (h *ServiceHost) Register(name string, factory ServiceFactory, opts ...RegisterOption) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return fmt.Errorf("runtime: cannot register %q after start", name)
	}
	if _, exists := h.slots[name]; exists {
		return fmt.Errorf("runtime: %q already registered", name)
	}

	s := &slot{name: name, factory: factory, stopTimeout: defaultStopTimeout}
	for _, opt := range opts {
		opt(s)
	}
	h.slots[name] = s
	h.order = append(h.order, name)
	return nil
}

// Start builds and starts every registered service in order. On failure the
// services already running are stopped again and the error names the one
// that refused.
func (h *ServiceHost) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return fmt.Errorf("runtime: host already started")
	}
	h.started = true
	h.runCtx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()

	running := make([]*slot, 0, len(h.order))
	for _, name := range h.order {
		s := h.slot(name)
		if s == nil {
			continue
		}

		svc, err := s.factory(h.runCtx)
		if err != nil {
			h.unwind(running)
			return fmt.Errorf("runtime: create %q: %w", name, err)
		}
		if err := svc.Start(h.runCtx); err != nil {
			h.unwind(running)
			return fmt.Errorf("runtime: start %q: %w", name, err)
		}

		s.svc = svc
		h.forwardErrors(s)
		running = append(running, s)
	}
	return nil
}

// Stop shuts every running service down in reverse registration order. The
// first shutdown failure is reported; later services still get stopped.
func (h *ServiceHost) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var stopErr error
	for i := len(h.order) - 1; i >= 0; i-- {
		s := h.slot(h.order[i])
		if s == nil || s.svc == nil {
			continue
		}
		if err := h.stopSlot(ctx, s); err != nil && stopErr == nil {
			stopErr = err
		}
	}
	return stopErr
}

// Restart rebuilds one service in place while the rest keep running.
func (h *ServiceHost) Restart(ctx context.Context, name string) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return fmt.Errorf("runtime: host not started")
	}
	s := h.slots[name]
	h.mu.Unlock()

	if s == nil {
		return fmt.Errorf("runtime: %q not registered", name)
	}
	if s.svc != nil {
		if err := h.stopSlot(ctx, s); err != nil {
			return err
		}
	}

	svc, err := s.factory(h.runCtx)
	if err != nil {
		return fmt.Errorf("runtime: recreate %q: %w", name, err)
	}
	if err := svc.Start(h.runCtx); err != nil {
		return fmt.Errorf("runtime: restart %q: %w", name, err)
	}

	s.svc = svc
	h.forwardErrors(s)
	return nil
}

// Errors carries fatal service errors to the daemon, which treats any of
// them as a reason to shut down.
func (h *ServiceHost) Errors() <-chan error {
	return h.errs
}

func (h *ServiceHost) slot(name string) *slot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slots[name]
}

// stopSlot shuts one service down under its own deadline and clears the
// slot.
func (h *ServiceHost) stopSlot(ctx context.Context, s *slot) error {
	timeout := s.stopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	err := s.svc.Shutdown(stopCtx)
	cancel()
	s.svc = nil
	s.forwarding = false
	if err != nil && err != context.Canceled {
		return fmt.Errorf("runtime: shutdown %q: %w", s.name, err)
	}
	return nil
}

// forwardErrors drains an optional Errors channel off the service into the
// host's funnel. At most one error is buffered; the daemon only needs the
// first.
func (h *ServiceHost) forwardErrors(s *slot) {
	if s.svc == nil || s.forwarding {
		return
	}
	observable, ok := s.svc.(interface{ Errors() <-chan error })
	if !ok {
		return
	}
	s.forwarding = true

	go func(name string, ch <-chan error) {
		for err := range ch {
			if err == nil {
				continue
			}
			select {
			case h.errs <- fmt.Errorf("%s service error: %w", name, err):
			default:
			}
		}
	}(s.name, observable.Errors())
}

// unwind stops the services a failed Start already launched, newest first.
func (h *ServiceHost) unwind(running []*slot) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
	defer cancel()
	for i := len(running) - 1; i >= 0; i-- {
		if running[i].svc != nil {
			running[i].svc.Shutdown(ctx)
			running[i].svc = nil
			running[i].forwarding = false
		}
	}
}
