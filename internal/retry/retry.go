// Package retry provides the bounded-backoff delay shared by every
// reconnecting component.
package retry

import (
	"context"
	"sync"
	"time"
)

// Clock produces a monotonically growing reconnect delay. Delay sleeps for
// the current value and then advances it; Reset returns it to the initial
// value after a successful connection.
type Clock struct {
	mu        sync.Mutex
	initial   time.Duration
	factor    int
	ceiling   time.Duration
	current   time.Duration
	skipFirst bool
	first     bool

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Options configures a Clock. A zero Factor means binary doubling.
type Options struct {
	Initial   time.Duration
	Factor    int
	Ceiling   time.Duration
	SkipFirst bool // first Delay call returns immediately
}

// New creates a Clock from opts.
func New(opts Options) *Clock {
	factor := opts.Factor
	if factor <= 1 {
		factor = 2
	}
	ceiling := opts.Ceiling
	if ceiling <= 0 {
		ceiling = opts.Initial
	}
	return &Clock{
		initial:   opts.Initial,
		factor:    factor,
		ceiling:   ceiling,
		current:   opts.Initial,
		skipFirst: opts.SkipFirst,
		first:     true,
		sleep:     sleepCtx,
	}
}

// Delay blocks for the current delay, then advances it toward the ceiling.
// Returns early with the context error if ctx is cancelled mid-sleep.
func (c *Clock) Delay(ctx context.Context) error {
	c.mu.Lock()
	d := c.current
	if c.first && c.skipFirst {
		d = 0
	} else {
		next := c.current * time.Duration(c.factor)
		if next > c.ceiling {
			next = c.ceiling
		}
		c.current = next
	}
	c.first = false
	sleep := c.sleep
	c.mu.Unlock()

	if d <= 0 {
		return ctx.Err()
	}
	return sleep(ctx, d)
}

// Next reports the delay the following Delay call would sleep for.
func (c *Clock) Next() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.first && c.skipFirst {
		return 0
	}
	return c.current
}

// Reset returns the delay to its initial value.
func (c *Clock) Reset() {
	c.mu.Lock()
	c.current = c.initial
	c.first = true
	c.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
