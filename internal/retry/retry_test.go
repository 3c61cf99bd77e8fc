package retry

import (
	"context"
	"testing"
	"time"
)

// recordSleeps swaps the clock's sleeper for one that records requested
// durations without blocking.
func recordSleeps(c *Clock) *[]time.Duration {
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return &slept
}

func TestDelayDoublesTowardCeiling(t *testing.T) {
	t.Parallel()

	c := New(Options{Initial: 2 * time.Second, Ceiling: 64 * time.Second})
	slept := recordSleeps(c)

	for i := 0; i < 8; i++ {
		if err := c.Delay(context.Background()); err != nil {
			t.Fatalf("delay %d: %v", i, err)
		}
	}

	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 64 * time.Second, 64 * time.Second, 64 * time.Second,
	}
	if len(*slept) != len(want) {
		t.Fatalf("expected %d sleeps, got %d", len(want), len(*slept))
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Errorf("sleep %d: want %v, got %v", i, d, (*slept)[i])
		}
	}
}

func TestSkipFirstConsumesNoGrowth(t *testing.T) {
	t.Parallel()

	c := New(Options{Initial: 2 * time.Second, Ceiling: 64 * time.Second, SkipFirst: true})
	slept := recordSleeps(c)

	if got := c.Next(); got != 0 {
		t.Fatalf("expected zero first delay, got %v", got)
	}
	if err := c.Delay(context.Background()); err != nil {
		t.Fatalf("first delay: %v", err)
	}
	if len(*slept) != 0 {
		t.Fatalf("first delay should not sleep, slept %v", *slept)
	}

	// The schedule after the skipped slot starts at the initial value.
	for i := 0; i < 3; i++ {
		if err := c.Delay(context.Background()); err != nil {
			t.Fatalf("delay %d: %v", i, err)
		}
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Errorf("sleep %d: want %v, got %v", i, d, (*slept)[i])
		}
	}
}

func TestResetRestoresInitialSchedule(t *testing.T) {
	t.Parallel()

	c := New(Options{Initial: time.Second, Ceiling: 8 * time.Second, SkipFirst: true})
	slept := recordSleeps(c)

	for i := 0; i < 4; i++ {
		if err := c.Delay(context.Background()); err != nil {
			t.Fatalf("delay %d: %v", i, err)
		}
	}

	c.Reset()
	if got := c.Next(); got != 0 {
		t.Fatalf("reset should restore the skipped first slot, got %v", got)
	}
	if err := c.Delay(context.Background()); err != nil {
		t.Fatalf("delay after reset: %v", err)
	}
	if err := c.Delay(context.Background()); err != nil {
		t.Fatalf("delay after reset: %v", err)
	}
	if last := (*slept)[len(*slept)-1]; last != time.Second {
		t.Fatalf("expected initial delay after reset, got %v", last)
	}
}

func TestDelayMonotonicNonDecreasing(t *testing.T) {
	t.Parallel()

	c := New(Options{Initial: 5 * time.Second, Factor: 2, Ceiling: 60 * time.Second, SkipFirst: true})
	slept := recordSleeps(c)

	for i := 0; i < 10; i++ {
		if err := c.Delay(context.Background()); err != nil {
			t.Fatalf("delay %d: %v", i, err)
		}
	}
	prev := time.Duration(0)
	for i, d := range *slept {
		if d < prev {
			t.Fatalf("delay decreased at step %d: %v after %v", i, d, prev)
		}
		if d > 60*time.Second {
			t.Fatalf("delay %v exceeded ceiling", d)
		}
		prev = d
	}
}

func TestDelayCancelled(t *testing.T) {
	t.Parallel()

	c := New(Options{Initial: time.Minute, Ceiling: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Delay(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
