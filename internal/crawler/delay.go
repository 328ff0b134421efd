package crawler

import (
	"context"
	"fmt"
	"time"
)

// DefaultDelay is the pause between consecutive page fetches.
const DefaultDelay = time.Second

// DelayStrategy returns the politeness delay to wait after the attempt-th
// fetch (1-based).
type DelayStrategy func(attempt int) time.Duration

// FixedDelay waits the same duration after every fetch.
func FixedDelay(d time.Duration) DelayStrategy {
	return func(int) time.Duration { return d }
}

// NoDelay never waits.
func NoDelay() DelayStrategy {
	return FixedDelay(0)
}

// TimerSleeper blocks on a timer and returns early when ctx ends.
type TimerSleeper struct{}

// Sleep waits for d or until ctx is done.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("politeness delay interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// SleeperFunc adapts a plain function to the Sleeper interface.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }
