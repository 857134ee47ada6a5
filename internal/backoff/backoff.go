// Package backoff computes full-jitter exponential retry delays and
// sleeps for them in a way that respects an outer deadline.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// FullJitter draws a uniformly random duration in [0, slot*2^attempt).
// attempt is the post-increment retry counter, per the dispatch state
// machine: the first retry uses attempt=1, so its ceiling is slot*2.
func FullJitter(slot time.Duration, attempt uint) time.Duration {
	if slot <= 0 {
		return 0
	}
	max := slot << attempt
	if max <= 0 {
		// shifted past the width of time.Duration; fall back to the
		// largest representable ceiling rather than wrapping negative.
		max = time.Duration(1<<63 - 1)
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// Sleep blocks for d or until ctx is cancelled, whichever comes first.
// It returns ctx.Err() if the context wins the race, nil otherwise.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
