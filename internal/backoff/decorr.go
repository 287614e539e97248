// Package backoff implements decorrelated jitter backoff.
package backoff

import (
	"context"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
)

// Backoff waits between attempts of a retried operation
type Backoff interface {
	// Do blocks for the next backoff interval or until ctx is done
	Do(ctx context.Context) error
}

type decorr struct {
	base  int64
	cap   int64
	mul   int64
	sleep int64
	clock clockwork.Clock
}

// Decorr returns a decorrelated jitter backoff on the real clock: each wait is
// random between base and three times the previous wait, capped at cap.
func Decorr(base, cap time.Duration) Backoff {
	return NewDecorr(base, cap, clockwork.NewRealClock())
}

// NewDecorr is Decorr with an explicit clock
func NewDecorr(base, cap time.Duration, clock clockwork.Clock) Backoff {
	if base <= 0 {
		base = time.Millisecond
	}
	if cap < base {
		cap = base
	}
	return &decorr{
		base:  int64(base),
		cap:   int64(cap),
		mul:   3,
		sleep: int64(base),
		clock: clock,
	}
}

func (b *decorr) Do(ctx context.Context) error {
	span := b.sleep*b.mul - b.base
	if span > 0 {
		b.sleep = b.base + rand.Int63n(span)
	} else {
		b.sleep = b.base
	}
	if b.sleep > b.cap {
		b.sleep = b.cap
	}

	timer := b.clock.NewTimer(time.Duration(b.sleep))
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
