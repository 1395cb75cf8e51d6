// Package backoff implements an exponential backoff with full jitter that
// forgets its history after a long enough quiet period.
package backoff

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cordwire/cordwire/internal/lazytime"
)

// MaxExponent is the exponent at which the backoff saturates.
const MaxExponent = 10

// resetExponent is the exponent of the idle period after which the backoff
// resets; the reset period is base * 2^resetExponent.
const resetExponent = MaxExponent + 1

// Backoff produces randomized delays bounded by base * 2^exponent. Every call
// to Delay bumps the exponent up to MaxExponent, unless the previous call was
// longer than ResetAfter ago, in which case the exponent starts over.
//
// A Backoff is safe for concurrent use. Each instance owns its own random
// source.
type Backoff struct {
	mu       sync.Mutex
	rand     *rand.Rand
	base     time.Duration
	reset    time.Duration
	last     time.Time
	exp      int
	integral bool

	now func() time.Time
}

// New creates a new Backoff. If integral is true, delays are whole seconds.
func New(base time.Duration, integral bool) *Backoff {
	if base <= 0 {
		base = time.Second
	}

	b := &Backoff{
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		base:     base,
		reset:    base << resetExponent,
		integral: integral,
		now:      time.Now,
	}
	b.last = b.now()

	return b
}

// ResetAfter returns the idle duration after which the exponent resets.
func (b *Backoff) ResetAfter() time.Duration {
	return b.reset
}

// Delay returns the next delay to wait.
func (b *Backoff) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.last)
	b.last = now

	if elapsed > b.reset {
		b.exp = 0
	}
	if b.exp < MaxExponent {
		b.exp++
	}

	upper := b.upper()

	if b.integral {
		secs := int64(upper / time.Second)
		if secs <= 0 {
			return 0
		}
		return time.Duration(b.rand.Int63n(secs)) * time.Second
	}

	return time.Duration(b.rand.Int63n(int64(upper)))
}

// UpperBound returns the exclusive upper bound of the last returned delay.
func (b *Backoff) UpperBound() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.upper()
}

// Exponent returns the current exponent.
func (b *Backoff) Exponent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exp
}

func (b *Backoff) upper() time.Duration {
	return b.base << uint(b.exp)
}

// Timer sleeps for backoff delays.
type Timer struct {
	Backoff *Backoff
	timer   lazytime.Timer
}

// NewTimer returns a new Timer backed by a fresh Backoff.
func NewTimer(base time.Duration) *Timer {
	return &Timer{Backoff: New(base, false)}
}

// Sleep waits for the next backoff delay or until ctx expires. The waited
// duration is returned.
func (t *Timer) Sleep(ctx context.Context) (time.Duration, error) {
	d := t.Backoff.Delay()
	return d, t.timer.Sleep(ctx, d)
}

// Stop releases the underlying timer.
func (t *Timer) Stop() {
	t.timer.Stop()
}
