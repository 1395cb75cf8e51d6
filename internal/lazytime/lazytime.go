// Package lazytime provides reusable timers whose zero value is ready to use.
// The runtime timer is only allocated on the first wait, and every wait is
// bound to a context.
package lazytime

import (
	"context"
	"time"
)

// Timer is a one-shot timer that can be reused across sleeps. It must not be
// used by more than one goroutine at a time.
type Timer struct {
	t *time.Timer
}

// Sleep blocks for d or until ctx is done, in which case ctx's error is
// returned. Non-positive durations only check ctx.
func (t *Timer) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	if t.t == nil {
		t.t = time.NewTimer(d)
	} else {
		t.t.Reset(d)
	}

	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.t.C:
		return nil
	}
}

// Stop disarms the timer and discards a tick nobody received.
func (t *Timer) Stop() {
	if t.t != nil && !t.t.Stop() {
		select {
		case <-t.t.C:
		default:
		}
	}
}

// Ticker is a periodic timer started by the first Reset.
type Ticker struct {
	t *time.Ticker
}

// Reset starts the ticker or changes its period.
func (t *Ticker) Reset(d time.Duration) {
	if t.t == nil {
		t.t = time.NewTicker(d)
		return
	}
	t.t.Reset(d)
}

// Wait blocks until the next tick or until ctx is done. A ticker that was never
// started only waits for ctx.
func (t *Ticker) Wait(ctx context.Context) error {
	var c <-chan time.Time
	if t.t != nil {
		c = t.t.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c:
		return nil
	}
}

// Stop stops the ticker if it was started.
func (t *Ticker) Stop() {
	if t.t != nil {
		t.t.Stop()
	}
}

// Sleep is Timer.Sleep on a throwaway timer.
func Sleep(ctx context.Context, d time.Duration) error {
	var t Timer
	return t.Sleep(ctx, d)
}
