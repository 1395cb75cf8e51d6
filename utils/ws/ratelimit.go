package ws

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-csync"
	"github.com/sirupsen/logrus"

	"github.com/cordwire/cordwire/internal/lazytime"
)

const (
	// DefaultSendRate is the number of commands permitted per DefaultSendPeriod.
	// It is kept under the remote limit of 120 to leave room for heartbeats.
	DefaultSendRate = 110
	// DefaultSendPeriod is the refill period of the send bucket.
	DefaultSendPeriod = time.Minute
)

// RateLimiter is the gateway send bucket. The bucket holds max tokens and is
// refilled to the brim once per elapsed window of the given period.
// Heartbeats do not go through it.
type RateLimiter struct {
	lock csync.Mutex

	max       int
	per       time.Duration
	remaining int
	window    time.Time

	// OnWait, if not nil, is called with every delay Block has to sleep.
	OnWait func(time.Duration)

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewRateLimiter creates a bucket of max tokens refilled every per.
func NewRateLimiter(max int, per time.Duration) *RateLimiter {
	return &RateLimiter{
		max:       max,
		per:       per,
		remaining: max,
		now:       time.Now,
		sleep:     lazytime.Sleep,
	}
}

// NewSendLimiter creates a bucket with the default gateway send rate.
func NewSendLimiter() *RateLimiter {
	return NewRateLimiter(DefaultSendRate, DefaultSendPeriod)
}

// Block waits until a token is available and takes it. Concurrent callers are
// served one at a time.
func (r *RateLimiter) Block(ctx context.Context) error {
	if err := r.lock.CLock(ctx); err != nil {
		return errors.Wrap(err, "failed to acquire rate limiter")
	}
	defer r.lock.Unlock()

	for {
		delay := r.delay(r.now())
		if delay <= 0 {
			return nil
		}

		logrus.WithField("delay", delay).Warn("gateway is rate limited")

		if r.OnWait != nil {
			r.OnWait(delay)
		}

		if err := r.sleep(ctx, delay); err != nil {
			return errors.Wrap(err, "rate limit wait cancelled")
		}
	}
}

// Remaining returns the number of tokens left in the current window.
func (r *RateLimiter) Remaining() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.expired(r.now()) {
		return r.max
	}
	return r.remaining
}

// IsRateLimited returns true if the next Block would have to wait.
func (r *RateLimiter) IsRateLimited() bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	return !r.expired(r.now()) && r.remaining == 0
}

func (r *RateLimiter) expired(now time.Time) bool {
	return !now.Before(r.window.Add(r.per))
}

// delay takes a token and returns 0, or returns how long until the window
// ends if the bucket is empty.
func (r *RateLimiter) delay(now time.Time) time.Duration {
	if r.expired(now) {
		r.remaining = r.max
	}

	if r.remaining == r.max {
		r.window = now
	}

	if r.remaining == 0 {
		return r.per - now.Sub(r.window)
	}

	r.remaining--
	return 0
}
