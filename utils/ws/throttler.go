package ws

import (
	"time"

	"golang.org/x/time/rate"
)

// NewDialLimiter returns a rate limiter for throttling new gateway
// connections.
func NewDialLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(5*time.Second), 1)
}

// NewIdentityLimiter returns a rate limiter for Identify commands. The remote
// allows maxConcurrency identifies per 5 seconds.
func NewIdentityLimiter(maxConcurrency int) *rate.Limiter {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return rate.NewLimiter(rate.Every(5*time.Second/time.Duration(maxConcurrency)), maxConcurrency)
}

// NewGlobalIdentityLimiter returns a rate limiter for the daily Identify
// quota.
func NewGlobalIdentityLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(24*time.Hour/1000), 1000)
}
