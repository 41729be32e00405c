package services

import (
	"context"
	"time"
)

const (
	DefaultBackoffBase = 100 * time.Millisecond
	DefaultBackoffCap  = 60 * time.Second
)

// BackoffPolicy is an exponential delay: Base * 2^attempt, capped at Cap.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff is min(2^n * 100ms, 60s)
var DefaultBackoff = BackoffPolicy{Base: DefaultBackoffBase, Cap: DefaultBackoffCap}

// Delay returns the wait after the given zero-based failed attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.Base
	for i := 0; i < attempt && delay < p.Cap; i++ {
		delay *= 2
	}

	if delay > p.Cap {
		return p.Cap
	}

	return delay
}

// Backoff returns DefaultBackoff.Delay(attempt)
func Backoff(attempt int) time.Duration {
	return DefaultBackoff.Delay(attempt)
}

// sleepOrStop waits for d. It returns false if ctx is done or stop is closed first.
func sleepOrStop(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}
