package services

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// GoroutineTracker starts named goroutines, counts them, and waits for them on shutdown.
type GoroutineTracker struct {
	wg         sync.WaitGroup
	active     int32
	shutdownMu sync.RWMutex
	isShutdown bool
	logger     zerolog.Logger
}

func NewGoroutineTracker(logger zerolog.Logger) *GoroutineTracker {
	return &GoroutineTracker{logger: logger}
}

// StartGoroutine safely starts a goroutine with proper cleanup tracking.
// It returns false if the tracker is already shut down.
func (t *GoroutineTracker) StartGoroutine(name string, fn func()) bool {
	t.shutdownMu.RLock()
	defer t.shutdownMu.RUnlock()

	if t.isShutdown {
		t.logger.Debug().Str("goroutine", name).Msg("Cannot start goroutine: tracker is shutdown")
		return false
	}

	t.wg.Add(1)
	atomic.AddInt32(&t.active, 1)

	go func() {
		defer func() {
			// Recover from panics
			if r := recover(); r != nil {
				t.logger.Error().Str("goroutine", name).Interface("panic", r).Msg("CRITICAL: Panic in goroutine")
			}

			atomic.AddInt32(&t.active, -1)
			t.wg.Done()
		}()

		fn()
	}()

	return true
}

// ActiveGoroutines returns the current count of active goroutines
func (t *GoroutineTracker) ActiveGoroutines() int32 {
	return atomic.LoadInt32(&t.active)
}

// IsShutdown returns whether the tracker refuses new goroutines
func (t *GoroutineTracker) IsShutdown() bool {
	t.shutdownMu.RLock()
	defer t.shutdownMu.RUnlock()
	return t.isShutdown
}

// Shutdown stops accepting goroutines and waits for the running ones.
func (t *GoroutineTracker) Shutdown(timeout time.Duration) error {
	t.shutdownMu.Lock()
	t.isShutdown = true
	t.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.Errorf("shutdown timed out after %v with %d goroutines running", timeout, t.ActiveGoroutines())
	}
}
