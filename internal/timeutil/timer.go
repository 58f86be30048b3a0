// Package timeutil provides a stoppable, resettable timer with runtime
// introspection used by the transaction state machines.
package timeutil

import (
	"sync"
	"time"
)

// Timer wraps a [time.Timer] and tracks its own start time, duration and
// state so callers can query how much time is left or whether it fired.
// The callback is executed in its own goroutine, like [time.AfterFunc].
type Timer struct {
	mu        sync.Mutex
	startTime time.Time
	duration  time.Duration
	callback  func()
	fired     bool
	stopped   bool
	real      *time.Timer
}

// AfterFunc creates a running timer that calls f after d.
func AfterFunc(d time.Duration, f func()) *Timer {
	t := &Timer{
		startTime: time.Now(),
		duration:  d,
		callback:  f,
	}
	t.real = time.AfterFunc(d, t.fire)
	return t
}

func (t *Timer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	f := t.callback
	t.mu.Unlock()

	if f != nil {
		f()
	}
}

// Duration returns the duration the timer was last armed with.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// Left returns the time remaining until the timer fires,
// zero if it already fired or was stopped.
func (t *Timer) Left() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.fired {
		return 0
	}
	left := t.duration - time.Since(t.startTime)
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether the timer has fired.
func (t *Timer) Expired() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Stop cancels the timer. It reports whether the timer was still pending;
// a stopped timer never runs its callback.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.real.Stop()
	return true
}

// Reset rearms the timer with a new duration starting from now.
// The callback is preserved and will run when the new duration elapses.
func (t *Timer) Reset(d time.Duration) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.startTime = time.Now()
	t.duration = d
	t.fired = false
	t.stopped = false
	if t.real == nil {
		t.real = time.AfterFunc(d, t.fire)
		return
	}
	t.real.Reset(d)
}
