package timeutil

import (
	"sync"
	"time"
)

// TimerState represents the current state of a SerializableTimer.
type TimerState string

const (
	// TimerStateRunning indicates the timer is currently running.
	TimerStateRunning TimerState = "running"
	// TimerStateStopped indicates the timer was stopped before expiration.
	TimerStateStopped TimerState = "stopped"
	// TimerStateExpired indicates the timer has expired and its callback ran.
	TimerStateExpired TimerState = "expired"
)

// SerializableTimer is a time.AfterFunc replacement that exposes its
// remaining/elapsed duration and current state for inspection, and allows
// its callback to be swapped via SetCallback without losing the running
// timer.
//
// All methods are safe for concurrent use.
type SerializableTimer struct {
	mu        sync.Mutex
	startTime time.Time
	duration  time.Duration
	state     TimerState
	stopTime  time.Time

	callback func()
	fired    bool
	real     *time.Timer
}

// NewTimer creates a timer in the running state whose clock starts now, with
// no callback attached; nothing fires until SetCallback attaches one.
func NewTimer(d time.Duration) *SerializableTimer {
	return &SerializableTimer{
		startTime: time.Now(),
		duration:  d,
		state:     TimerStateRunning,
	}
}

// AfterFunc creates a running timer that calls f when d elapses, unless
// stopped or reset first.
func AfterFunc(d time.Duration, f func()) *SerializableTimer {
	t := NewTimer(d)
	t.SetCallback(f)
	return t
}

// State reports the timer's current state.
func (t *SerializableTimer) State() TimerState {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Duration returns the timer's configured duration.
func (t *SerializableTimer) Duration() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

func (t *SerializableTimer) elapsedLocked() time.Duration {
	switch t.state {
	case TimerStateRunning:
		return time.Since(t.startTime)
	default:
		if !t.stopTime.IsZero() {
			return t.stopTime.Sub(t.startTime)
		}
		return t.duration
	}
}

// Left returns the time remaining until expiry, or 0 if stopped/expired.
func (t *SerializableTimer) Left() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TimerStateRunning {
		return 0
	}
	left := t.duration - t.elapsedLocked()
	if left < 0 {
		return 0
	}
	return left
}

// Stop cancels the timer. It reports whether the timer was actually
// running (i.e. whether it prevented the callback from firing).
func (t *SerializableTimer) Stop() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning {
		return false
	}
	t.stopTime = time.Now()
	t.state = TimerStateStopped
	t.callback = nil
	if t.real != nil {
		t.real.Stop()
		t.real = nil
	}
	return true
}

// SetCallback attaches f to run (in its own goroutine) when the timer
// expires. On a stopped or already expired timer f is only stored and
// never runs.
func (t *SerializableTimer) SetCallback(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callback = f

	if t.state != TimerStateRunning {
		return
	}

	if t.real != nil {
		t.real.Stop()
	}
	remaining := t.duration - t.elapsedLocked()
	if remaining <= 0 {
		remaining = time.Nanosecond
	}
	t.real = time.AfterFunc(remaining, t.fire)
}

func (t *SerializableTimer) fire() {
	t.mu.Lock()
	if t.state != TimerStateRunning || t.fired {
		t.mu.Unlock()
		return
	}
	t.state = TimerStateExpired
	t.stopTime = time.Now()
	t.fired = true
	cb := t.callback
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Reset restarts the timer with a new duration starting from now, keeping
// whatever callback was previously attached. timer.Service.Reschedule is
// its only caller.
func (t *SerializableTimer) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.real != nil {
		t.real.Stop()
		t.real = nil
	}
	t.startTime = time.Now()
	t.duration = d
	t.state = TimerStateRunning
	t.stopTime = time.Time{}
	t.fired = false

	if t.callback != nil {
		t.real = time.AfterFunc(d, t.fire)
	}
}
