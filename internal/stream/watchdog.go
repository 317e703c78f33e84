package stream

import (
	"sync"
	"time"
)

// DefaultSilenceTimeout is how long a connected SSE stream may stay silent
// before the watchdog hands off to polling.
const DefaultSilenceTimeout = 10 * time.Second

// Watchdog detects a connected-but-silent SSE stream (proxy buffering, dead
// TCP half-close, slow provider) that neither errors nor closes. It is a
// single-shot timer: reset on every successfully parsed chunk and on initial
// connect, firing once if the timeout elapses between resets.
type Watchdog struct {
	mu        sync.Mutex
	timer     *time.Timer
	timeout   time.Duration
	fired     bool
	stopped   bool
	onSilence func()
}

// NewWatchdog creates a watchdog that invokes onSilence once after timeout of
// uninterrupted silence. The timer is not armed until Start.
func NewWatchdog(timeout time.Duration, onSilence func()) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultSilenceTimeout
	}
	return &Watchdog{timeout: timeout, onSilence: onSilence}
}

// Start arms the timer. Calling Start on an armed watchdog resets it.
func (w *Watchdog) Start() {
	w.Reset()
}

// Reset re-arms the timer; the connection proved itself alive.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fired || w.stopped {
		return
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.timeout, w.fire)
		return
	}
	w.timer.Stop()
	w.timer.Reset(w.timeout)
}

// Stop disarms the timer. Called unconditionally whenever the stream reaches
// a terminal state or is aborted; a leaked timer can resurrect a finished
// conversation.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watchdog) fire() {
	w.mu.Lock()
	if w.fired || w.stopped {
		w.mu.Unlock()
		return
	}
	w.fired = true
	w.mu.Unlock()
	w.onSilence()
}
