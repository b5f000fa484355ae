package messaging

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultStopTypingDelay is the quiet period after the last keystroke before
	// stop_typing is sent.
	DefaultStopTypingDelay = 1500 * time.Millisecond

	// DefaultTypingTimeout clears a remote typing flag whose stop_typing never arrived.
	DefaultTypingTimeout = 5 * time.Second
)

// debouncer runs fn once after a quiet period. Each Touch restarts the period.
// A generation counter makes a timer that fires after Stop or a newer Touch a no-op.
type debouncer struct {
	mu    sync.Mutex
	clock clock.Clock
	delay time.Duration
	timer *clock.Timer
	gen   uint64
}

func newDebouncer(c clock.Clock, delay time.Duration) *debouncer {
	return &debouncer{clock: c, delay: delay}
}

// Touch (re)arms the timer. fn runs on a timer goroutine.
func (d *debouncer) Touch(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		fn()
	})
}

// Stop cancels a pending run and reports whether one was pending.
func (d *debouncer) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	return true
}

// Pending reports whether a run is scheduled.
func (d *debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
