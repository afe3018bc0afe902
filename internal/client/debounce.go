package client

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers into one callback after a quiet
// period. Re-triggering re-arms the pending timer rather than stacking a
// second one, and the latest callback wins.
type Debouncer struct {
	duration time.Duration

	mu    sync.Mutex
	timer *time.Timer
	fn    func()
}

// NewDebouncer creates a debouncer with the given quiet period.
func NewDebouncer(duration time.Duration) *Debouncer {
	return &Debouncer{duration: duration}
}

// Trigger schedules fn to run after the quiet period, replacing any
// pending callback.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fn = fn
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.duration, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	fn := d.fn
	d.fn = nil
	d.timer = nil
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Cancel drops any pending callback.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.fn = nil
}

// Flush runs any pending callback immediately.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	fn := d.fn
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.fn = nil
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
}
