// Package slottimer keeps at most one timed callback alive per slot.
//
// A Timer does not decide when its callback runs. The schedule function given to
// New bakes the delay in (typically from staleness.MaybeTimeUntilStale) and returns
// the handle it installed, or nil when no timer is needed right now.
//
// A Timer is confined to one execution context: Reschedule, Close and the timer
// callbacks must be serialized (see internal/eventloop). It holds no locks.
package slottimer

// Handle references one scheduled callback.
type Handle interface {
	// Stop cancels the callback. It reports whether the callback was still pending.
	// Stopping a handle that already fired or was stopped is a no-op.
	Stop() bool
	// Pending reports whether the callback has neither fired nor been stopped.
	Pending() bool
}

// Timer owns a single handle slot.
//
// Slot states: empty -> scheduled (Reschedule returned a handle) -> empty (fired,
// stopped, or closed). Close is final: later Reschedule calls are no-ops that
// return false.
type Timer struct {
	schedule func() Handle

	handle Handle
	closed bool
	// gen increases on every commit so a reentrant Reschedule running inside
	// schedule can be detected by the outer call.
	gen uint64
}

// New returns a Timer that installs callbacks with schedule.
func New(schedule func() Handle) *Timer {
	return &Timer{schedule: schedule}
}

// Reschedule stops the previous handle and installs a fresh one.
//
// Both candidates are considered: the handle left in the slot before this call,
// and any handle a reentrant call committed while schedule was running. Only the
// handle produced by the outermost call survives. It returns whether a handle is
// now pending.
func (t *Timer) Reschedule() bool {
	if t == nil || t.closed {
		return false
	}

	if prev := t.handle; prev != nil {
		t.handle = nil
		prev.Stop()
	}

	gen := t.gen
	var h Handle
	if t.schedule != nil {
		h = t.schedule()
	}

	if t.closed {
		// schedule (or a callback it ran) closed the slot
		if h != nil {
			h.Stop()
		}
		return false
	}
	if t.gen != gen && t.handle != nil {
		t.handle.Stop()
	}
	t.handle = h
	t.gen++

	return h != nil && h.Pending()
}

// Scheduled reports whether the slot holds a handle that has not fired.
func (t *Timer) Scheduled() bool {
	if t == nil || t.handle == nil {
		return false
	}
	return t.handle.Pending()
}

// Teardown stops the held handle and permanently empties the slot.
// Calling it more than once, or after the callback fired, has no further effect.
func (t *Timer) Teardown() {
	if t == nil || t.closed {
		return
	}
	t.closed = true
	if h := t.handle; h != nil {
		t.handle = nil
		h.Stop()
	}
}

// Close is Teardown shaped as io.Closer so a Timer can sit in a cleanup list.
func (t *Timer) Close() error {
	t.Teardown()
	return nil
}

// Closed reports whether Teardown ran.
func (t *Timer) Closed() bool { return t == nil || t.closed }
