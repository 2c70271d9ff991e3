// Package timerhost is the timer facility that slot timers install callbacks with.
package timerhost

import (
	"sync"
	"sync/atomic"
	"time"

	"stalewatch/internal/eventloop"
	"stalewatch/internal/slottimer"
)

// Host arms one-shot callbacks.
type Host interface {
	AfterFunc(d time.Duration, fn func()) slottimer.Handle
}

// Loop arms Go timers and delivers their callbacks onto an event loop, so the
// callbacks are serialized with everything else running there.
type Loop struct {
	loop *eventloop.Loop
}

func NewLoop(loop *eventloop.Loop) *Loop { return &Loop{loop: loop} }

// AfterFunc returns nil when the loop no longer accepts work.
func (h *Loop) AfterFunc(d time.Duration, fn func()) slottimer.Handle {
	if d < 0 {
		d = 0
	}
	lh := &loopHandle{}
	lh.t = time.AfterFunc(d, func() {
		// The Go timer may fire after Stop was requested on the loop; the state
		// flag decides on the loop whether the callback still runs.
		if !h.loop.Post(func() {
			if lh.state.CompareAndSwap(statePending, stateFired) {
				fn()
			}
		}) {
			lh.state.CompareAndSwap(statePending, stateStopped)
		}
	})
	return lh
}

const (
	statePending int32 = iota
	stateFired
	stateStopped
)

type loopHandle struct {
	t     *time.Timer
	state atomic.Int32
}

func (h *loopHandle) Stop() bool {
	if !h.state.CompareAndSwap(statePending, stateStopped) {
		return false
	}
	h.t.Stop()
	return true
}

func (h *loopHandle) Pending() bool { return h.state.Load() == statePending }

// Manual is a deterministic Host for tests. Nothing fires until Advance.
type Manual struct {
	mu      sync.Mutex
	now     time.Duration
	seq     uint64
	pending []*manualHandle
}

func NewManual() *Manual { return &Manual{} }

func (m *Manual) AfterFunc(d time.Duration, fn func()) slottimer.Handle {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	h := &manualHandle{host: m, due: m.now + d, seq: m.seq, fn: fn}
	m.pending = append(m.pending, h)
	return h
}

// Advance moves time forward and runs every callback that became due, in due
// order, on the calling goroutine. Callbacks may arm new timers; those fire in
// the same call if they fall inside the window.
func (m *Manual) Advance(d time.Duration) int {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	fired := 0
	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return fired
		}
		m.removeLocked(next)
		m.now = next.due
		next.state = stateFired
		fn := next.fn
		m.mu.Unlock()

		fn()
		fired++
	}
}

// Live reports how many callbacks are armed and not yet fired or stopped.
func (m *Manual) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Elapsed reports the host's virtual time.
func (m *Manual) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) nextDueLocked(limit time.Duration) *manualHandle {
	var best *manualHandle
	for _, h := range m.pending {
		if h.due > limit {
			continue
		}
		if best == nil || h.due < best.due || (h.due == best.due && h.seq < best.seq) {
			best = h
		}
	}
	return best
}

func (m *Manual) removeLocked(h *manualHandle) {
	for i, p := range m.pending {
		if p == h {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

type manualHandle struct {
	host  *Manual
	due   time.Duration
	seq   uint64
	fn    func()
	state int32
}

func (h *manualHandle) Stop() bool {
	h.host.mu.Lock()
	defer h.host.mu.Unlock()
	if h.state != statePending {
		return false
	}
	h.state = stateStopped
	h.host.removeLocked(h)
	return true
}

func (h *manualHandle) Pending() bool {
	h.host.mu.Lock()
	defer h.host.mu.Unlock()
	return h.state == statePending
}

// Chan delivers expired callbacks as funcs on C, for a goroutine that owns its
// timers and selects on C alongside its other inputs. The receiver must call each
// func it receives; the func is a no-op if the handle was stopped meanwhile.
type Chan struct {
	c    chan func()
	done chan struct{}
	once sync.Once
}

func NewChan(buffer int) *Chan {
	if buffer < 0 {
		buffer = 0
	}
	return &Chan{c: make(chan func(), buffer), done: make(chan struct{})}
}

func (h *Chan) C() <-chan func() { return h.c }

// Close releases timers blocked on delivery. Pending callbacks are dropped.
func (h *Chan) Close() { h.once.Do(func() { close(h.done) }) }

func (h *Chan) AfterFunc(d time.Duration, fn func()) slottimer.Handle {
	if d < 0 {
		d = 0
	}
	lh := &loopHandle{}
	lh.t = time.AfterFunc(d, func() {
		run := func() {
			if lh.state.CompareAndSwap(statePending, stateFired) {
				fn()
			}
		}
		select {
		case h.c <- run:
		case <-h.done:
			lh.state.CompareAndSwap(statePending, stateStopped)
		}
	})
	return lh
}
