// Package eventloop runs submitted functions one at a time on a single goroutine.
//
// It is the execution context that slot timers and the query cache are confined
// to: timer callbacks, reschedules and cache mutations are all posted here, so
// none of them need locks.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	logx "stalewatch/pkg/logx"
)

var ErrClosed = errors.New("eventloop: closed")

type Loop struct {
	log logx.Logger

	mu      sync.Mutex
	queue   []func()
	closed  bool
	started bool

	wake chan struct{}
	done chan struct{}
}

func New(log logx.Logger) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post enqueues fn without blocking. It is safe to call from inside the loop.
// It returns false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to return.
//
// Do must not be called from inside the loop (it would wait on itself); code
// already running on the loop calls its target directly.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	res := make(chan struct{})
	if !l.Post(func() {
		defer close(res)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-res:
		return nil
	case <-l.done:
		// Run drains the queue before closing done, so fn either ran or never will.
		select {
		case <-res:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes posted functions until ctx is canceled or Close is called.
// Functions still queued at that point run before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return errors.New("eventloop: already running")
	}
	l.started = true
	l.mu.Unlock()

	defer close(l.done)
	l.log.Debug("loop started")

	for {
		for {
			fn, ok := l.pop()
			if !ok {
				break
			}
			l.run(fn)
		}

		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			l.drain()
			l.log.Debug("loop stopped")
			return nil
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			l.Close()
		}
	}
}

// Close stops accepting work. Run finishes what is already queued and returns.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) pop() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) drain() {
	for {
		fn, ok := l.pop()
		if !ok {
			return
		}
		l.run(fn)
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop task panicked", logx.String("panic", fmt.Sprint(r)), logx.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}
