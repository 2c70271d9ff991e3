// Package supervisor runs the long-lived goroutines of the daemon under one
// context: the event loop, the refresher, the config watcher and friends.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "stalewatch/pkg/logx"
)

// Supervisor starts named goroutines, recovers their panics and records the
// first failure. With WithCancelOnError, that failure cancels every other
// goroutine.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu       sync.Mutex
	firstErr error
	tasks    map[string]*TaskStatus
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// TaskStatus is a point-in-time view of one named goroutine.
type TaskStatus struct {
	Name      string
	Running   bool
	Runs      int
	Panics    int
	LastStart time.Time
	LastStop  time.Time
	LastErr   string
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		tasks:  map[string]*TaskStatus{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error any goroutine reported.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Status lists every goroutine started so far, sorted by name.
func (s *Supervisor) Status() []TaskStatus {
	s.mu.Lock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Go runs fn once. A non-nil error other than context.Canceled, or a panic,
// is recorded as the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.runOnce(name, fn); err != nil {
			s.fail(err)
		}
	}()
}

// RestartPolicy configures GoRestart.
type RestartPolicy struct {
	MinBackoff  time.Duration // default 250ms
	MaxBackoff  time.Duration // default 30s
	MaxRestarts int           // <=0 means unlimited
}

// GoRestart runs fn and restarts it with exponential backoff whenever it fails
// or returns early, until the supervisor context is done. When MaxRestarts is
// exhausted the last error becomes the supervisor error.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, p RestartPolicy) {
	if fn == nil {
		return
	}
	if p.MinBackoff <= 0 {
		p.MinBackoff = 250 * time.Millisecond
	}
	if p.MaxBackoff < p.MinBackoff {
		p.MaxBackoff = max(30*time.Second, p.MinBackoff)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := p.MinBackoff
		for restarts := 0; ; restarts++ {
			started := time.Now()
			err := s.runOnce(name, fn)
			if s.ctx.Err() != nil {
				return
			}
			if err == nil {
				err = fmt.Errorf("%s: exited", name)
			}
			if p.MaxRestarts > 0 && restarts >= p.MaxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(err)
				return
			}
			// A long healthy run resets the backoff.
			if time.Since(started) >= p.MaxBackoff {
				backoff = p.MinBackoff
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", backoff), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, p.MaxBackoff)
		}
	}()
}

// runOnce runs fn with panic capture and bookkeeping. Cancellation is a clean stop.
func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error) {
	s.noteStart(name)
	s.log.Debug("goroutine started", logx.String("name", name))
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", name, r)
			s.noteStop(name, err, true)
			return
		}
		s.noteStop(name, err, false)
		s.log.Debug("goroutine stopped", logx.String("name", name), logx.Err(err))
	}()

	if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Supervisor) noteStart(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[name]
	if t == nil {
		t = &TaskStatus{Name: name}
		s.tasks[name] = t
	}
	t.Running = true
	t.Runs++
	t.LastStart = time.Now()
}

func (s *Supervisor) noteStop(name string, err error, panicked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[name]
	if t == nil {
		return
	}
	t.Running = false
	t.LastStop = time.Now()
	if panicked {
		t.Panics++
	}
	if err != nil {
		t.LastErr = err.Error()
	}
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels every goroutine and waits for them.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
