package eventloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "stalewatch/pkg/logx"
)

func TestLoopRunsInOrder(t *testing.T) {
	t.Parallel()
	l := New(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	var got []int
	for i := 0; i < 50; i++ {
		i := i
		if !l.Post(func() { got = append(got, i) }) {
			t.Fatalf("Post %d rejected", i)
		}
	}
	var n int
	if err := l.Do(ctx, func() { n = len(got) }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if n != 50 {
		t.Fatalf("ran %d tasks, want 50", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestLoopPostFromInsideLoop(t *testing.T) {
	t.Parallel()
	l := New(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	done := make(chan struct{})
	l.Post(func() {
		l.Post(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested post did not run")
	}
}

func TestLoopCloseDrainsQueue(t *testing.T) {
	t.Parallel()
	l := New(logx.Nop())

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 10; i++ {
		l.Post(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	l.Close()
	if l.Post(func() {}) {
		t.Fatal("Post after Close must be rejected")
	}
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-l.Done()

	mu.Lock()
	defer mu.Unlock()
	if ran != 10 {
		t.Fatalf("ran = %d, want 10", ran)
	}
}

func TestLoopDoAfterClose(t *testing.T) {
	t.Parallel()
	l := New(logx.Nop())
	l.Close()
	if err := l.Do(context.Background(), func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Do after Close = %v, want ErrClosed", err)
	}
}

func TestLoopRecoversPanics(t *testing.T) {
	t.Parallel()
	l := New(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	l.Post(func() { panic("boom") })
	ok := false
	if err := l.Do(ctx, func() { ok = true }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ok {
		t.Fatal("loop stopped after a panicking task")
	}
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	l := New(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if l.Post(func() {}) {
		t.Fatal("Post after shutdown must be rejected")
	}
}
