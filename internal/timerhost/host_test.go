package timerhost

import (
	"context"
	"testing"
	"time"

	"stalewatch/internal/eventloop"
	logx "stalewatch/pkg/logx"
)

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l := eventloop.New(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestLoopHostDeliversOnLoop(t *testing.T) {
	t.Parallel()
	l := startLoop(t)
	h := NewLoop(l)

	got := make(chan struct{})
	handle := h.AfterFunc(5*time.Millisecond, func() { close(got) })
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not fire")
	}
	if handle.Pending() {
		t.Fatal("handle must not be pending after firing")
	}
	if handle.Stop() {
		t.Fatal("Stop after firing must report false")
	}
}

func TestLoopHostStopPreventsCallback(t *testing.T) {
	t.Parallel()
	l := startLoop(t)
	h := NewLoop(l)

	fired := make(chan struct{}, 1)
	handle := h.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	if !handle.Stop() {
		t.Fatal("Stop on a pending handle must report true")
	}
	if handle.Stop() {
		t.Fatal("second Stop must report false")
	}
	select {
	case <-fired:
		t.Fatal("stopped callback fired")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestLoopHostStopAfterTimerExpiredButBeforeDelivery(t *testing.T) {
	t.Parallel()
	l := startLoop(t)
	h := NewLoop(l)

	// Block the loop so the expired timer's delivery waits in the queue.
	release := make(chan struct{})
	blocked := make(chan struct{})
	l.Post(func() {
		close(blocked)
		<-release
	})
	<-blocked

	fired := false
	handle := h.AfterFunc(0, func() { fired = true })
	time.Sleep(20 * time.Millisecond)

	if !handle.Stop() {
		t.Fatal("Stop before delivery must report true")
	}
	close(release)

	var firedNow bool
	if err := l.Do(context.Background(), func() { firedNow = fired }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if firedNow {
		t.Fatal("callback ran after Stop")
	}
}

func TestManualFiresInDueOrder(t *testing.T) {
	t.Parallel()
	m := NewManual()
	var order []int
	m.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	m.AfterFunc(time.Second, func() { order = append(order, 1) })
	m.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	m.AfterFunc(2*time.Second, func() { order = append(order, 22) })

	if n := m.Advance(2500 * time.Millisecond); n != 3 {
		t.Fatalf("fired = %d, want 3", n)
	}
	want := []int{1, 2, 22}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if m.Live() != 1 {
		t.Fatalf("live = %d, want 1", m.Live())
	}
	if m.Elapsed() != 2500*time.Millisecond {
		t.Fatalf("elapsed = %v", m.Elapsed())
	}
}

func TestManualCallbackArmsWithinWindow(t *testing.T) {
	t.Parallel()
	m := NewManual()
	count := 0
	var arm func()
	arm = func() {
		m.AfterFunc(time.Second, func() {
			count++
			arm()
		})
	}
	arm()
	m.Advance(5 * time.Second)
	if count != 5 {
		t.Fatalf("count = %d, want 5", count)
	}
}

func TestManualStop(t *testing.T) {
	t.Parallel()
	m := NewManual()
	fired := false
	h := m.AfterFunc(time.Second, func() { fired = true })
	if !h.Pending() || !h.Stop() || h.Pending() {
		t.Fatal("unexpected handle state around Stop")
	}
	m.Advance(time.Minute)
	if fired {
		t.Fatal("stopped handle fired")
	}
}

func TestChanHostDelivery(t *testing.T) {
	t.Parallel()
	h := NewChan(1)
	defer h.Close()

	ran := 0
	handle := h.AfterFunc(time.Millisecond, func() { ran++ })
	select {
	case run := <-h.C():
		run()
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
	if ran != 1 || handle.Pending() {
		t.Fatalf("ran=%d pending=%v", ran, handle.Pending())
	}
}

func TestChanHostStopAfterDelivery(t *testing.T) {
	t.Parallel()
	h := NewChan(1)
	defer h.Close()

	ran := false
	handle := h.AfterFunc(time.Millisecond, func() { ran = true })
	var run func()
	select {
	case run = <-h.C():
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
	if !handle.Stop() {
		t.Fatal("Stop before the delivered func runs must report true")
	}
	run()
	if ran {
		t.Fatal("stopped callback ran")
	}
}
