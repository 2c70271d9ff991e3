package slottimer_test

import (
	"testing"
	"time"

	"stalewatch/internal/slottimer"
	"stalewatch/internal/timerhost"
)

func TestRescheduleKeepsOneLiveHandle(t *testing.T) {
	t.Parallel()
	for n := 1; n <= 100; n++ {
		host := timerhost.NewManual()
		tm := slottimer.New(func() slottimer.Handle {
			return host.AfterFunc(time.Second, func() {})
		})
		for i := 0; i < n; i++ {
			if !tm.Reschedule() {
				t.Fatalf("n=%d: Reschedule #%d returned false", n, i+1)
			}
		}
		if got := host.Live(); got != 1 {
			t.Fatalf("n=%d: live handles = %d, want 1", n, got)
		}
	}
}

func TestRescheduleReplacesPendingHandle(t *testing.T) {
	t.Parallel()
	host := timerhost.NewManual()
	var fired []string
	label := "h1"
	tm := slottimer.New(func() slottimer.Handle {
		l := label
		return host.AfterFunc(500*time.Millisecond, func() { fired = append(fired, l) })
	})

	tm.Reschedule()
	host.Advance(200 * time.Millisecond)
	label = "h2"
	tm.Reschedule()

	host.Advance(2 * time.Second)
	if len(fired) != 1 || fired[0] != "h2" {
		t.Fatalf("fired = %v, want [h2]", fired)
	}
	if tm.Scheduled() {
		t.Fatal("slot must be empty after the callback fired")
	}
}

func TestScheduleNilCancelsPrevious(t *testing.T) {
	t.Parallel()
	host := timerhost.NewManual()
	arm := true
	fired := 0
	tm := slottimer.New(func() slottimer.Handle {
		if !arm {
			return nil
		}
		return host.AfterFunc(time.Second, func() { fired++ })
	})

	if !tm.Reschedule() {
		t.Fatal("expected a live handle")
	}
	arm = false
	if tm.Reschedule() {
		t.Fatal("expected no live handle when schedule returns nil")
	}
	if host.Live() != 0 {
		t.Fatalf("live = %d, want 0", host.Live())
	}
	host.Advance(time.Minute)
	if fired != 0 {
		t.Fatalf("fired = %d, want 0", fired)
	}
}

func TestTeardownIsIdempotentAndFinal(t *testing.T) {
	t.Parallel()
	host := timerhost.NewManual()
	calls := 0
	fired := 0
	tm := slottimer.New(func() slottimer.Handle {
		calls++
		return host.AfterFunc(time.Second, func() { fired++ })
	})

	tm.Reschedule()
	tm.Teardown()
	tm.Teardown()
	if err := tm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !tm.Closed() {
		t.Fatal("expected Closed after teardown")
	}

	if tm.Reschedule() {
		t.Fatal("Reschedule after teardown must be a no-op")
	}
	if calls != 1 {
		t.Fatalf("schedule calls = %d, want 1", calls)
	}
	host.Advance(time.Hour)
	if fired != 0 {
		t.Fatalf("callback fired %d times after teardown", fired)
	}
}

func TestTeardownAfterFireIsNoop(t *testing.T) {
	t.Parallel()
	host := timerhost.NewManual()
	fired := 0
	tm := slottimer.New(func() slottimer.Handle {
		return host.AfterFunc(time.Second, func() { fired++ })
	})
	tm.Reschedule()
	host.Advance(time.Second)
	tm.Teardown()
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestCallbackMayReschedule(t *testing.T) {
	t.Parallel()
	host := timerhost.NewManual()
	var tm *slottimer.Timer
	fired := 0
	tm = slottimer.New(func() slottimer.Handle {
		return host.AfterFunc(time.Second, func() {
			fired++
			tm.Reschedule()
		})
	})

	tm.Reschedule()
	host.Advance(3500 * time.Millisecond)
	if fired != 3 {
		t.Fatalf("fired = %d, want 3", fired)
	}
	if host.Live() != 1 || !tm.Scheduled() {
		t.Fatalf("live = %d scheduled = %v, want exactly one pending handle", host.Live(), tm.Scheduled())
	}
}

func TestReentrantRescheduleInsideSchedule(t *testing.T) {
	t.Parallel()
	host := timerhost.NewManual()
	var tm *slottimer.Timer
	depth := 0
	tm = slottimer.New(func() slottimer.Handle {
		depth++
		if depth == 1 {
			tm.Reschedule()
		}
		return host.AfterFunc(time.Second, func() {})
	})

	if !tm.Reschedule() {
		t.Fatal("expected a live handle")
	}
	if got := host.Live(); got != 1 {
		t.Fatalf("live = %d, want 1", got)
	}
}

func TestTeardownInsideSchedule(t *testing.T) {
	t.Parallel()
	host := timerhost.NewManual()
	var tm *slottimer.Timer
	tm = slottimer.New(func() slottimer.Handle {
		tm.Teardown()
		return host.AfterFunc(time.Second, func() {})
	})

	if tm.Reschedule() {
		t.Fatal("expected false when the slot closed during schedule")
	}
	if host.Live() != 0 {
		t.Fatalf("live = %d, want 0", host.Live())
	}
}

func TestNilTimerIsSafe(t *testing.T) {
	t.Parallel()
	var tm *slottimer.Timer
	if tm.Reschedule() || tm.Scheduled() {
		t.Fatal("nil timer must report nothing scheduled")
	}
	tm.Teardown()
}
