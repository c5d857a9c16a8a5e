package sched

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleFires(t *testing.T) {
	s := New()
	done := make(chan struct{})
	s.Schedule("k", 10*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled call never fired")
	}
	if s.Pending("k") {
		t.Error("key still pending after fire")
	}
}

func TestRescheduleRestartsDelay(t *testing.T) {
	s := New()
	var fired atomic.Int32
	firedAt := make(chan time.Time, 1)

	start := time.Now()
	s.Schedule("highlight", 100*time.Millisecond, func() {
		fired.Add(1)
		firedAt <- time.Now()
	})
	time.Sleep(20 * time.Millisecond)
	s.Schedule("highlight", 100*time.Millisecond, func() {
		fired.Add(1)
		firedAt <- time.Now()
	})

	var at time.Time
	select {
	case at = <-firedAt:
	case <-time.After(2 * time.Second):
		t.Fatal("rescheduled call never fired")
	}
	if elapsed := at.Sub(start); elapsed < 110*time.Millisecond {
		t.Errorf("fired after %v, want the full restarted delay (>= ~120ms)", elapsed)
	}
	time.Sleep(50 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Errorf("fired %d times, want exactly 1", n)
	}
}

func TestCancel(t *testing.T) {
	s := New()
	var fired atomic.Int32
	s.Schedule("k", 20*time.Millisecond, func() { fired.Add(1) })
	s.Cancel("k")
	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("cancelled call fired")
	}
	// Cancelling again must be a no-op.
	s.Cancel("k")
}

func TestKeysAreIndependent(t *testing.T) {
	s := New()
	a := make(chan struct{})
	var bFired atomic.Int32
	s.Schedule("a", 10*time.Millisecond, func() { close(a) })
	s.Schedule("b", 10*time.Millisecond, func() { bFired.Add(1) })
	s.Cancel("b")
	select {
	case <-a:
	case <-time.After(2 * time.Second):
		t.Fatal("key a never fired")
	}
	if bFired.Load() != 0 {
		t.Error("cancelled key b fired")
	}
}

func TestCancelAll(t *testing.T) {
	s := New()
	var fired atomic.Int32
	for _, k := range []string{"x", "y", "z"} {
		s.Schedule(k, 20*time.Millisecond, func() { fired.Add(1) })
	}
	s.CancelAll()
	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("%d calls fired after CancelAll", fired.Load())
	}
}

func TestStaleTokenSuppressed(t *testing.T) {
	// Even if two timers race, only the latest token's fn may run.
	s := New()
	got := make(chan string, 2)
	s.Schedule("k", time.Millisecond, func() { got <- "first" })
	s.Schedule("k", time.Millisecond, func() { got <- "second" })
	select {
	case v := <-got:
		if v != "second" {
			t.Errorf("stale call ran: %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no call fired")
	}
	select {
	case v := <-got:
		t.Errorf("extra call ran: %q", v)
	case <-time.After(50 * time.Millisecond):
	}
}
