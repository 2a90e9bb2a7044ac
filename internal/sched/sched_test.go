package sched

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleFires(t *testing.T) {
	s := New()
	defer s.Stop()

	done := make(chan struct{})
	s.Schedule("k", 10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestScheduleReplacesExisting(t *testing.T) {
	s := New()
	defer s.Stop()

	var first, second atomic.Int32
	s.Schedule("k", 20*time.Millisecond, func() { first.Add(1) })
	s.Schedule("k", 20*time.Millisecond, func() { second.Add(1) })

	time.Sleep(100 * time.Millisecond)
	if first.Load() != 0 {
		t.Error("replaced timer still fired")
	}
	if second.Load() != 1 {
		t.Errorf("replacement fired %d times, want 1", second.Load())
	}
}

func TestCancel(t *testing.T) {
	s := New()
	defer s.Stop()

	var fired atomic.Int32
	s.Schedule("k", 20*time.Millisecond, func() { fired.Add(1) })
	if !s.Cancel("k") {
		t.Fatal("cancel reported no pending timer")
	}
	if s.Cancel("k") {
		t.Fatal("second cancel reported a pending timer")
	}
	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("cancelled timer fired")
	}
}

func TestDifferentKeysIndependent(t *testing.T) {
	s := New()
	defer s.Stop()

	var a, b atomic.Int32
	s.Schedule("a", 10*time.Millisecond, func() { a.Add(1) })
	s.Schedule("b", 10*time.Millisecond, func() { b.Add(1) })
	time.Sleep(80 * time.Millisecond)
	if a.Load() != 1 || b.Load() != 1 {
		t.Errorf("fired a=%d b=%d, want 1/1", a.Load(), b.Load())
	}
}

func TestStopRejectsNewWork(t *testing.T) {
	s := New()
	var fired atomic.Int32
	s.Schedule("k", 20*time.Millisecond, func() { fired.Add(1) })
	s.Stop()
	s.Schedule("after", 5*time.Millisecond, func() { fired.Add(1) })
	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("fired %d times after stop", fired.Load())
	}
}
