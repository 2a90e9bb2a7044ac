package notify

import (
	"testing"
	"time"
)

func TestRefreshFanOut(t *testing.T) {
	h := NewHub()
	ch1, cancel1 := h.Subscribe()
	defer cancel1()
	ch2, cancel2 := h.Subscribe()
	defer cancel2()

	h.Refresh(7)

	for _, ch := range []<-chan int64{ch1, ch2} {
		select {
		case id := <-ch:
			if id != 7 {
				t.Errorf("got widget %d, want 7", id)
			}
		case <-time.After(time.Second):
			t.Fatal("signal not delivered")
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
	// Publishing after unsubscribe must not panic
	h.Refresh(1)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Refresh(int64(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}
