// Package notify fans per-widget "refresh now" signals out to subscribers.
package notify

import "sync"

type Hub struct {
	mu   sync.Mutex
	subs map[int]chan int64
	next int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan int64)}
}

// Subscribe returns a channel of widget ids and a cancel function. The
// channel is buffered; a slow subscriber drops signals rather than blocking
// the publisher.
func (h *Hub) Subscribe() (<-chan int64, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan int64, 64)
	h.subs[id] = ch
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Refresh signals that the widget should re-read its binding snapshot.
func (h *Hub) Refresh(widgetID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- widgetID:
		default:
		}
	}
}
