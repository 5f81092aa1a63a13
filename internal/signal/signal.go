// Package signal fans out local-state refresh notifications.
//
// The stream consumer and the key-value backend's file watcher publish the
// names of stores whose contents changed; UI-facing callers subscribe and
// re-issue reads. Delivery is best-effort: a subscriber that is not draining
// its channel misses batches rather than blocking the publisher.
package signal

import "sync"

// Hub broadcasts changed-store notifications to subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan []string
	next int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan []string)}
}

// Subscribe returns a channel of changed-store batches and a cancel func.
// The channel is buffered; slow consumers drop batches.
func (h *Hub) Subscribe() (<-chan []string, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan []string, 16)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Notify publishes a batch of changed store names. Nil-safe and non-blocking.
func (h *Hub) Notify(stores ...string) {
	if h == nil || len(stores) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- stores:
		default:
		}
	}
}
