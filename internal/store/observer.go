package store

import "sync"

// observerHub fans mutation notifications out to per-owner subscribers.
// Notifications are pings, not payloads; each observer re-queries the store
// so every snapshot reflects a consistent read.
type observerHub struct {
	mu          sync.Mutex
	subscribers map[string]map[int64]chan struct{}
	nextID      int64
}

func newObserverHub() *observerHub {
	return &observerHub{
		subscribers: make(map[string]map[int64]chan struct{}),
	}
}

// subscribe registers a ping channel for the owner. The returned cleanup is
// idempotent and must be called when the observer stops listening.
func (h *observerHub) subscribe(owner string) (<-chan struct{}, func()) {
	pings := make(chan struct{}, 1)

	h.mu.Lock()
	h.nextID++
	subscriberID := h.nextID
	if _, ok := h.subscribers[owner]; !ok {
		h.subscribers[owner] = make(map[int64]chan struct{})
	}
	h.subscribers[owner][subscriberID] = pings
	h.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.mu.Lock()
			if owned := h.subscribers[owner]; owned != nil {
				delete(owned, subscriberID)
				if len(owned) == 0 {
					delete(h.subscribers, owner)
				}
			}
			h.mu.Unlock()
		})
	}
	return pings, cleanup
}

// notify pings every subscriber for the owner. A subscriber with an
// undelivered ping does not receive another; one ping already forces a
// re-query of the latest state.
func (h *observerHub) notify(owner string) {
	h.mu.Lock()
	subscribers := h.subscribers[owner]
	copies := make([]chan struct{}, 0, len(subscribers))
	for _, pings := range subscribers {
		copies = append(copies, pings)
	}
	h.mu.Unlock()

	for _, pings := range copies {
		select {
		case pings <- struct{}{}:
		default:
		}
	}
}
