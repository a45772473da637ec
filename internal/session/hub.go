package session

import "sync"

// Hub fans out change signals. Signals coalesce: a slow subscriber sees at
// most one pending signal.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[int]chan struct{}{}}
}

func (h *Hub) Notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a signal channel and a function that ends the
// subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan struct{}, 1)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}
