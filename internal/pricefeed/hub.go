package pricefeed

import "sync"

// Subscription receives broadcast values on C until it is unsubscribed
type Subscription[T any] struct {
	C  <-chan T
	ch chan T
}

// Hub fans values out to subscribers. A subscriber whose buffer is full
// misses the value rather than blocking the broadcaster.
type Hub[T any] struct {
	mu   sync.RWMutex
	subs map[*Subscription[T]]struct{}
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[*Subscription[T]]struct{})}
}

func (h *Hub[T]) Subscribe(buffer int) *Subscription[T] {
	ch := make(chan T, buffer)
	sub := &Subscription[T]{C: ch, ch: ch}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub[T]) Unsubscribe(sub *Subscription[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}

// Broadcast delivers value to every subscriber with room in its buffer and
// returns how many subscribers missed it.
func (h *Hub[T]) Broadcast(value T) (dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- value:
		default:
			dropped++
		}
	}
	return dropped
}

func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
