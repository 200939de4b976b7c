package pricefeed

import (
	"context"
	"sync"

	"github.com/xtrntr/bullion/internal/models"
)

// latest keeps the newest unread quote per commodity for one consumer.
// Offering never blocks; a newer quote replaces an unread older one.
type latest struct {
	mu      sync.Mutex
	pending map[models.Commodity]Quote
	order   []models.Commodity
	ready   chan struct{}
}

func newLatest() *latest {
	return &latest{
		pending: make(map[models.Commodity]Quote),
		ready:   make(chan struct{}, 1),
	}
}

func (l *latest) offer(q Quote) {
	l.mu.Lock()
	if _, ok := l.pending[q.Commodity]; !ok {
		l.order = append(l.order, q.Commodity)
	}
	l.pending[q.Commodity] = q
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
}

// take returns the unread quotes in the order their commodity first became unread
func (l *latest) take() []Quote {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Quote, 0, len(l.order))
	for _, c := range l.order {
		out = append(out, l.pending[c])
		delete(l.pending, c)
	}
	l.order = l.order[:0]
	return out
}

// SubscribeLatest returns a channel that never misses the newest quote of a
// commodity. While the reader is busy, quotes for the same commodity
// collapse into the most recent one. The channel is closed once ctx is done.
func (f *Feed) SubscribeLatest(ctx context.Context) <-chan Quote {
	l := newLatest()
	f.mu.Lock()
	f.latest[l] = struct{}{}
	f.mu.Unlock()

	out := make(chan Quote)
	go func() {
		defer close(out)
		defer func() {
			f.mu.Lock()
			delete(f.latest, l)
			f.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.ready:
			}
			for _, q := range l.take() {
				select {
				case out <- q:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
