package pricefeed

import (
	"sync"
	"time"

	"github.com/xtrntr/bullion/internal/metrics"
	"github.com/xtrntr/bullion/internal/models"
	"go.uber.org/zap"
)

// Board holds the latest quote per commodity
type Board struct {
	mu     sync.RWMutex
	quotes map[models.Commodity]Quote
}

func NewBoard() *Board {
	return &Board{quotes: make(map[models.Commodity]Quote)}
}

// Set stores q unless a newer quote for the same commodity is already held
func (b *Board) Set(q Quote) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.quotes[q.Commodity]; ok && cur.At.After(q.At) {
		return false
	}
	b.quotes[q.Commodity] = q
	return true
}

func (b *Board) Get(c models.Commodity) (Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[c]
	return q, ok
}

// Snapshot returns the held quotes in commodity order
func (b *Board) Snapshot() []Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Quote, 0, len(b.quotes))
	for _, c := range models.Commodities {
		if q, ok := b.quotes[c]; ok {
			out = append(out, q)
		}
	}
	return out
}

// Feed is the single entry point for quotes, whatever their source
type Feed struct {
	board *Board
	hub   *Hub[Quote]
	log   *zap.Logger
	now   func() time.Time

	mu     sync.Mutex
	latest map[*latest]struct{}
}

// NewFeed creates a feed with an empty board
func NewFeed(log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		board:  NewBoard(),
		hub:    NewHub[Quote](),
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		latest: make(map[*latest]struct{}),
	}
}

// Publish validates q, records it on the board and hands it to every
// subscriber. Quotes older than the one already on the board are not
// delivered.
func (f *Feed) Publish(q Quote, source string) (Quote, error) {
	q, err := q.Normalize()
	if err != nil {
		return q, err
	}
	if q.At.IsZero() {
		q.At = f.now()
	}
	q.At = q.At.UTC()

	metrics.QuotesReceived.WithLabelValues(q.Commodity.String(), source).Inc()
	if !f.board.Set(q) {
		f.log.Debug("stale quote ignored", zap.Stringer("commodity", q.Commodity), zap.Time("at", q.At))
		return q, nil
	}
	f.mu.Lock()
	for l := range f.latest {
		l.offer(q)
	}
	f.mu.Unlock()

	if dropped := f.hub.Broadcast(q); dropped > 0 {
		f.log.Warn("quote dropped for slow subscribers",
			zap.Stringer("commodity", q.Commodity),
			zap.Int("dropped", dropped))
	}
	return q, nil
}

func (f *Feed) Board() *Board { return f.board }

func (f *Feed) Subscribe(buffer int) *Subscription[Quote] { return f.hub.Subscribe(buffer) }

func (f *Feed) Unsubscribe(sub *Subscription[Quote]) { f.hub.Unsubscribe(sub) }
