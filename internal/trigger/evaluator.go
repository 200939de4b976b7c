// Package trigger fires pending orders when a quote crosses their trigger price.
package trigger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/xtrntr/bullion/internal/exchange"
	"github.com/xtrntr/bullion/internal/metrics"
	"github.com/xtrntr/bullion/internal/models"
	"github.com/xtrntr/bullion/internal/pricefeed"
	"go.uber.org/zap"
)

// Fires reports whether q satisfies o's trigger condition:
//
//	Limit buy:     ask <= trigger
//	Limit sell:    bid >= trigger
//	StopLoss sell: bid <= trigger
func Fires(o models.PendingOrder, q pricefeed.Quote) bool {
	if o.Commodity != q.Commodity {
		return false
	}
	switch {
	case o.Kind == models.Limit && o.Action == models.Buy:
		return q.Ask.LessThanOrEqual(o.TriggerPrice)
	case o.Kind == models.Limit && o.Action == models.Sell:
		return q.Bid.GreaterThanOrEqual(o.TriggerPrice)
	case o.Kind == models.StopLoss && o.Action == models.Sell:
		return q.Bid.LessThanOrEqual(o.TriggerPrice)
	}
	return false
}

// Report summarizes one evaluation pass
type Report struct {
	TickID    string
	Quote     pricefeed.Quote
	Evaluated int
	Executed  []models.PendingOrder
	Failed    []models.PendingOrder
	// Skipped orders left Pending between the snapshot and their execution.
	Skipped int
	Errors  int
}

// Evaluator runs one pass over the Pending orders of a commodity per quote.
// Passes never overlap: Run processes quotes one at a time.
type Evaluator struct {
	ex             *exchange.Exchange
	log            *zap.Logger
	orderTTL       time.Duration
	expiryInterval time.Duration
	now            func() time.Time
}

// Option configures an Evaluator
type Option func(*Evaluator)

func WithLogger(l *zap.Logger) Option {
	return func(e *Evaluator) { e.log = l }
}

// WithExpiry expires orders Pending for longer than ttl, checked every interval
func WithExpiry(ttl, interval time.Duration) Option {
	return func(e *Evaluator) {
		e.orderTTL = ttl
		e.expiryInterval = interval
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

func NewEvaluator(ex *exchange.Exchange, opts ...Option) *Evaluator {
	e := &Evaluator{
		ex:  ex,
		log: zap.NewNop(),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnQuote evaluates every Pending order on q's commodity, in increasing id
// order, against q. The order list is read once at the start of the pass.
func (e *Evaluator) OnQuote(ctx context.Context, q pricefeed.Quote) (*Report, error) {
	start := time.Now()
	defer func() { metrics.EvaluationDuration.Observe(time.Since(start).Seconds()) }()

	r := &Report{TickID: uuid.NewString(), Quote: q}
	log := e.log.With(zap.String("tick_id", r.TickID), zap.Stringer("commodity", q.Commodity))

	orders, err := e.ex.Triggerable(ctx, q.Commodity)
	if err != nil {
		log.Error("failed to list pending orders", zap.Error(err))
		return r, err
	}

	for _, o := range orders {
		r.Evaluated++
		if !Fires(o, q) {
			continue
		}

		fill, err := e.ex.ExecutePending(ctx, o.ID, q.PriceFor(o.Action))
		switch {
		case errors.Is(err, exchange.ErrConflict), errors.Is(err, exchange.ErrNotFound):
			r.Skipped++
			log.Debug("order left pending before execution", zap.Int("order_id", o.ID), zap.Error(err))
		case err != nil:
			r.Errors++
			log.Error("failed to execute pending order", zap.Int("order_id", o.ID), zap.Error(err))
		case fill.Executed():
			r.Executed = append(r.Executed, fill.Order)
		default:
			r.Failed = append(r.Failed, fill.Order)
		}
	}

	if len(r.Executed)+len(r.Failed) > 0 || r.Errors > 0 {
		log.Info("evaluation pass",
			zap.Int("evaluated", r.Evaluated),
			zap.Int("executed", len(r.Executed)),
			zap.Int("failed", len(r.Failed)),
			zap.Int("errors", r.Errors))
	}
	return r, nil
}

// Expire moves orders older than the configured TTL to Expired. It is a no-op
// when expiry is disabled.
func (e *Evaluator) Expire(ctx context.Context) ([]models.PendingOrder, error) {
	if e.orderTTL <= 0 {
		return nil, nil
	}
	return e.ex.ExpireBefore(ctx, e.now().Add(-e.orderTTL))
}

// Run evaluates quotes until ctx is done or quotes is closed, and sweeps
// expired orders between quotes.
func (e *Evaluator) Run(ctx context.Context, quotes <-chan pricefeed.Quote) error {
	var sweep <-chan time.Time
	if e.orderTTL > 0 && e.expiryInterval > 0 {
		ticker := time.NewTicker(e.expiryInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	e.log.Info("trigger evaluator started", zap.Duration("order_ttl", e.orderTTL))
	for {
		select {
		case <-ctx.Done():
			e.log.Info("trigger evaluator stopped")
			return nil
		case q, ok := <-quotes:
			if !ok {
				return nil
			}
			// Errors are logged inside the pass; the next quote retries.
			_, _ = e.OnQuote(ctx, q)
		case <-sweep:
			if _, err := e.Expire(ctx); err != nil {
				e.log.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}
