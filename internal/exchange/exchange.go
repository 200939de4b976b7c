// Package exchange is the portfolio ledger: it executes market orders against
// user holdings, records the trade ledger and manages pending orders.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/bullion/internal/metrics"
	"github.com/xtrntr/bullion/internal/models"
	"go.uber.org/zap"
)

// Exchange applies trades to holdings. Market orders and triggered pending
// orders both go through the same unit of work, so a user's holdings are
// never read and written by two executions at once.
type Exchange struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

// Option configures an Exchange
type Option func(*Exchange)

// WithLogger sets the logger used for executed and rejected trades
func WithLogger(l *zap.Logger) Option {
	return func(e *Exchange) { e.log = l }
}

// WithClock overrides the time source used for trade and order timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Exchange) { e.now = now }
}

// NewExchange creates a new exchange
func NewExchange(store Store, opts ...Option) *Exchange {
	e := &Exchange{
		store: store,
		log:   zap.NewNop(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MarketOrder is a request to trade immediately at Price
type MarketOrder struct {
	UserID    int
	Commodity models.Commodity
	Action    models.Action
	Quantity  int64
	Price     decimal.Decimal
}

// Execution is the outcome of a successful trade
type Execution struct {
	Holdings models.Holdings `json:"holdings"`
	Trade    models.Trade    `json:"trade"`
}

// Fill is the outcome of executing a pending order. Rejection is set when the
// execution was refused and the order moved to Failed.
type Fill struct {
	Order     models.PendingOrder
	Execution *Execution
	Rejection error
}

// Executed reports whether the order was filled
func (f *Fill) Executed() bool { return f.Execution != nil }

func checkTradeInput(c models.Commodity, a models.Action, qty int64, price decimal.Decimal) error {
	if !price.IsPositive() {
		return validationError("price must be greater than 0")
	}
	if qty <= 0 {
		return validationError("quantity must be greater than 0")
	}
	if !c.Valid() {
		return validationError("invalid commodity specified")
	}
	if !a.Valid() {
		return validationError("invalid action specified (must be 'buy' or 'sell')")
	}
	return nil
}

// Execute applies a market order to the user's holdings and appends it to
// the trade ledger in one transaction.
func (e *Exchange) Execute(ctx context.Context, o MarketOrder) (*Execution, error) {
	o.Price = models.RoundPrice(o.Price)
	if err := checkTradeInput(o.Commodity, o.Action, o.Quantity, o.Price); err != nil {
		e.rejected(o, err)
		return nil, err
	}

	var exec *Execution
	err := e.store.InTx(ctx, func(tx Tx) error {
		var err error
		exec, err = e.apply(ctx, tx, o, nil, e.now())
		return err
	})
	if err != nil {
		err = asStorage(err, "failed to execute trade")
		e.rejected(o, err)
		return nil, err
	}

	e.executed(exec.Trade, exec.Holdings)
	return exec, nil
}

// ExecutePending fills a Pending order at price. A business-rule rejection
// moves the order to Failed and is reported through Fill.Rejection, not as an
// error. Storage failures roll back and leave the order Pending.
func (e *Exchange) ExecutePending(ctx context.Context, orderID int, price decimal.Decimal) (*Fill, error) {
	price = models.RoundPrice(price)
	if !price.IsPositive() {
		return nil, validationError("price must be greater than 0")
	}

	var fill Fill
	err := e.store.InTx(ctx, func(tx Tx) error {
		fill = Fill{}
		o, err := tx.LockPendingOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != models.Pending {
			return ConflictError(nil, "order %d is %s", o.ID, o.Status)
		}

		now := e.now()
		mo := MarketOrder{
			UserID:    o.UserID,
			Commodity: o.Commodity,
			Action:    o.Action,
			Quantity:  o.Quantity,
			Price:     price,
		}
		if err := checkTradeInput(mo.Commodity, mo.Action, mo.Quantity, mo.Price); err != nil {
			fill.Rejection = err
		} else {
			fill.Execution, err = e.apply(ctx, tx, mo, &o.ID, now)
			if err != nil {
				if !IsRejection(err) {
					return err
				}
				fill.Rejection = err
			}
		}

		if fill.Rejection != nil {
			reason := fill.Rejection.Error()
			o.Status = models.Failed
			o.FailureReason = &reason
			o.ClosedAt = &now
		} else {
			o.Status = models.Executed
			o.ExecutedAt = &now
			o.ExecutedPrice = &price
		}
		if err := tx.UpdatePendingOrder(ctx, o); err != nil {
			return err
		}
		fill.Order = *o
		return nil
	})
	if err != nil {
		return nil, asStorage(err, "failed to execute pending order")
	}

	metrics.OrderTransitions.WithLabelValues(fill.Order.Status.String()).Inc()
	if fill.Executed() {
		e.executed(fill.Execution.Trade, fill.Execution.Holdings)
	} else {
		e.log.Warn("pending order failed",
			zap.Int("order_id", fill.Order.ID),
			zap.Int("user_id", fill.Order.UserID),
			zap.Error(fill.Rejection))
	}
	return &fill, nil
}

// apply runs inside a transaction. Every rejection is detected before the
// first write, so a rejected apply leaves nothing to roll back.
func (e *Exchange) apply(ctx context.Context, tx Tx, o MarketOrder, orderID *int, now time.Time) (*Execution, error) {
	h, err := tx.LockHoldings(ctx, o.UserID)
	if err != nil {
		return nil, err
	}

	switch o.Action {
	case models.Buy:
		err = applyBuy(h, o.Commodity, o.Quantity, o.Price)
	case models.Sell:
		err = applySell(h, o.Commodity, o.Quantity, o.Price)
	}
	if err != nil {
		return nil, err
	}
	if err := h.Validate(); err != nil {
		return nil, StorageError(err, "holdings invariant violated")
	}
	h.LastUpdated = now

	if err := tx.UpdateHoldings(ctx, h); err != nil {
		return nil, err
	}
	trade := &models.Trade{
		UserID:     o.UserID,
		Commodity:  o.Commodity,
		Action:     o.Action,
		Quantity:   o.Quantity,
		Price:      o.Price,
		OrderID:    orderID,
		ExecutedAt: now,
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, err
	}
	return &Execution{Holdings: *h, Trade: *trade}, nil
}

func (e *Exchange) executed(t models.Trade, h models.Holdings) {
	metrics.TradesExecuted.WithLabelValues(t.Commodity.String(), t.Action.String()).Inc()
	e.log.Info("trade executed",
		zap.Int("user_id", t.UserID),
		zap.Int("trade_id", t.ID),
		zap.Stringer("commodity", t.Commodity),
		zap.Stringer("action", t.Action),
		zap.Int64("quantity", t.Quantity),
		zap.Stringer("price", t.Price),
		zap.Stringer("cash", h.Cash))
}

func (e *Exchange) rejected(o MarketOrder, err error) {
	kind := KindOf(err)
	metrics.TradeRejections.WithLabelValues(string(kind)).Inc()
	if kind == KindStorage {
		e.log.Error("trade failed",
			zap.Int("user_id", o.UserID),
			zap.Stringer("commodity", o.Commodity),
			zap.Int64("quantity", o.Quantity),
			zap.Error(err))
		return
	}
	e.log.Info("trade rejected",
		zap.Int("user_id", o.UserID),
		zap.String("kind", string(kind)),
		zap.String("reason", err.Error()))
}
