package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/bullion/internal/metrics"
	"github.com/xtrntr/bullion/internal/models"
	"go.uber.org/zap"
)

// PendingOrderRequest describes a conditional order to admit
type PendingOrderRequest struct {
	UserID       int
	Commodity    models.Commodity
	Action       models.Action
	Quantity     int64
	TriggerPrice decimal.Decimal
	Kind         models.OrderKind
}

// Admit validates and records a new Pending order. Funds and holdings are
// checked only when the order fires.
func (e *Exchange) Admit(ctx context.Context, r PendingOrderRequest) (*models.PendingOrder, error) {
	r.TriggerPrice = models.RoundPrice(r.TriggerPrice)
	switch {
	case r.Quantity <= 0:
		return nil, validationError("quantity must be greater than 0")
	case !r.TriggerPrice.IsPositive():
		return nil, validationError("trigger price must be greater than 0")
	case !r.Commodity.Valid():
		return nil, validationError("invalid commodity specified")
	case !r.Action.Valid():
		return nil, validationError("invalid action specified (must be 'buy' or 'sell')")
	case !r.Kind.Valid():
		return nil, validationError("invalid order type specified (must be 'Limit' or 'StopLoss')")
	case r.Kind == models.StopLoss && r.Action != models.Sell:
		return nil, validationError("stop-loss orders must be sell orders")
	}

	o := &models.PendingOrder{
		UserID:       r.UserID,
		Commodity:    r.Commodity,
		Action:       r.Action,
		Quantity:     r.Quantity,
		TriggerPrice: r.TriggerPrice,
		Kind:         r.Kind,
		Status:       models.Pending,
		PlacedAt:     e.now(),
	}
	if err := e.store.InsertPendingOrder(ctx, o); err != nil {
		return nil, asStorage(err, "failed to place order")
	}

	metrics.OrdersAdmitted.WithLabelValues(o.Kind.String(), o.Action.String()).Inc()
	e.log.Info("pending order placed",
		zap.Int("order_id", o.ID),
		zap.Int("user_id", o.UserID),
		zap.Stringer("kind", o.Kind),
		zap.Stringer("action", o.Action),
		zap.Stringer("commodity", o.Commodity),
		zap.Int64("quantity", o.Quantity),
		zap.Stringer("trigger_price", o.TriggerPrice))
	return o, nil
}

// Cancel moves one of the user's Pending orders to Canceled
func (e *Exchange) Cancel(ctx context.Context, userID, orderID int) (*models.PendingOrder, error) {
	o, err := e.close(ctx, orderID, models.Canceled, func(o *models.PendingOrder) error {
		if o.UserID != userID {
			return NotFoundError("order not found or not owned by user")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("pending order canceled", zap.Int("order_id", o.ID), zap.Int("user_id", userID))
	return o, nil
}

// Expire moves a Pending order to Expired
func (e *Exchange) Expire(ctx context.Context, orderID int) (*models.PendingOrder, error) {
	return e.close(ctx, orderID, models.Expired, nil)
}

// ExpireBefore expires every Pending order placed before cutoff. Orders that
// left Pending concurrently are skipped.
func (e *Exchange) ExpireBefore(ctx context.Context, cutoff time.Time) ([]models.PendingOrder, error) {
	stale, err := e.store.ListPendingBefore(ctx, cutoff)
	if err != nil {
		return nil, asStorage(err, "failed to list stale orders")
	}

	var expired []models.PendingOrder
	for _, s := range stale {
		o, err := e.Expire(ctx, s.ID)
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired = append(expired, *o)
	}
	if len(expired) > 0 {
		e.log.Info("pending orders expired", zap.Int("count", len(expired)), zap.Time("cutoff", cutoff))
	}
	return expired, nil
}

func (e *Exchange) close(ctx context.Context, orderID int, status models.OrderStatus, check func(*models.PendingOrder) error) (*models.PendingOrder, error) {
	var closed *models.PendingOrder
	err := e.store.InTx(ctx, func(tx Tx) error {
		o, err := tx.LockPendingOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(o); err != nil {
				return err
			}
		}
		if o.Status != models.Pending {
			return ConflictError(nil, "order not pending (status %s)", o.Status)
		}
		now := e.now()
		o.Status = status
		o.ClosedAt = &now
		if err := tx.UpdatePendingOrder(ctx, o); err != nil {
			return err
		}
		closed = o
		return nil
	})
	if err != nil {
		return nil, asStorage(err, "failed to update order")
	}
	metrics.OrderTransitions.WithLabelValues(status.String()).Inc()
	return closed, nil
}

// Holdings returns the user's current holdings
func (e *Exchange) Holdings(ctx context.Context, userID int) (*models.Holdings, error) {
	h, err := e.store.GetHoldings(ctx, userID)
	if err != nil {
		return nil, asStorage(err, "failed to get holdings")
	}
	return h, nil
}

// TradeHistory returns the user's trades, newest first
func (e *Exchange) TradeHistory(ctx context.Context, userID int) ([]models.Trade, error) {
	trades, err := e.store.ListTrades(ctx, userID)
	if err != nil {
		return nil, asStorage(err, "failed to get trade history")
	}
	return trades, nil
}

// PendingOrders returns the user's orders still waiting for a trigger, newest placed first
func (e *Exchange) PendingOrders(ctx context.Context, userID int) ([]models.PendingOrder, error) {
	orders, err := e.store.ListPendingOrders(ctx, userID)
	if err != nil {
		return nil, asStorage(err, "failed to get pending orders")
	}
	return orders, nil
}

// Triggerable returns every Pending order on c in increasing id order
func (e *Exchange) Triggerable(ctx context.Context, c models.Commodity) ([]models.PendingOrder, error) {
	orders, err := e.store.ListTriggerable(ctx, c)
	if err != nil {
		return nil, asStorage(err, "failed to list pending orders")
	}
	return orders, nil
}
