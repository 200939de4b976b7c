package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of fraction digits kept for every money amount
const PriceScale = 4

// RoundPrice brings a money amount to PriceScale digits, rounding half away from zero
func RoundPrice(d decimal.Decimal) decimal.Decimal {
	return d.Round(PriceScale)
}

// User represents a registered user
type User struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Position is the open quantity of one commodity and its average cost basis
type Position struct {
	Quantity    int64           `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
}

// Holdings is a user's cash and commodity positions
type Holdings struct {
	UserID      int             `json:"user_id"`
	Cash        decimal.Decimal `json:"cash"`
	Gold        Position        `json:"gold"`
	Silver      Position        `json:"silver"`
	LastUpdated time.Time       `json:"last_updated"`
}

// Position returns the position held in c, or nil for an unknown commodity
func (h *Holdings) Position(c Commodity) *Position {
	switch c {
	case Gold:
		return &h.Gold
	case Silver:
		return &h.Silver
	}
	return nil
}

// Validate checks the holdings invariants
func (h *Holdings) Validate() error {
	if h.Cash.IsNegative() {
		return fmt.Errorf("cash balance %s is negative", h.Cash)
	}
	for _, c := range Commodities {
		p := h.Position(c)
		if p.Quantity < 0 {
			return fmt.Errorf("%s quantity %d is negative", c, p.Quantity)
		}
		if p.Quantity == 0 && !p.AverageCost.IsZero() {
			return fmt.Errorf("%s average cost %s set on an empty position", c, p.AverageCost)
		}
	}
	return nil
}

// Trade represents an executed trade
type Trade struct {
	ID         int             `json:"id"`
	UserID     int             `json:"user_id"`
	Commodity  Commodity       `json:"commodity"`
	Action     Action          `json:"action"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	OrderID    *int            `json:"order_id,omitempty"` // pending order that produced the trade
	ExecutedAt time.Time       `json:"executed_at"`
}

// PendingOrder is a conditional order waiting for its trigger
type PendingOrder struct {
	ID            int              `json:"id"`
	UserID        int              `json:"user_id"`
	Commodity     Commodity        `json:"commodity"`
	Action        Action           `json:"action"`
	Quantity      int64            `json:"quantity"`
	TriggerPrice  decimal.Decimal  `json:"trigger_price"`
	Kind          OrderKind        `json:"type"`
	Status        OrderStatus      `json:"status"`
	PlacedAt      time.Time        `json:"placed_at"`
	ExecutedAt    *time.Time       `json:"executed_at,omitempty"`
	ExecutedPrice *decimal.Decimal `json:"executed_price,omitempty"`
	FailureReason *string          `json:"failure_reason,omitempty"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
}
