package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/bullion/internal/models"
)

// applyBuy debits cash and folds the purchase into the weighted-average cost.
// h is left untouched when the buy is rejected.
func applyBuy(h *models.Holdings, c models.Commodity, qty int64, price decimal.Decimal) error {
	pos := h.Position(c)
	if pos == nil {
		return validationError("invalid commodity specified")
	}
	cost := price.Mul(decimal.NewFromInt(qty))
	if h.Cash.LessThan(cost) {
		return &Error{
			Kind:    KindInsufficientFunds,
			Message: fmt.Sprintf("insufficient cash reserve: need %s, have %s", cost, h.Cash),
		}
	}

	if pos.Quantity > 0 {
		held := decimal.NewFromInt(pos.Quantity)
		total := held.Add(decimal.NewFromInt(qty))
		pos.AverageCost = models.RoundPrice(held.Mul(pos.AverageCost).Add(cost).Div(total))
	} else {
		pos.AverageCost = price
	}
	pos.Quantity += qty
	h.Cash = h.Cash.Sub(cost)
	return nil
}

// applySell credits cash and reduces the position. Emptying a position
// resets its average cost to zero.
func applySell(h *models.Holdings, c models.Commodity, qty int64, price decimal.Decimal) error {
	pos := h.Position(c)
	if pos == nil {
		return validationError("invalid commodity specified")
	}
	if pos.Quantity < qty {
		return &Error{
			Kind:    KindInsufficientHoldings,
			Message: fmt.Sprintf("insufficient %s holding: need %d, have %d", c, qty, pos.Quantity),
		}
	}

	pos.Quantity -= qty
	if pos.Quantity == 0 {
		pos.AverageCost = decimal.Zero
	}
	h.Cash = h.Cash.Add(price.Mul(decimal.NewFromInt(qty)))
	return nil
}
