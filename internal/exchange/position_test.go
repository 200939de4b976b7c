package exchange

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/bullion/internal/models"
	"pgregory.net/rapid"
)

func drawPrice(t *rapid.T, label string) decimal.Decimal {
	// 0.0001 .. 100000.0000
	return decimal.New(rapid.Int64Range(1, 1_000_000_000).Draw(t, label), -models.PriceScale)
}

// Buys and sells never drive cash or quantity negative, and a rejected
// operation leaves the holdings exactly as they were.
func TestProperty_HoldingsStayNonNegative(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := &models.Holdings{Cash: decimal.NewFromInt(rapid.Int64Range(0, 1_000_000).Draw(t, "cash"))}

		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			c := rapid.SampledFrom(models.Commodities).Draw(t, "commodity")
			qty := rapid.Int64Range(1, 50).Draw(t, "qty")
			price := drawPrice(t, "price")
			before := *h

			var err error
			if rapid.Bool().Draw(t, "buy") {
				err = applyBuy(h, c, qty, price)
				if err != nil && !errors.Is(err, ErrInsufficientFunds) {
					t.Fatalf("unexpected buy error: %v", err)
				}
			} else {
				err = applySell(h, c, qty, price)
				if err != nil && !errors.Is(err, ErrInsufficientHoldings) {
					t.Fatalf("unexpected sell error: %v", err)
				}
			}

			if err != nil {
				if !h.Cash.Equal(before.Cash) || h.Gold.Quantity != before.Gold.Quantity || h.Silver.Quantity != before.Silver.Quantity {
					t.Fatalf("rejected step mutated holdings: %+v -> %+v", before, *h)
				}
				continue
			}
			if verr := h.Validate(); verr != nil {
				t.Fatalf("step %d broke holdings: %v", i, verr)
			}
		}
	})
}

// The cost basis stays between the cheapest and dearest fill price and
// resets to zero when the position is closed.
func TestProperty_AverageCostBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := &models.Holdings{Cash: decimal.NewFromInt(1_000_000_000_000)}
		lo, hi := decimal.Decimal{}, decimal.Decimal{}
		var held int64

		buys := rapid.IntRange(1, 20).Draw(t, "buys")
		for i := 0; i < buys; i++ {
			qty := rapid.Int64Range(1, 100).Draw(t, "qty")
			price := drawPrice(t, "price")
			if err := applyBuy(h, models.Gold, qty, price); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			held += qty
			if i == 0 || price.LessThan(lo) {
				lo = price
			}
			if i == 0 || price.GreaterThan(hi) {
				hi = price
			}

			avg := h.Gold.AverageCost
			if avg.LessThan(lo) || avg.GreaterThan(hi) {
				t.Fatalf("average %s outside [%s, %s]", avg, lo, hi)
			}
			if !avg.Equal(models.RoundPrice(avg)) {
				t.Fatalf("average %s has more than %d fraction digits", avg, models.PriceScale)
			}
		}
		if h.Gold.Quantity != held {
			t.Fatalf("quantity %d, bought %d", h.Gold.Quantity, held)
		}

		if err := applySell(h, models.Gold, held, drawPrice(t, "exit")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if h.Gold.Quantity != 0 || !h.Gold.AverageCost.IsZero() {
			t.Fatalf("closed position not reset: %+v", h.Gold)
		}
	})
}

// Cash moves by exactly quantity x price on every accepted step.
func TestProperty_CashConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := &models.Holdings{Cash: decimal.NewFromInt(10_000_000)}
		expected := h.Cash

		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			qty := rapid.Int64Range(1, 10).Draw(t, "qty")
			price := drawPrice(t, "price")
			notional := price.Mul(decimal.NewFromInt(qty))

			if rapid.Bool().Draw(t, "buy") {
				if applyBuy(h, models.Silver, qty, price) == nil {
					expected = expected.Sub(notional)
				}
			} else if applySell(h, models.Silver, qty, price) == nil {
				expected = expected.Add(notional)
			}
			if !h.Cash.Equal(expected) {
				t.Fatalf("cash %s, expected %s", h.Cash, expected)
			}
		}
	})
}

func TestApply_UnknownCommodity(t *testing.T) {
	h := &models.Holdings{Cash: decimal.NewFromInt(100)}
	if err := applyBuy(h, 0, 1, decimal.NewFromInt(1)); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if err := applySell(h, 0, 1, decimal.NewFromInt(1)); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
