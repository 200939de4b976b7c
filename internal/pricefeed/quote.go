// Package pricefeed receives bid/ask quotes for the traded commodities, keeps
// the latest board and fans quotes out to subscribers.
package pricefeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/bullion/internal/models"
)

// ErrInvalidQuote is wrapped by every quote validation failure
var ErrInvalidQuote = errors.New("invalid quote")

// Quote is a two-sided price for one commodity
type Quote struct {
	Commodity models.Commodity `json:"commodity"`
	Bid       decimal.Decimal  `json:"bid"`
	Ask       decimal.Decimal  `json:"ask"`
	At        time.Time        `json:"at"`
}

// PriceFor returns the side of the quote an order with action a trades
// against: the ask for a buy, the bid for a sell.
func (q Quote) PriceFor(a models.Action) decimal.Decimal {
	if a == models.Buy {
		return q.Ask
	}
	return q.Bid
}

// Normalize rounds both sides to the money scale and checks the quote
func (q Quote) Normalize() (Quote, error) {
	q.Bid = models.RoundPrice(q.Bid)
	q.Ask = models.RoundPrice(q.Ask)
	switch {
	case !q.Commodity.Valid():
		return q, fmt.Errorf("%w: unknown commodity", ErrInvalidQuote)
	case !q.Bid.IsPositive() || !q.Ask.IsPositive():
		return q, fmt.Errorf("%w: bid and ask must be greater than 0", ErrInvalidQuote)
	case q.Bid.GreaterThan(q.Ask):
		return q, fmt.Errorf("%w: bid %s above ask %s", ErrInvalidQuote, q.Bid, q.Ask)
	}
	return q, nil
}

// Decode parses a JSON quote. Prices may be JSON numbers or strings.
func Decode(data []byte) (Quote, error) {
	var q Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrInvalidQuote, err)
	}
	return q.Normalize()
}
