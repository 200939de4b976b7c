package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/xtrntr/bullion/internal/db"
	"github.com/xtrntr/bullion/internal/exchange"
	"github.com/xtrntr/bullion/internal/models"
	"github.com/xtrntr/bullion/internal/pricefeed"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quote(c models.Commodity, bid, ask string) pricefeed.Quote {
	return pricefeed.Quote{Commodity: c, Bid: dec(bid), Ask: dec(ask), At: time.Now().UTC()}
}

func TestFires(t *testing.T) {
	order := func(kind models.OrderKind, action models.Action, trigger string) models.PendingOrder {
		return models.PendingOrder{Commodity: models.Gold, Kind: kind, Action: action, TriggerPrice: dec(trigger)}
	}

	tests := []struct {
		name   string
		order  models.PendingOrder
		quote  pricefeed.Quote
		expect bool
	}{
		{name: "LimitBuyBelow", order: order(models.Limit, models.Buy, "5900"), quote: quote(models.Gold, "5840", "5850"), expect: true},
		{name: "LimitBuyAt", order: order(models.Limit, models.Buy, "5900"), quote: quote(models.Gold, "5890", "5900"), expect: true},
		{name: "LimitBuyAbove", order: order(models.Limit, models.Buy, "5900"), quote: quote(models.Gold, "5899", "5900.0001"), expect: false},
		{name: "LimitBuyUsesAsk", order: order(models.Limit, models.Buy, "5900"), quote: quote(models.Gold, "5800", "5950"), expect: false},
		{name: "LimitSellAbove", order: order(models.Limit, models.Sell, "6000"), quote: quote(models.Gold, "6001", "6010"), expect: true},
		{name: "LimitSellBelow", order: order(models.Limit, models.Sell, "6000"), quote: quote(models.Gold, "5990", "6005"), expect: false},
		{name: "StopLossBelow", order: order(models.StopLoss, models.Sell, "5500"), quote: quote(models.Gold, "5499", "5510"), expect: true},
		{name: "StopLossAt", order: order(models.StopLoss, models.Sell, "5500"), quote: quote(models.Gold, "5500", "5510"), expect: true},
		{name: "StopLossAbove", order: order(models.StopLoss, models.Sell, "5500"), quote: quote(models.Gold, "5501", "5510"), expect: false},
		{name: "StopLossBuyNeverFires", order: order(models.StopLoss, models.Buy, "5500"), quote: quote(models.Gold, "1", "2"), expect: false},
		{name: "OtherCommodity", order: order(models.Limit, models.Buy, "5900"), quote: quote(models.Silver, "1", "2"), expect: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, Fires(tt.order, tt.quote))
		})
	}
}

type fixture struct {
	ex    *exchange.Exchange
	store db.Database
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { store.Close(ctx) })

	f := &fixture{store: store, now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	f.ex = exchange.NewExchange(store, exchange.WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) user(t *testing.T, name string, cash int64) int {
	t.Helper()
	u, err := f.store.CreateUser(context.Background(), name, "hash", decimal.NewFromInt(cash))
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	return u.ID
}

func (f *fixture) admit(t *testing.T, r exchange.PendingOrderRequest) *models.PendingOrder {
	t.Helper()
	o, err := f.ex.Admit(context.Background(), r)
	if err != nil {
		t.Fatalf("Failed to admit order: %v", err)
	}
	return o
}

func TestEvaluator_OnQuote_LimitBuy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.user(t, "alice", 100000)
	o := f.admit(t, exchange.PendingOrderRequest{
		UserID: userID, Commodity: models.Gold, Action: models.Buy, Quantity: 2,
		TriggerPrice: dec("5900"), Kind: models.Limit,
	})
	ev := NewEvaluator(f.ex)

	// Above the trigger: nothing happens.
	r, err := ev.OnQuote(ctx, quote(models.Gold, "5940", "5950"))
	if assert.NoError(t, err) {
		assert.Equal(t, 1, r.Evaluated)
		assert.Empty(t, r.Executed)
		assert.NotEmpty(t, r.TickID)
	}

	r, err = ev.OnQuote(ctx, quote(models.Gold, "5840", "5850"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if assert.Len(t, r.Executed, 1) {
		assert.Equal(t, o.ID, r.Executed[0].ID)
		assert.Equal(t, models.Executed, r.Executed[0].Status)
		assert.True(t, r.Executed[0].ExecutedPrice.Equal(dec("5850")), "fills at the current ask")
	}

	h, err := f.ex.Holdings(ctx, userID)
	if assert.NoError(t, err) {
		assert.True(t, h.Cash.Equal(dec("88300")))
		assert.Equal(t, int64(2), h.Gold.Quantity)
		assert.True(t, h.Gold.AverageCost.Equal(dec("5850")))
	}
	trades, err := f.ex.TradeHistory(ctx, userID)
	if assert.NoError(t, err) && assert.Len(t, trades, 1) {
		assert.Equal(t, o.ID, *trades[0].OrderID)
	}
	pending, err := f.ex.PendingOrders(ctx, userID)
	assert.NoError(t, err)
	assert.Empty(t, pending)

	// An executed order is no longer scanned.
	r, err = ev.OnQuote(ctx, quote(models.Gold, "5000", "5010"))
	if assert.NoError(t, err) {
		assert.Equal(t, 0, r.Evaluated)
	}
	trades, _ = f.ex.TradeHistory(ctx, userID)
	assert.Len(t, trades, 1)
}

func TestEvaluator_OnQuote_IncreasingIDOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.user(t, "alice", 1000)

	// Cash covers exactly one of the two orders; the lower id wins.
	first := f.admit(t, exchange.PendingOrderRequest{
		UserID: userID, Commodity: models.Silver, Action: models.Buy, Quantity: 40,
		TriggerPrice: dec("25"), Kind: models.Limit,
	})
	second := f.admit(t, exchange.PendingOrderRequest{
		UserID: userID, Commodity: models.Silver, Action: models.Buy, Quantity: 40,
		TriggerPrice: dec("25"), Kind: models.Limit,
	})

	r, err := NewEvaluator(f.ex).OnQuote(ctx, quote(models.Silver, "24.9", "25"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assert.Equal(t, 2, r.Evaluated)
	if assert.Len(t, r.Executed, 1) && assert.Len(t, r.Failed, 1) {
		assert.Equal(t, first.ID, r.Executed[0].ID)
		assert.Equal(t, second.ID, r.Failed[0].ID)
		assert.Equal(t, models.Failed, r.Failed[0].Status)
		if assert.NotNil(t, r.Failed[0].FailureReason) {
			assert.Equal(t, "insufficient cash reserve: need 1000, have 0", *r.Failed[0].FailureReason)
		}
	}
}

func TestEvaluator_OnQuote_StopLoss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.user(t, "alice", 10000)

	_, err := f.ex.Execute(ctx, exchange.MarketOrder{
		UserID: userID, Commodity: models.Gold, Action: models.Buy, Quantity: 3, Price: dec("2000"),
	})
	if err != nil {
		t.Fatalf("Failed to buy: %v", err)
	}
	stop := f.admit(t, exchange.PendingOrderRequest{
		UserID: userID, Commodity: models.Gold, Action: models.Sell, Quantity: 3,
		TriggerPrice: dec("1800"), Kind: models.StopLoss,
	})
	takeProfit := f.admit(t, exchange.PendingOrderRequest{
		UserID: userID, Commodity: models.Gold, Action: models.Sell, Quantity: 3,
		TriggerPrice: dec("2500"), Kind: models.Limit,
	})

	r, err := NewEvaluator(f.ex).OnQuote(ctx, quote(models.Gold, "1750", "1760"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if assert.Len(t, r.Executed, 1) {
		assert.Equal(t, stop.ID, r.Executed[0].ID)
		assert.True(t, r.Executed[0].ExecutedPrice.Equal(dec("1750")), "fills at the current bid")
	}
	assert.Empty(t, r.Failed)

	h, err := f.ex.Holdings(ctx, userID)
	if assert.NoError(t, err) {
		assert.Equal(t, int64(0), h.Gold.Quantity)
		assert.True(t, h.Gold.AverageCost.IsZero())
		assert.True(t, h.Cash.Equal(dec("9250")))
	}

	// The take-profit order now has nothing to sell.
	r, err = NewEvaluator(f.ex).OnQuote(ctx, quote(models.Gold, "2600", "2610"))
	if assert.NoError(t, err) && assert.Len(t, r.Failed, 1) {
		assert.Equal(t, takeProfit.ID, r.Failed[0].ID)
		assert.Equal(t, "insufficient gold holding: need 3, have 0", *r.Failed[0].FailureReason)
	}
}

func TestEvaluator_Expire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.user(t, "alice", 1000)

	old := f.admit(t, exchange.PendingOrderRequest{
		UserID: userID, Commodity: models.Gold, Action: models.Buy, Quantity: 1,
		TriggerPrice: dec("10"), Kind: models.Limit,
	})
	f.now = f.now.Add(2 * time.Hour)
	fresh := f.admit(t, exchange.PendingOrderRequest{
		UserID: userID, Commodity: models.Gold, Action: models.Buy, Quantity: 1,
		TriggerPrice: dec("10"), Kind: models.Limit,
	})

	disabled := NewEvaluator(f.ex)
	expired, err := disabled.Expire(ctx)
	assert.NoError(t, err)
	assert.Empty(t, expired)

	ev := NewEvaluator(f.ex, WithExpiry(time.Hour, time.Minute), WithClock(func() time.Time { return f.now }))
	expired, err = ev.Expire(ctx)
	if assert.NoError(t, err) && assert.Len(t, expired, 1) {
		assert.Equal(t, old.ID, expired[0].ID)
		assert.Equal(t, models.Expired, expired[0].Status)
	}

	pending, err := f.ex.PendingOrders(ctx, userID)
	if assert.NoError(t, err) && assert.Len(t, pending, 1) {
		assert.Equal(t, fresh.ID, pending[0].ID)
	}
}

func TestEvaluator_Run(t *testing.T) {
	f := newFixture(t)
	userID := f.user(t, "alice", 100000)
	f.admit(t, exchange.PendingOrderRequest{
		UserID: userID, Commodity: models.Gold, Action: models.Buy, Quantity: 2,
		TriggerPrice: dec("5900"), Kind: models.Limit,
	})

	quotes := make(chan pricefeed.Quote, 2)
	quotes <- quote(models.Silver, "20", "21")
	quotes <- quote(models.Gold, "5840", "5850")
	close(quotes)

	done := make(chan error, 1)
	go func() { done <- NewEvaluator(f.ex).Run(context.Background(), quotes) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("evaluator did not stop after the quote channel closed")
	}

	trades, err := f.ex.TradeHistory(context.Background(), userID)
	assert.NoError(t, err)
	assert.Len(t, trades, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, NewEvaluator(f.ex).Run(ctx, make(chan pricefeed.Quote)))
}
