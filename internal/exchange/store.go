package exchange

import (
	"context"
	"time"

	"github.com/xtrntr/bullion/internal/models"
)

// Tx is one unit of work. Writes made through a Tx commit together or not at all.
//
// Lock* methods hold the row exclusively until the Tx ends. Implementations
// must return a KindNotFound *Error when the row does not exist.
type Tx interface {
	LockHoldings(ctx context.Context, userID int) (*models.Holdings, error)
	UpdateHoldings(ctx context.Context, h *models.Holdings) error
	InsertTrade(ctx context.Context, t *models.Trade) error
	LockPendingOrder(ctx context.Context, orderID int) (*models.PendingOrder, error)
	UpdatePendingOrder(ctx context.Context, o *models.PendingOrder) error
}

// Store persists holdings, the trade ledger and pending orders
type Store interface {
	// InTx runs fn in a transaction. It commits when fn returns nil and
	// rolls back otherwise, returning fn's error unchanged.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetHoldings(ctx context.Context, userID int) (*models.Holdings, error)
	ListTrades(ctx context.Context, userID int) ([]models.Trade, error)

	InsertPendingOrder(ctx context.Context, o *models.PendingOrder) error
	// ListPendingOrders returns the user's Pending orders, newest placed first
	ListPendingOrders(ctx context.Context, userID int) ([]models.PendingOrder, error)
	// ListTriggerable returns every Pending order on c in increasing id order
	ListTriggerable(ctx context.Context, c models.Commodity) ([]models.PendingOrder, error)
	// ListPendingBefore returns Pending orders placed before cutoff in increasing id order
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]models.PendingOrder, error)
}
