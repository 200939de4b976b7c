// Package db persists users, holdings, the trade ledger and pending orders.
// PostgreSQL is the production backend; SQLite serves single-node setups and tests.
// Only PostgreSQL lets different users' executions proceed without blocking
// each other: SQLite runs every unit of work on one connection.
package db

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/bullion/internal/exchange"
	"github.com/xtrntr/bullion/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Database is the storage backend used by the service
type Database interface {
	exchange.Store

	// CreateUser inserts a user and its holdings, seeded with startingCash, in one transaction
	CreateUser(ctx context.Context, username, passwordHash string, startingCash decimal.Decimal) (*models.User, error)
	GetUser(ctx context.Context, id int) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	// DeleteUser removes the user and everything it owns in one transaction
	DeleteUser(ctx context.Context, id int) error

	Migrate(ctx context.Context) error
	Close(ctx context.Context) error
}

// Compile-time interface checks.
var (
	_ Database = (*DB)(nil)
	_ Database = (*SQLite)(nil)
)

// Open connects to the backend named by driver ("postgres" or "sqlite") and applies the schema
func Open(ctx context.Context, driver, url string) (Database, error) {
	var (
		database Database
		err      error
	)
	switch driver {
	case "postgres":
		database, err = NewDB(ctx, url)
	case "sqlite":
		database, err = NewSQLite(ctx, url)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close(ctx)
		return nil, err
	}
	return database, nil
}

// schemaStatements splits an embedded schema file into single statements
func schemaStatements(name string) ([]string, error) {
	raw, err := migrations.ReadFile("migrations/" + name)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	var stmts []string
	for _, s := range strings.Split(string(raw), ";") {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts, nil
}

// parseTokens decodes the enum columns shared by trades and pending orders
func parseTokens(commodity, action string) (models.Commodity, models.Action, error) {
	c, err := models.ParseCommodity(commodity)
	if err != nil {
		return 0, 0, exchange.StorageError(err, "corrupt row")
	}
	a, err := models.ParseAction(action)
	if err != nil {
		return 0, 0, exchange.StorageError(err, "corrupt row")
	}
	return c, a, nil
}

func parseOrderTokens(o *models.PendingOrder, commodity, action, kind, status string) error {
	var err error
	if o.Commodity, o.Action, err = parseTokens(commodity, action); err != nil {
		return err
	}
	if o.Kind, err = models.ParseOrderKind(kind); err != nil {
		return exchange.StorageError(err, "corrupt row")
	}
	if o.Status, err = models.ParseOrderStatus(status); err != nil {
		return exchange.StorageError(err, "corrupt row")
	}
	return nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
