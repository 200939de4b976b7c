package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/bullion/internal/exchange"
	"github.com/xtrntr/bullion/internal/models"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLite is a single-connection SQLite backend for development and tests.
// Every unit of work is serialized on the one connection, which also keeps
// ":memory:" databases alive for the lifetime of the store. Because all users
// share that connection, deployments where users must not block each other
// need the Postgres backend.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite database at path
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, exchange.StorageError(err, "failed to open sqlite database")
	}
	sdb.SetMaxOpenConns(1)
	sdb.SetMaxIdleConns(1)
	sdb.SetConnMaxLifetime(0)

	if _, err := sdb.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		sdb.Close()
		return nil, exchange.StorageError(err, "failed to configure sqlite database")
	}
	return &SQLite{db: sdb}, nil
}

// Close closes the database
func (s *SQLite) Close(ctx context.Context) error {
	return s.db.Close()
}

// Migrate creates the schema if it does not exist
func (s *SQLite) Migrate(ctx context.Context) error {
	stmts, err := schemaStatements("sqlite.sql")
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return exchange.StorageError(err, "failed to apply schema")
		}
	}
	return nil
}

func sqliteError(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return exchange.NotFoundError("%s not found", what)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch code := se.Code(); {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY,
			code == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE"):
			return exchange.ConflictError(err, "%s already exists", what)
		case code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY,
			code == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "FOREIGN KEY"):
			// every foreign key in the schema references users(id)
			return exchange.NotFoundError("user not found")
		case code&0xff == sqlite3.SQLITE_BUSY, code&0xff == sqlite3.SQLITE_LOCKED:
			return exchange.ConflictError(err, "concurrent update of %s", what)
		}
	}
	return exchange.StorageError(err, "failed to access %s", what)
}

func unixNano(t time.Time) int64 { return t.UnixNano() }

func fromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnixNano(n.Int64)
	return &t
}

// CreateUser inserts a new user together with its starting holdings
func (s *SQLite) CreateUser(ctx context.Context, username, passwordHash string, startingCash decimal.Decimal) (*models.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, exchange.StorageError(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		"INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)",
		username, passwordHash, unixNano(now))
	if err != nil {
		return nil, sqliteError(err, "user")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, sqliteError(err, "user")
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO holdings (user_id, cash, last_updated) VALUES (?, ?, ?)",
		id, startingCash, unixNano(now))
	if err != nil {
		return nil, sqliteError(err, "user holdings")
	}

	if err := tx.Commit(); err != nil {
		return nil, sqliteError(err, "user")
	}
	return &models.User{ID: int(id), Username: username, PasswordHash: passwordHash, CreatedAt: fromUnixNano(unixNano(now))}, nil
}

// GetUser retrieves a user by id
func (s *SQLite) GetUser(ctx context.Context, id int) (*models.User, error) {
	return s.getUser(ctx, "SELECT id, username, password_hash, created_at FROM users WHERE id = ?", id)
}

// GetUserByUsername retrieves a user by username
func (s *SQLite) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.getUser(ctx, "SELECT id, username, password_hash, created_at FROM users WHERE username = ?", username)
}

func (s *SQLite) getUser(ctx context.Context, query string, arg interface{}) (*models.User, error) {
	var (
		user    models.User
		created int64
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.Username, &user.PasswordHash, &created)
	if err != nil {
		return nil, sqliteError(err, "user")
	}
	user.CreatedAt = fromUnixNano(created)
	return &user, nil
}

// DeleteUser deletes a user and, in the same transaction, its pending orders,
// trades and holdings
func (s *SQLite) DeleteUser(ctx context.Context, id int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return exchange.StorageError(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM pending_orders WHERE user_id = ?",
		"DELETE FROM trades WHERE user_id = ?",
		"DELETE FROM holdings WHERE user_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return sqliteError(err, "user records")
		}
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return sqliteError(err, "user")
	}
	if n, err := res.RowsAffected(); err != nil {
		return sqliteError(err, "user")
	} else if n == 0 {
		return exchange.NotFoundError("user not found")
	}

	if err := tx.Commit(); err != nil {
		return sqliteError(err, "user")
	}
	return nil
}

// InTx runs fn inside a transaction
func (s *SQLite) InTx(ctx context.Context, fn func(tx exchange.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return exchange.StorageError(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return sqliteError(err, "transaction")
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getHoldings(ctx context.Context, q queryer, userID int) (*models.Holdings, error) {
	var (
		h       models.Holdings
		updated int64
	)
	err := q.QueryRowContext(ctx, "SELECT "+holdingsColumns+" FROM holdings WHERE user_id = ?", userID).
		Scan(&h.UserID, &h.Cash, &h.Gold.Quantity, &h.Gold.AverageCost, &h.Silver.Quantity, &h.Silver.AverageCost, &updated)
	if err != nil {
		return nil, sqliteError(err, "user holdings")
	}
	h.LastUpdated = fromUnixNano(updated)
	return &h, nil
}

// GetHoldings retrieves a user's holdings
func (s *SQLite) GetHoldings(ctx context.Context, userID int) (*models.Holdings, error) {
	return getHoldings(ctx, s.db, userID)
}

// ListTrades retrieves all trades for a user, newest first
func (s *SQLite) ListTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE user_id = ? ORDER BY executed_at DESC, id DESC", userID)
	if err != nil {
		return nil, sqliteError(err, "user trades")
	}
	defer rows.Close()

	trades := []models.Trade{}
	for rows.Next() {
		var (
			t                 models.Trade
			commodity, action string
			orderID           sql.NullInt64
			executed          int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &commodity, &action, &t.Quantity, &t.Price, &orderID, &executed); err != nil {
			return nil, sqliteError(err, "user trades")
		}
		if t.Commodity, t.Action, err = parseTokens(commodity, action); err != nil {
			return nil, err
		}
		if orderID.Valid {
			id := int(orderID.Int64)
			t.OrderID = &id
		}
		t.ExecutedAt = fromUnixNano(executed)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteError(err, "user trades")
	}
	return trades, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteOrder(row rowScanner) (*models.PendingOrder, error) {
	var (
		o                               models.PendingOrder
		commodity, action, kind, status string
		placed                          int64
		executedAt, closedAt            sql.NullInt64
		executedPrice                   decimal.NullDecimal
		reason                          sql.NullString
	)
	err := row.Scan(&o.ID, &o.UserID, &commodity, &action, &o.Quantity, &o.TriggerPrice, &kind, &status,
		&placed, &executedAt, &executedPrice, &reason, &closedAt)
	if err != nil {
		return nil, sqliteError(err, "order")
	}
	if err := parseOrderTokens(&o, commodity, action, kind, status); err != nil {
		return nil, err
	}
	o.PlacedAt = fromUnixNano(placed)
	o.ExecutedAt = timePtr(executedAt)
	o.ClosedAt = timePtr(closedAt)
	o.ExecutedPrice = decimalPtr(executedPrice)
	if reason.Valid {
		r := reason.String
		o.FailureReason = &r
	}
	return &o, nil
}

func (s *SQLite) queryOrders(ctx context.Context, query string, args ...interface{}) ([]models.PendingOrder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqliteError(err, "orders")
	}
	defer rows.Close()

	orders := []models.PendingOrder{}
	for rows.Next() {
		o, err := scanSQLiteOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteError(err, "orders")
	}
	return orders, nil
}

// InsertPendingOrder inserts a new pending order and sets its id
func (s *SQLite) InsertPendingOrder(ctx context.Context, o *models.PendingOrder) error {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO pending_orders (user_id, commodity, action, quantity, trigger_price, kind, status, placed_at) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		o.UserID, o.Commodity.String(), o.Action.String(), o.Quantity, o.TriggerPrice,
		o.Kind.String(), o.Status.String(), unixNano(o.PlacedAt))
	if err != nil {
		return sqliteError(err, "order")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return sqliteError(err, "order")
	}
	o.ID = int(id)
	return nil
}

// ListPendingOrders retrieves a user's orders in status Pending, newest placed first
func (s *SQLite) ListPendingOrders(ctx context.Context, userID int) ([]models.PendingOrder, error) {
	return s.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM pending_orders WHERE user_id = ? AND status = ? ORDER BY placed_at DESC, id DESC",
		userID, models.Pending.String())
}

// ListTriggerable retrieves every Pending order on a commodity in increasing id order
func (s *SQLite) ListTriggerable(ctx context.Context, c models.Commodity) ([]models.PendingOrder, error) {
	return s.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM pending_orders WHERE commodity = ? AND status = ? ORDER BY id ASC",
		c.String(), models.Pending.String())
}

// ListPendingBefore retrieves Pending orders placed before cutoff in increasing id order
func (s *SQLite) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]models.PendingOrder, error) {
	return s.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM pending_orders WHERE status = ? AND placed_at < ? ORDER BY id ASC",
		models.Pending.String(), unixNano(cutoff))
}

// sqliteTx implements exchange.Tx. The single connection already excludes
// every other unit of work, so reads need no explicit row locks.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) LockHoldings(ctx context.Context, userID int) (*models.Holdings, error) {
	return getHoldings(ctx, t.tx, userID)
}

func (t *sqliteTx) UpdateHoldings(ctx context.Context, h *models.Holdings) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE holdings SET cash = ?, gold_quantity = ?, gold_average_cost = ?, "+
			"silver_quantity = ?, silver_average_cost = ?, last_updated = ? WHERE user_id = ?",
		h.Cash, h.Gold.Quantity, h.Gold.AverageCost, h.Silver.Quantity, h.Silver.AverageCost, unixNano(h.LastUpdated), h.UserID)
	if err != nil {
		return sqliteError(err, "user holdings")
	}
	if n, err := res.RowsAffected(); err != nil {
		return sqliteError(err, "user holdings")
	} else if n == 0 {
		return exchange.NotFoundError("user holdings not found")
	}
	return nil
}

func (t *sqliteTx) InsertTrade(ctx context.Context, tr *models.Trade) error {
	var orderID sql.NullInt64
	if tr.OrderID != nil {
		orderID = sql.NullInt64{Int64: int64(*tr.OrderID), Valid: true}
	}
	res, err := t.tx.ExecContext(ctx,
		"INSERT INTO trades (user_id, commodity, action, quantity, price, order_id, executed_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		tr.UserID, tr.Commodity.String(), tr.Action.String(), tr.Quantity, tr.Price, orderID, unixNano(tr.ExecutedAt))
	if err != nil {
		return sqliteError(err, "trade")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return sqliteError(err, "trade")
	}
	tr.ID = int(id)
	return nil
}

func (t *sqliteTx) LockPendingOrder(ctx context.Context, orderID int) (*models.PendingOrder, error) {
	return scanSQLiteOrder(t.tx.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM pending_orders WHERE id = ?", orderID))
}

func (t *sqliteTx) UpdatePendingOrder(ctx context.Context, o *models.PendingOrder) error {
	var reason sql.NullString
	if o.FailureReason != nil {
		reason = sql.NullString{String: *o.FailureReason, Valid: true}
	}
	res, err := t.tx.ExecContext(ctx,
		"UPDATE pending_orders SET status = ?, executed_at = ?, executed_price = ?, failure_reason = ?, closed_at = ? "+
			"WHERE id = ? AND status = ?",
		o.Status.String(), nullTime(o.ExecutedAt), nullDecimal(o.ExecutedPrice), reason, nullTime(o.ClosedAt),
		o.ID, models.Pending.String())
	if err != nil {
		return sqliteError(err, "order")
	}
	if n, err := res.RowsAffected(); err != nil {
		return sqliteError(err, "order")
	} else if n == 0 {
		return exchange.ConflictError(nil, "order %d is no longer pending", o.ID)
	}
	return nil
}
