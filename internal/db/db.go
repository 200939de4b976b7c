package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/bullion/internal/exchange"
	"github.com/xtrntr/bullion/internal/models"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, exchange.StorageError(err, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, exchange.StorageError(err, "failed to reach database")
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate creates the schema if it does not exist
func (db *DB) Migrate(ctx context.Context) error {
	stmts, err := schemaStatements("postgres.sql")
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return exchange.StorageError(err, "failed to apply schema")
		}
	}
	return nil
}

// pgError maps driver errors onto the exchange error kinds
func pgError(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return exchange.NotFoundError("%s not found", what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return exchange.ConflictError(err, "%s already exists", what)
		case "23503":
			// every foreign key in the schema references users(id)
			return exchange.NotFoundError("user not found")
		case "40001", "40P01":
			return exchange.ConflictError(err, "concurrent update of %s", what)
		}
	}
	return exchange.StorageError(err, "failed to access %s", what)
}

// CreateUser inserts a new user together with its starting holdings
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string, startingCash decimal.Decimal) (*models.User, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, exchange.StorageError(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	user := &models.User{}
	err = tx.QueryRow(ctx,
		"INSERT INTO users (username, password_hash, created_at) VALUES ($1, $2, $3) RETURNING id, username, password_hash, created_at",
		username, passwordHash, time.Now().UTC()).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, pgError(err, "user")
	}
	user.CreatedAt = user.CreatedAt.UTC()

	_, err = tx.Exec(ctx,
		"INSERT INTO holdings (user_id, cash, last_updated) VALUES ($1, $2, $3)",
		user.ID, startingCash, user.CreatedAt)
	if err != nil {
		return nil, pgError(err, "user holdings")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, pgError(err, "user")
	}
	return user, nil
}

// GetUser retrieves a user by id
func (db *DB) GetUser(ctx context.Context, id int) (*models.User, error) {
	return db.getUser(ctx, "SELECT id, username, password_hash, created_at FROM users WHERE id = $1", id)
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return db.getUser(ctx, "SELECT id, username, password_hash, created_at FROM users WHERE username = $1", username)
}

func (db *DB) getUser(ctx context.Context, query string, arg interface{}) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx, query, arg).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, pgError(err, "user")
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return user, nil
}

// DeleteUser deletes a user and, in the same transaction, its pending orders,
// trades and holdings
func (db *DB) DeleteUser(ctx context.Context, id int) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return exchange.StorageError(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	// Order rows before the holdings row, as ExecutePending locks them, so no
	// execution for this user is in flight
	if _, err := tx.Exec(ctx, "SELECT id FROM pending_orders WHERE user_id = $1 ORDER BY id FOR UPDATE", id); err != nil {
		return pgError(err, "pending orders")
	}
	var locked int
	err = tx.QueryRow(ctx, "SELECT user_id FROM holdings WHERE user_id = $1 FOR UPDATE", id).Scan(&locked)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return pgError(err, "user holdings")
	}

	for _, stmt := range []string{
		"DELETE FROM pending_orders WHERE user_id = $1",
		"DELETE FROM trades WHERE user_id = $1",
		"DELETE FROM holdings WHERE user_id = $1",
	} {
		if _, err := tx.Exec(ctx, stmt, id); err != nil {
			return pgError(err, "user records")
		}
	}
	tag, err := tx.Exec(ctx, "DELETE FROM users WHERE id = $1", id)
	if err != nil {
		return pgError(err, "user")
	}
	if tag.RowsAffected() == 0 {
		return exchange.NotFoundError("user not found")
	}

	if err := tx.Commit(ctx); err != nil {
		return pgError(err, "user")
	}
	return nil
}

// InTx runs fn inside a transaction
func (db *DB) InTx(ctx context.Context, fn func(tx exchange.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return exchange.StorageError(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return pgError(err, "transaction")
	}
	return nil
}

const holdingsColumns = "user_id, cash, gold_quantity, gold_average_cost, silver_quantity, silver_average_cost, last_updated"

func scanHoldings(row pgx.Row) (*models.Holdings, error) {
	h := &models.Holdings{}
	err := row.Scan(&h.UserID, &h.Cash, &h.Gold.Quantity, &h.Gold.AverageCost,
		&h.Silver.Quantity, &h.Silver.AverageCost, &h.LastUpdated)
	if err != nil {
		return nil, pgError(err, "user holdings")
	}
	h.LastUpdated = h.LastUpdated.UTC()
	return h, nil
}

// GetHoldings retrieves a user's holdings
func (db *DB) GetHoldings(ctx context.Context, userID int) (*models.Holdings, error) {
	return scanHoldings(db.Pool.QueryRow(ctx,
		"SELECT "+holdingsColumns+" FROM holdings WHERE user_id = $1", userID))
}

const tradeColumns = "id, user_id, commodity, action, quantity, price, order_id, executed_at"

// ListTrades retrieves all trades for a user, newest first
func (db *DB) ListTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE user_id = $1 ORDER BY executed_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, pgError(err, "user trades")
	}
	defer rows.Close()

	trades := []models.Trade{}
	for rows.Next() {
		var (
			t                 models.Trade
			commodity, action string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &commodity, &action, &t.Quantity, &t.Price, &t.OrderID, &t.ExecutedAt); err != nil {
			return nil, pgError(err, "user trades")
		}
		if t.Commodity, t.Action, err = parseTokens(commodity, action); err != nil {
			return nil, err
		}
		t.ExecutedAt = t.ExecutedAt.UTC()
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError(err, "user trades")
	}
	return trades, nil
}

const orderColumns = "id, user_id, commodity, action, quantity, trigger_price, kind, status, placed_at, executed_at, executed_price, failure_reason, closed_at"

func scanOrder(row pgx.Row) (*models.PendingOrder, error) {
	var (
		o                              models.PendingOrder
		commodity, action, kind, state string
		executedPrice                  decimal.NullDecimal
	)
	err := row.Scan(&o.ID, &o.UserID, &commodity, &action, &o.Quantity, &o.TriggerPrice, &kind, &state,
		&o.PlacedAt, &o.ExecutedAt, &executedPrice, &o.FailureReason, &o.ClosedAt)
	if err != nil {
		return nil, pgError(err, "order")
	}
	if err := parseOrderTokens(&o, commodity, action, kind, state); err != nil {
		return nil, err
	}
	o.PlacedAt = o.PlacedAt.UTC()
	o.ExecutedAt = utcPtr(o.ExecutedAt)
	o.ClosedAt = utcPtr(o.ClosedAt)
	o.ExecutedPrice = decimalPtr(executedPrice)
	return &o, nil
}

func (db *DB) queryOrders(ctx context.Context, query string, args ...interface{}) ([]models.PendingOrder, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, pgError(err, "orders")
	}
	defer rows.Close()

	orders := []models.PendingOrder{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError(err, "orders")
	}
	return orders, nil
}

// InsertPendingOrder inserts a new pending order and sets its id
func (db *DB) InsertPendingOrder(ctx context.Context, o *models.PendingOrder) error {
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO pending_orders (user_id, commodity, action, quantity, trigger_price, kind, status, placed_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id",
		o.UserID, o.Commodity.String(), o.Action.String(), o.Quantity, o.TriggerPrice,
		o.Kind.String(), o.Status.String(), o.PlacedAt).Scan(&o.ID)
	if err != nil {
		return pgError(err, "order")
	}
	return nil
}

// ListPendingOrders retrieves a user's orders in status Pending, newest placed first
func (db *DB) ListPendingOrders(ctx context.Context, userID int) ([]models.PendingOrder, error) {
	return db.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM pending_orders WHERE user_id = $1 AND status = $2 ORDER BY placed_at DESC, id DESC",
		userID, models.Pending.String())
}

// ListTriggerable retrieves every Pending order on a commodity in increasing id order
func (db *DB) ListTriggerable(ctx context.Context, c models.Commodity) ([]models.PendingOrder, error) {
	return db.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM pending_orders WHERE commodity = $1 AND status = $2 ORDER BY id ASC",
		c.String(), models.Pending.String())
}

// ListPendingBefore retrieves Pending orders placed before cutoff in increasing id order
func (db *DB) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]models.PendingOrder, error) {
	return db.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM pending_orders WHERE status = $1 AND placed_at < $2 ORDER BY id ASC",
		models.Pending.String(), cutoff)
}

// pgTx implements exchange.Tx on a pgx transaction. Row locks are taken with
// SELECT ... FOR UPDATE, so executions for the same user serialize while
// other users proceed.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockHoldings(ctx context.Context, userID int) (*models.Holdings, error) {
	return scanHoldings(t.tx.QueryRow(ctx,
		"SELECT "+holdingsColumns+" FROM holdings WHERE user_id = $1 FOR UPDATE", userID))
}

func (t *pgTx) UpdateHoldings(ctx context.Context, h *models.Holdings) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE holdings SET cash = $1, gold_quantity = $2, gold_average_cost = $3, "+
			"silver_quantity = $4, silver_average_cost = $5, last_updated = $6 WHERE user_id = $7",
		h.Cash, h.Gold.Quantity, h.Gold.AverageCost, h.Silver.Quantity, h.Silver.AverageCost, h.LastUpdated, h.UserID)
	if err != nil {
		return pgError(err, "user holdings")
	}
	if tag.RowsAffected() == 0 {
		return exchange.NotFoundError("user holdings not found")
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *models.Trade) error {
	err := t.tx.QueryRow(ctx,
		"INSERT INTO trades (user_id, commodity, action, quantity, price, order_id, executed_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id",
		tr.UserID, tr.Commodity.String(), tr.Action.String(), tr.Quantity, tr.Price, tr.OrderID, tr.ExecutedAt).Scan(&tr.ID)
	if err != nil {
		return pgError(err, "trade")
	}
	return nil
}

func (t *pgTx) LockPendingOrder(ctx context.Context, orderID int) (*models.PendingOrder, error) {
	return scanOrder(t.tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM pending_orders WHERE id = $1 FOR UPDATE", orderID))
}

func (t *pgTx) UpdatePendingOrder(ctx context.Context, o *models.PendingOrder) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE pending_orders SET status = $1, executed_at = $2, executed_price = $3, failure_reason = $4, closed_at = $5 "+
			"WHERE id = $6 AND status = $7",
		o.Status.String(), o.ExecutedAt, nullDecimal(o.ExecutedPrice), o.FailureReason, o.ClosedAt,
		o.ID, models.Pending.String())
	if err != nil {
		return pgError(err, "order")
	}
	if tag.RowsAffected() == 0 {
		return exchange.ConflictError(nil, "order %d is no longer pending", o.ID)
	}
	return nil
}
