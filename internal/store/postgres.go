package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Atomic units lock the user's balance row (SELECT ... FOR UPDATE), which
// serializes trades per user across every engine instance sharing the database.
type PostgresStore struct {
	pool            *pgxpool.Pool
	ids             *IDGenerator
	startingBalance decimal.Decimal
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, startingBalance decimal.Decimal) *PostgresStore {
	return &PostgresStore{
		pool:            pool,
		ids:             NewIDGenerator(),
		startingBalance: startingBalance,
	}
}

// migrateLockID keys the advisory lock that serializes concurrent migrations.
const migrateLockID int64 = 0x70617065727472 // "papertr"

// Migrate creates the ledger tables if they do not exist. Instances starting
// together take turns on an advisory lock.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrateLockID); err != nil {
		return fmt.Errorf("lock migration: %w", err)
	}
	if _, err := tx.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	return queryHoldings(ctx, s.pool, userID)
}

func (s *PostgresStore) GetHolding(ctx context.Context, userID, symbol string) (*model.Holding, error) {
	amount, found, err := queryHolding(ctx, s.pool, userID, symbol, false)
	if err != nil || !found {
		return nil, err
	}
	return &model.Holding{UserID: userID, Symbol: symbol, Amount: amount}, nil
}

func (s *PostgresStore) UpsertHoldingAmount(ctx context.Context, userID, symbol string, amount decimal.Decimal) error {
	return s.Atomically(ctx, userID, func(tx LedgerTx) error {
		return tx.SetHolding(ctx, symbol, amount)
	})
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*model.UserBalance, error) {
	if err := ensureBalance(ctx, s.pool, userID, s.startingBalance); err != nil {
		return nil, err
	}
	return queryBalance(ctx, s.pool, userID)
}

// Snapshot reads balance and holdings in one REPEATABLE READ transaction,
// so both come from the same database snapshot.
func (s *PostgresStore) Snapshot(ctx context.Context, userID string) (*LedgerSnapshot, error) {
	if err := ensureBalance(ctx, s.pool, userID, s.startingBalance); err != nil {
		return nil, err
	}

	dbtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer dbtx.Rollback(ctx)

	balance, err := queryBalance(ctx, dbtx, userID)
	if err != nil {
		return nil, err
	}
	holdings, err := queryHoldings(ctx, dbtx, userID)
	if err != nil {
		return nil, err
	}
	if err := dbtx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("end snapshot: %w", err)
	}
	return &LedgerSnapshot{Balance: *balance, Holdings: holdings}, nil
}

func (s *PostgresStore) AppendTransaction(ctx context.Context, tx *model.Transaction) (*model.Transaction, error) {
	stamped := stampTransaction(tx, s.ids)
	if err := insertTransaction(ctx, s.pool, &stamped); err != nil {
		return nil, err
	}
	return &stamped, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, type,
		        amount::TEXT, price::TEXT, total::TEXT, fee::TEXT, created_at
		 FROM transactions WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", userID, err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) AddWatchlistItem(ctx context.Context, userID, symbol string) (*model.WatchlistItem, bool, error) {
	item := model.WatchlistItem{
		ID:        s.ids.NewWatchlistID(),
		UserID:    userID,
		Symbol:    symbol,
		CreatedAt: time.Now().UTC(),
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO watchlist_items (id, user_id, symbol, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, symbol) DO NOTHING`,
		item.ID, item.UserID, item.Symbol, item.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("add watchlist item %s/%s: %w", userID, symbol, err)
	}
	if tag.RowsAffected() == 1 {
		return &item, true, nil
	}

	// Already present: return the existing row.
	err = s.pool.QueryRow(ctx,
		`SELECT id, created_at FROM watchlist_items WHERE user_id = $1 AND symbol = $2`,
		userID, symbol).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("get watchlist item %s/%s: %w", userID, symbol, err)
	}
	return &item, false, nil
}

func (s *PostgresStore) RemoveWatchlistItem(ctx context.Context, userID, symbol string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM watchlist_items WHERE user_id = $1 AND symbol = $2`, userID, symbol)
	if err != nil {
		return fmt.Errorf("remove watchlist item %s/%s: %w", userID, symbol, err)
	}
	return nil
}

func (s *PostgresStore) ListWatchlist(ctx context.Context, userID string) ([]model.WatchlistItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, created_at
		 FROM watchlist_items WHERE user_id = $1 ORDER BY created_at, symbol`, userID)
	if err != nil {
		return nil, fmt.Errorf("list watchlist %s: %w", userID, err)
	}
	defer rows.Close()

	items := []model.WatchlistItem{}
	for rows.Next() {
		var item model.WatchlistItem
		if err := rows.Scan(&item.ID, &item.UserID, &item.Symbol, &item.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Atomically runs fn inside a database transaction holding the user's
// balance row lock. Any error rolls back every statement fn issued.
func (s *PostgresStore) Atomically(ctx context.Context, userID string, fn func(tx LedgerTx) error) error {
	dbtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer dbtx.Rollback(ctx)

	if err := ensureBalance(ctx, dbtx, userID, s.startingBalance); err != nil {
		return err
	}

	var balanceS string
	err = dbtx.QueryRow(ctx,
		`SELECT balance::TEXT FROM user_balances WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&balanceS)
	if err != nil {
		return fmt.Errorf("lock balance %s: %w", userID, err)
	}
	balance, err := decimal.NewFromString(balanceS)
	if err != nil {
		return fmt.Errorf("balance %s: %w", userID, err)
	}

	ltx := &postgresTx{tx: dbtx, userID: userID, balance: balance, ids: s.ids}
	if err := fn(ltx); err != nil {
		return err
	}

	if err := dbtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

// postgresTx is the LedgerTx of one database transaction.
type postgresTx struct {
	tx      pgx.Tx
	userID  string
	balance decimal.Decimal
	ids     *IDGenerator
}

func (t *postgresTx) Balance(_ context.Context) (decimal.Decimal, error) {
	return t.balance, nil
}

func (t *postgresTx) SetBalance(ctx context.Context, balance decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE user_balances SET balance = $2::NUMERIC, updated_at = now() WHERE user_id = $1`,
		t.userID, balance.String())
	if err != nil {
		return fmt.Errorf("set balance %s: %w", t.userID, err)
	}
	t.balance = balance
	return nil
}

func (t *postgresTx) Holding(ctx context.Context, symbol string) (decimal.Decimal, error) {
	amount, _, err := queryHolding(ctx, t.tx, t.userID, symbol, true)
	return amount, err
}

func (t *postgresTx) SetHolding(ctx context.Context, symbol string, amount decimal.Decimal) error {
	var err error
	if amount.IsPositive() {
		_, err = t.tx.Exec(ctx,
			`INSERT INTO holdings (user_id, symbol, amount, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, now())
			 ON CONFLICT (user_id, symbol)
			 DO UPDATE SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at`,
			t.userID, symbol, amount.String())
	} else {
		_, err = t.tx.Exec(ctx,
			`DELETE FROM holdings WHERE user_id = $1 AND symbol = $2`, t.userID, symbol)
	}
	if err != nil {
		return fmt.Errorf("set holding %s/%s: %w", t.userID, symbol, err)
	}
	return nil
}

func (t *postgresTx) AppendTransaction(ctx context.Context, tx *model.Transaction) (*model.Transaction, error) {
	stamped := stampTransaction(tx, t.ids)
	stamped.UserID = t.userID
	if err := insertTransaction(ctx, t.tx, &stamped); err != nil {
		return nil, err
	}
	return &stamped, nil
}

// --- shared query helpers ---

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryBalance(ctx context.Context, q querier, userID string) (*model.UserBalance, error) {
	b := model.UserBalance{UserID: userID}
	var balanceS string
	err := q.QueryRow(ctx,
		`SELECT balance::TEXT, updated_at FROM user_balances WHERE user_id = $1`, userID).
		Scan(&balanceS, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", userID, err)
	}
	if b.Balance, err = decimal.NewFromString(balanceS); err != nil {
		return nil, fmt.Errorf("balance %s: %w", userID, err)
	}
	return &b, nil
}

func queryHoldings(ctx context.Context, q querier, userID string) ([]model.Holding, error) {
	rows, err := q.Query(ctx,
		`SELECT user_id, symbol, amount::TEXT
		 FROM holdings WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, fmt.Errorf("get holdings %s: %w", userID, err)
	}
	defer rows.Close()

	holdings := []model.Holding{}
	for rows.Next() {
		var h model.Holding
		var amountS string
		if err := rows.Scan(&h.UserID, &h.Symbol, &amountS); err != nil {
			return nil, err
		}
		if h.Amount, err = decimal.NewFromString(amountS); err != nil {
			return nil, fmt.Errorf("holding %s/%s: %w", userID, h.Symbol, err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func ensureBalance(ctx context.Context, q querier, userID string, starting decimal.Decimal) error {
	_, err := q.Exec(ctx,
		`INSERT INTO user_balances (user_id, balance, updated_at)
		 VALUES ($1, $2::NUMERIC, now())
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, starting.String())
	if err != nil {
		return fmt.Errorf("init balance %s: %w", userID, err)
	}
	return nil
}

func queryHolding(ctx context.Context, q querier, userID, symbol string, lock bool) (decimal.Decimal, bool, error) {
	sql := `SELECT amount::TEXT FROM holdings WHERE user_id = $1 AND symbol = $2`
	if lock {
		sql += ` FOR UPDATE`
	}

	var amountS string
	err := q.QueryRow(ctx, sql, userID, symbol).Scan(&amountS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("get holding %s/%s: %w", userID, symbol, err)
	}
	amount, err := decimal.NewFromString(amountS)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("holding %s/%s: %w", userID, symbol, err)
	}
	return amount, true, nil
}

func insertTransaction(ctx context.Context, q querier, e *model.Transaction) error {
	_, err := q.Exec(ctx,
		`INSERT INTO transactions (id, user_id, symbol, type, amount, price, total, fee, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		e.ID, e.UserID, e.Symbol, string(e.Type),
		e.Amount.String(), e.Price.String(), e.Total.String(), e.Fee.String(),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append transaction %s: %w", e.ID, err)
	}
	return nil
}

// pgxRows is the subset of pgx.Rows used by scanTransactions.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

// scanTransactions reads pgx rows into Transaction slices.
func scanTransactions(rows pgxRows) ([]model.Transaction, error) {
	entries := []model.Transaction{}
	for rows.Next() {
		var e model.Transaction
		var typ, amountS, priceS, totalS, feeS string

		if err := rows.Scan(&e.ID, &e.UserID, &e.Symbol, &typ,
			&amountS, &priceS, &totalS, &feeS, &e.CreatedAt); err != nil {
			return nil, err
		}

		e.Type = model.TradeType(typ)
		var err error
		if e.Amount, err = decimal.NewFromString(amountS); err != nil {
			return nil, fmt.Errorf("transaction %s amount: %w", e.ID, err)
		}
		if e.Price, err = decimal.NewFromString(priceS); err != nil {
			return nil, fmt.Errorf("transaction %s price: %w", e.ID, err)
		}
		if e.Total, err = decimal.NewFromString(totalS); err != nil {
			return nil, fmt.Errorf("transaction %s total: %w", e.ID, err)
		}
		if e.Fee, err = decimal.NewFromString(feeS); err != nil {
			return nil, fmt.Errorf("transaction %s fee: %w", e.ID, err)
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
