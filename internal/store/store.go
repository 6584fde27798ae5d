// Package store defines the persistence interface for the portfolio ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/model"
)

// ErrInvalidLimit is returned when a listing limit is not positive.
var ErrInvalidLimit = errors.New("store: limit must be positive")

// Store is the ledger persistence interface. Every entity is keyed by userID;
// the store never shares state across users.
type Store interface {
	// --- Holdings ---

	// GetHoldings returns all non-zero holdings for a user, sorted by symbol.
	GetHoldings(ctx context.Context, userID string) ([]model.Holding, error)

	// GetHolding returns one holding, or nil if the user holds none of symbol.
	GetHolding(ctx context.Context, userID, symbol string) (*model.Holding, error)

	// UpsertHoldingAmount sets the amount of a holding. A zero amount removes it.
	UpsertHoldingAmount(ctx context.Context, userID, symbol string, amount decimal.Decimal) error

	// --- Balance ---

	// GetBalance returns the user's cash balance, creating it with the
	// starting balance on first access.
	GetBalance(ctx context.Context, userID string) (*model.UserBalance, error)

	// Snapshot returns the user's balance and holdings as of one committed
	// state, so no atomic unit is half visible in it.
	Snapshot(ctx context.Context, userID string) (*LedgerSnapshot, error)

	// --- Immutable transactions ---

	// AppendTransaction assigns an id and timestamp and appends the record.
	AppendTransaction(ctx context.Context, tx *model.Transaction) (*model.Transaction, error)

	// ListTransactions returns up to limit transactions, most recent first.
	ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error)

	// --- Watchlist ---

	// AddWatchlistItem adds symbol to the watchlist. Adding an existing
	// symbol returns the existing item and created=false.
	AddWatchlistItem(ctx context.Context, userID, symbol string) (item *model.WatchlistItem, created bool, err error)

	// RemoveWatchlistItem removes symbol; removing an absent symbol is a no-op.
	RemoveWatchlistItem(ctx context.Context, userID, symbol string) error

	// ListWatchlist returns the user's watchlist, oldest first.
	ListWatchlist(ctx context.Context, userID string) ([]model.WatchlistItem, error)

	// --- Atomic unit ---

	// Atomically runs fn as one all-or-nothing unit over the user's balance,
	// holdings and transactions. Units for the same user never interleave.
	// If fn returns an error nothing it staged is applied.
	Atomically(ctx context.Context, userID string, fn func(tx LedgerTx) error) error
}

// LedgerSnapshot is a consistent read of one user's cash and holdings.
type LedgerSnapshot struct {
	Balance  model.UserBalance `json:"balance"`
	Holdings []model.Holding   `json:"holdings"`
}

// LedgerTx is the view of one user's ledger inside an atomic unit.
// Reads observe the unit's own staged writes.
type LedgerTx interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
	SetBalance(ctx context.Context, balance decimal.Decimal) error

	Holding(ctx context.Context, symbol string) (decimal.Decimal, error)
	SetHolding(ctx context.Context, symbol string, amount decimal.Decimal) error

	AppendTransaction(ctx context.Context, tx *model.Transaction) (*model.Transaction, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)

// stampTransaction fills the server-assigned fields of a new transaction.
func stampTransaction(tx *model.Transaction, ids *IDGenerator) model.Transaction {
	out := *tx
	out.ID = ids.NewTransactionID()
	out.CreatedAt = time.Now().UTC()
	return out
}
