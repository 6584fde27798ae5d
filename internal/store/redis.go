package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Atomic units always run against the primary, so trade checks never see
// cached values.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertHoldingAmount(ctx context.Context, userID, symbol string, amount decimal.Decimal) error {
	if err := s.primary.UpsertHoldingAmount(ctx, userID, symbol, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, holdingsKey(userID), snapshotKey(userID))
	return nil
}

func (s *CachedStore) AppendTransaction(ctx context.Context, tx *model.Transaction) (*model.Transaction, error) {
	stamped, err := s.primary.AppendTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, transactionsKey(tx.UserID))
	return stamped, nil
}

func (s *CachedStore) AddWatchlistItem(ctx context.Context, userID, symbol string) (*model.WatchlistItem, bool, error) {
	item, created, err := s.primary.AddWatchlistItem(ctx, userID, symbol)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.rdb.Del(ctx, watchlistKey(userID))
	}
	return item, created, nil
}

func (s *CachedStore) RemoveWatchlistItem(ctx context.Context, userID, symbol string) error {
	if err := s.primary.RemoveWatchlistItem(ctx, userID, symbol); err != nil {
		return err
	}
	s.rdb.Del(ctx, watchlistKey(userID))
	return nil
}

// Atomically runs the unit on the primary and drops every cached ledger
// view of the user once it commits.
func (s *CachedStore) Atomically(ctx context.Context, userID string, fn func(tx LedgerTx) error) error {
	if err := s.primary.Atomically(ctx, userID, fn); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(userID), holdingsKey(userID), snapshotKey(userID), transactionsKey(userID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	var holdings []model.Holding
	if s.getJSON(ctx, holdingsKey(userID), &holdings) {
		return holdings, nil
	}

	holdings, err := s.primary.GetHoldings(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, holdingsKey(userID), holdings)
	return holdings, nil
}

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (*model.UserBalance, error) {
	var b model.UserBalance
	if s.getJSON(ctx, balanceKey(userID), &b) {
		return &b, nil
	}

	balance, err := s.primary.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, balanceKey(userID), balance)
	return balance, nil
}

// Snapshot caches the pair as one value so a hit is never torn.
func (s *CachedStore) Snapshot(ctx context.Context, userID string) (*LedgerSnapshot, error) {
	var snap LedgerSnapshot
	if s.getJSON(ctx, snapshotKey(userID), &snap) {
		return &snap, nil
	}

	fresh, err := s.primary.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, snapshotKey(userID), fresh)
	return fresh, nil
}

func (s *CachedStore) ListWatchlist(ctx context.Context, userID string) ([]model.WatchlistItem, error) {
	var items []model.WatchlistItem
	if s.getJSON(ctx, watchlistKey(userID), &items) {
		return items, nil
	}

	items, err := s.primary.ListWatchlist(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, watchlistKey(userID), items)
	return items, nil
}

// ListTransactions caches each requested page size as a field of one hash
// per user, so a single DEL invalidates every page.
func (s *CachedStore) ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}

	key := transactionsKey(userID)
	field := strconv.Itoa(limit)
	if data, err := s.rdb.HGet(ctx, key, field).Bytes(); err == nil {
		var txs []model.Transaction
		if json.Unmarshal(data, &txs) == nil {
			return txs, nil
		}
	}

	txs, err := s.primary.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(txs); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, key, field, data)
		pipe.Expire(ctx, key, s.ttl)
		pipe.Exec(ctx)
	}
	return txs, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetHolding(ctx context.Context, userID, symbol string) (*model.Holding, error) {
	return s.primary.GetHolding(ctx, userID, symbol)
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func balanceKey(uid string) string      { return fmt.Sprintf("balance:%s", uid) }
func holdingsKey(uid string) string     { return fmt.Sprintf("holdings:%s", uid) }
func transactionsKey(uid string) string { return fmt.Sprintf("transactions:%s", uid) }
func watchlistKey(uid string) string    { return fmt.Sprintf("watchlist:%s", uid) }
func snapshotKey(uid string) string     { return fmt.Sprintf("snapshot:%s", uid) }
