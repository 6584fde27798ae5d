package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu              sync.RWMutex
	users           *keyedMutex
	ids             *IDGenerator
	startingBalance decimal.Decimal

	balances     map[string]*model.UserBalance
	holdings     map[string]map[string]decimal.Decimal // userID → symbol → amount
	transactions map[string][]model.Transaction        // append order = commit order
	watchlist    map[string][]model.WatchlistItem
}

// NewMemoryStore creates a new in-memory store. New users start with startingBalance.
func NewMemoryStore(startingBalance decimal.Decimal) *MemoryStore {
	return &MemoryStore{
		users:           newKeyedMutex(),
		ids:             NewIDGenerator(),
		startingBalance: startingBalance,
		balances:        make(map[string]*model.UserBalance),
		holdings:        make(map[string]map[string]decimal.Decimal),
		transactions:    make(map[string][]model.Transaction),
		watchlist:       make(map[string][]model.WatchlistItem),
	}
}

func (s *MemoryStore) GetHoldings(_ context.Context, userID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Holding, 0, len(s.holdings[userID]))
	for symbol, amount := range s.holdings[userID] {
		result = append(result, model.Holding{UserID: userID, Symbol: symbol, Amount: amount})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

func (s *MemoryStore) GetHolding(_ context.Context, userID, symbol string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	amount, ok := s.holdings[userID][symbol]
	if !ok {
		return nil, nil
	}
	return &model.Holding{UserID: userID, Symbol: symbol, Amount: amount}, nil
}

func (s *MemoryStore) UpsertHoldingAmount(_ context.Context, userID, symbol string, amount decimal.Decimal) error {
	unlock := s.users.Lock(userID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setHoldingLocked(userID, symbol, amount)
	return nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (*model.UserBalance, error) {
	s.mu.RLock()
	b, ok := s.balances[userID]
	if ok {
		copy := *b
		s.mu.RUnlock()
		return &copy, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check: another caller may have initialized it.
	if b, ok := s.balances[userID]; ok {
		copy := *b
		return &copy, nil
	}
	b = &model.UserBalance{
		UserID:    userID,
		Balance:   s.startingBalance,
		UpdatedAt: time.Now().UTC(),
	}
	s.balances[userID] = b
	copy := *b
	return &copy, nil
}

// Snapshot reads balance and holdings under one read lock. Commits apply
// under the write lock, so the pair always comes from the same state.
func (s *MemoryStore) Snapshot(ctx context.Context, userID string) (*LedgerSnapshot, error) {
	if _, err := s.GetBalance(ctx, userID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &LedgerSnapshot{
		Balance:  *s.balances[userID],
		Holdings: make([]model.Holding, 0, len(s.holdings[userID])),
	}
	for symbol, amount := range s.holdings[userID] {
		snap.Holdings = append(snap.Holdings, model.Holding{UserID: userID, Symbol: symbol, Amount: amount})
	}
	sort.Slice(snap.Holdings, func(i, j int) bool { return snap.Holdings[i].Symbol < snap.Holdings[j].Symbol })
	return snap, nil
}

func (s *MemoryStore) AppendTransaction(_ context.Context, tx *model.Transaction) (*model.Transaction, error) {
	unlock := s.users.Lock(tx.UserID)
	defer unlock()

	stamped := stampTransaction(tx, s.ids)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[tx.UserID] = append(s.transactions[tx.UserID], stamped)
	return &stamped, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.transactions[userID]
	n := min(limit, len(all))
	result := make([]model.Transaction, 0, n)
	for i := len(all) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, all[i])
	}
	return result, nil
}

func (s *MemoryStore) AddWatchlistItem(_ context.Context, userID, symbol string) (*model.WatchlistItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.watchlist[userID] {
		if item.Symbol == symbol {
			copy := item
			return &copy, false, nil
		}
	}

	item := model.WatchlistItem{
		ID:        s.ids.NewWatchlistID(),
		UserID:    userID,
		Symbol:    symbol,
		CreatedAt: time.Now().UTC(),
	}
	s.watchlist[userID] = append(s.watchlist[userID], item)
	return &item, true, nil
}

func (s *MemoryStore) RemoveWatchlistItem(_ context.Context, userID, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.watchlist[userID]
	for i, item := range items {
		if item.Symbol == symbol {
			s.watchlist[userID] = append(items[:i:i], items[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) ListWatchlist(_ context.Context, userID string) ([]model.WatchlistItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.WatchlistItem, len(s.watchlist[userID]))
	copy(result, s.watchlist[userID])
	return result, nil
}

// Atomically runs fn under the user's lock. Writes are staged on a memoryTx
// and applied in one step only if fn succeeds.
func (s *MemoryStore) Atomically(ctx context.Context, userID string, fn func(tx LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.users.Lock(userID)
	defer unlock()

	tx := &memoryTx{
		store:    s,
		userID:   userID,
		holdings: make(map[string]decimal.Decimal),
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx.commitLocked()
	return nil
}

// setHoldingLocked writes a holding amount; the caller holds s.mu.
func (s *MemoryStore) setHoldingLocked(userID, symbol string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		delete(s.holdings[userID], symbol)
		return
	}
	if s.holdings[userID] == nil {
		s.holdings[userID] = make(map[string]decimal.Decimal)
	}
	s.holdings[userID][symbol] = amount
}

// memoryTx stages one atomic unit's writes.
type memoryTx struct {
	store  *MemoryStore
	userID string

	balance  *decimal.Decimal
	holdings map[string]decimal.Decimal
	appended []model.Transaction
}

func (t *memoryTx) Balance(ctx context.Context) (decimal.Decimal, error) {
	if t.balance != nil {
		return *t.balance, nil
	}
	b, err := t.store.GetBalance(ctx, t.userID)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Balance, nil
}

func (t *memoryTx) SetBalance(_ context.Context, balance decimal.Decimal) error {
	t.balance = &balance
	return nil
}

func (t *memoryTx) Holding(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if amount, ok := t.holdings[symbol]; ok {
		return amount, nil
	}
	h, err := t.store.GetHolding(ctx, t.userID, symbol)
	if err != nil || h == nil {
		return decimal.Zero, err
	}
	return h.Amount, nil
}

func (t *memoryTx) SetHolding(_ context.Context, symbol string, amount decimal.Decimal) error {
	t.holdings[symbol] = amount
	return nil
}

func (t *memoryTx) AppendTransaction(_ context.Context, tx *model.Transaction) (*model.Transaction, error) {
	stamped := stampTransaction(tx, t.store.ids)
	stamped.UserID = t.userID
	t.appended = append(t.appended, stamped)
	return &stamped, nil
}

// commitLocked applies staged writes; the caller holds store.mu.
func (t *memoryTx) commitLocked() {
	s := t.store
	now := time.Now().UTC()

	if t.balance != nil {
		b, ok := s.balances[t.userID]
		if !ok {
			b = &model.UserBalance{UserID: t.userID}
			s.balances[t.userID] = b
		}
		b.Balance = *t.balance
		b.UpdatedAt = now
	}
	for symbol, amount := range t.holdings {
		s.setHoldingLocked(t.userID, symbol, amount)
	}
	s.transactions[t.userID] = append(s.transactions[t.userID], t.appended...)
}
