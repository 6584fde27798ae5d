// Package watchlist manages the set of symbols a user tracks.
package watchlist

import (
	"context"
	"errors"
	"fmt"

	"github.com/papertrade/portfolio-engine/internal/asset"
	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/store"
)

var ErrInvalidSymbol = errors.New("watchlist: invalid symbol")

// PriceSource supplies current quotes. Symbols it cannot price are absent.
type PriceSource interface {
	GetPrices(ctx context.Context, symbols []string) map[string]model.Quote
}

type Manager struct {
	store  store.Store
	prices PriceSource
}

func NewManager(st store.Store, prices PriceSource) *Manager {
	return &Manager{store: st, prices: prices}
}

// Add tracks symbol for userID. Adding a tracked symbol returns the existing
// entry with created=false.
func (m *Manager) Add(ctx context.Context, userID, rawSymbol string) (*model.WatchlistEntry, bool, error) {
	symbol, err := normalize(rawSymbol)
	if err != nil {
		return nil, false, err
	}

	item, created, err := m.store.AddWatchlistItem(ctx, userID, symbol)
	if err != nil {
		return nil, false, fmt.Errorf("add %s: %w", symbol, err)
	}

	quotes := m.prices.GetPrices(ctx, []string{symbol})
	entry := annotate(*item, quotes)
	return &entry, created, nil
}

// Remove stops tracking symbol. Removing an untracked symbol is not an error.
func (m *Manager) Remove(ctx context.Context, userID, rawSymbol string) error {
	symbol, err := normalize(rawSymbol)
	if err != nil {
		return err
	}
	if err := m.store.RemoveWatchlistItem(ctx, userID, symbol); err != nil {
		return fmt.Errorf("remove %s: %w", symbol, err)
	}
	return nil
}

// List returns the watchlist with live prices. Unpriced symbols show zero.
func (m *Manager) List(ctx context.Context, userID string) ([]model.WatchlistEntry, error) {
	items, err := m.store.ListWatchlist(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list watchlist: %w", err)
	}

	out := make([]model.WatchlistEntry, 0, len(items))
	if len(items) == 0 {
		return out, nil
	}

	symbols := make([]string, len(items))
	for i, it := range items {
		symbols[i] = it.Symbol
	}
	quotes := m.prices.GetPrices(ctx, symbols)

	for _, it := range items {
		out = append(out, annotate(it, quotes))
	}
	return out, nil
}

func annotate(item model.WatchlistItem, quotes map[string]model.Quote) model.WatchlistEntry {
	q := quotes[item.Symbol]
	return model.WatchlistEntry{
		ID:        item.ID,
		Symbol:    item.Symbol,
		Name:      asset.Name(item.Symbol),
		Price:     q.Price,
		Change24h: q.Change24h,
		CreatedAt: item.CreatedAt,
	}
}

func normalize(raw string) (string, error) {
	symbol, err := asset.NormalizeSymbol(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	return symbol, nil
}
