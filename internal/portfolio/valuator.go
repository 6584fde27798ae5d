// Package portfolio marks a user's holdings to market.
package portfolio

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/asset"
	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// PriceSource supplies current quotes. Symbols it cannot price are absent.
type PriceSource interface {
	GetPrices(ctx context.Context, symbols []string) map[string]model.Quote
}

// Valuator builds portfolio views. It only reads, so it is safe to call
// concurrently with trades; cash and holdings in a view always come from
// the same committed ledger state.
type Valuator struct {
	store           store.Store
	prices          PriceSource
	startingBalance decimal.Decimal
}

// NewValuator creates a Valuator. P&L is measured against startingBalance.
func NewValuator(st store.Store, prices PriceSource, startingBalance decimal.Decimal) *Valuator {
	return &Valuator{
		store:           st,
		prices:          prices,
		startingBalance: startingBalance,
	}
}

// View returns the user's cash, holdings at current prices, and P&L.
// A holding without a price is valued at zero.
func (v *Valuator) View(ctx context.Context, userID string) (*model.PortfolioView, error) {
	snap, err := v.store.Snapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	holdings, balance := snap.Holdings, snap.Balance

	var quotes map[string]model.Quote
	if len(holdings) > 0 {
		symbols := make([]string, len(holdings))
		for i, h := range holdings {
			symbols[i] = h.Symbol
		}
		quotes = v.prices.GetPrices(ctx, symbols)
	}

	view := &model.PortfolioView{
		UserID:        userID,
		AvailableCash: balance.Balance,
		Holdings:      make([]model.HoldingView, 0, len(holdings)),
	}

	holdingsValue := decimal.Zero
	change24h := decimal.Zero
	for _, h := range holdings {
		q := quotes[h.Symbol] // zero Quote when unpriced
		value := model.RoundCash(h.Amount.Mul(q.Price))
		holdingsValue = holdingsValue.Add(value)
		change24h = change24h.Add(valueChange(value, q.Change24h))

		view.Holdings = append(view.Holdings, model.HoldingView{
			Symbol:       h.Symbol,
			Name:         asset.Name(h.Symbol),
			Amount:       h.Amount,
			CurrentPrice: q.Price,
			Value:        value,
			Change24h:    q.Change24h,
		})
	}

	view.HoldingsValue = holdingsValue
	view.TotalValue = balance.Balance.Add(holdingsValue)
	view.Change24hValue = model.RoundCash(change24h)
	view.ProfitLoss = view.TotalValue.Sub(v.startingBalance)
	if v.startingBalance.IsPositive() {
		view.ProfitLossPercent = view.ProfitLoss.Div(v.startingBalance).Mul(hundred).Round(2)
	}

	if view.TotalValue.IsPositive() {
		for i := range view.Holdings {
			view.Holdings[i].Allocation = view.Holdings[i].Value.Div(view.TotalValue).Mul(hundred).Round(2)
		}
	}

	return view, nil
}

// valueChange is the amount a position worth value now gained over a period
// in which its price moved by pct percent: value * pct / (100 + pct).
func valueChange(value, pct decimal.Decimal) decimal.Decimal {
	base := hundred.Add(pct)
	if !base.IsPositive() || value.IsZero() {
		return decimal.Zero
	}
	return value.Mul(pct).Div(base)
}
