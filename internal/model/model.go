// Package model defines the core domain types shared across the portfolio engine.
// All monetary values and asset amounts use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// AmountScale is the number of fractional digits kept for asset amounts.
	AmountScale int32 = 8

	// CashScale is the number of fractional digits kept for cash values.
	CashScale int32 = 2
)

// TradeType is the direction of a trade.
type TradeType string

const (
	Buy  TradeType = "buy"
	Sell TradeType = "sell"
)

// Valid reports whether t is a known trade direction.
func (t TradeType) Valid() bool {
	return t == Buy || t == Sell
}

// Holding is the quantity of one asset owned by one user.
// A holding with a zero amount does not exist.
type Holding struct {
	UserID string          `json:"userId" db:"user_id"`
	Symbol string          `json:"symbol" db:"symbol"`
	Amount decimal.Decimal `json:"amount" db:"amount"`
}

// Transaction is an immutable record of a trade execution.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"userId" db:"user_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Type      TradeType       `json:"type" db:"type"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Total     decimal.Decimal `json:"total" db:"total"` // amount * price, before fee
	Fee       decimal.Decimal `json:"fee" db:"fee"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
}

// UserBalance is the cash balance of one user in the reference currency.
type UserBalance struct {
	UserID    string          `json:"userId" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	UpdatedAt time.Time       `json:"updatedAt" db:"updated_at"`
}

// WatchlistItem is one tracked symbol on a user's watchlist.
type WatchlistItem struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"userId" db:"user_id"`
	Symbol    string    `json:"symbol" db:"symbol"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Quote is the current market price of a symbol and its 24h change in percent.
type Quote struct {
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change24h"`
}

// AssetQuote is a supported asset together with its current quote.
type AssetQuote struct {
	Symbol     string          `json:"symbol"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Change24h  decimal.Decimal `json:"change24h"`
	ProviderID string          `json:"providerId"`
}

// HoldingView is a holding marked to market.
type HoldingView struct {
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	Value        decimal.Decimal `json:"value"`
	Change24h    decimal.Decimal `json:"change24h"`
	Allocation   decimal.Decimal `json:"allocation"` // % of total value
}

// PortfolioView aggregates cash and marked holdings for a user with P&L.
type PortfolioView struct {
	UserID            string          `json:"userId"`
	TotalValue        decimal.Decimal `json:"totalValue"`
	AvailableCash     decimal.Decimal `json:"availableCash"`
	HoldingsValue     decimal.Decimal `json:"holdingsValue"`
	ProfitLoss        decimal.Decimal `json:"profitLoss"`        // vs starting balance
	ProfitLossPercent decimal.Decimal `json:"profitLossPercent"` // vs starting balance
	Change24hValue    decimal.Decimal `json:"change24hValue"`    // holdings P&L over 24h
	Holdings          []HoldingView   `json:"holdings"`
}

// WatchlistEntry is a watchlist item annotated with its live quote.
type WatchlistEntry struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change24h"`
	CreatedAt time.Time       `json:"createdAt"`
}

// RoundCash rounds a cash value to CashScale, half away from zero.
func RoundCash(v decimal.Decimal) decimal.Decimal {
	return v.Round(CashScale)
}

// CeilCash rounds a cash value up to the next CashScale unit.
func CeilCash(v decimal.Decimal) decimal.Decimal {
	return v.RoundCeil(CashScale)
}

// RoundAmount rounds an asset amount to AmountScale.
func RoundAmount(v decimal.Decimal) decimal.Decimal {
	return v.Round(AmountScale)
}
