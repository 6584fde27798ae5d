// Package trade validates buy/sell intents and applies them to a user's
// ledger as one atomic unit.
//
// All monetary values use shopspring/decimal; never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/asset"
	"github.com/papertrade/portfolio-engine/internal/metrics"
	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/store"
)

var (
	ErrInvalidTrade         = errors.New("trade: invalid trade")
	ErrInsufficientFunds    = errors.New("trade: insufficient funds")
	ErrInsufficientHoldings = errors.New("trade: insufficient holdings")
)

// DefaultFeeRate is 0.1% of trade notional.
var DefaultFeeRate = decimal.RequireFromString("0.001")

// Intent is a requested trade. Price is supplied by the caller.
type Intent struct {
	Symbol string          `json:"symbol"`
	Type   model.TradeType `json:"type"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
}

// EventSink receives every committed trade. Sinks run after commit; their
// errors are logged and never affect the trade.
type EventSink interface {
	TradeExecuted(ctx context.Context, tx model.Transaction) error
}

// Engine executes trades. Per-user serialization comes from the store's
// atomic unit, so different users trade in parallel.
type Engine struct {
	store   store.Store
	feeRate decimal.Decimal
	sinks   []EventSink
}

// NewEngine creates a trade engine charging feeRate on every trade.
func NewEngine(st store.Store, feeRate decimal.Decimal, sinks ...EventSink) *Engine {
	return &Engine{
		store:   st,
		feeRate: feeRate,
		sinks:   sinks,
	}
}

// Quote computes the gross total and fee for amount at price. The total is
// rounded to cash scale; the fee is rounded up so a nonzero fee rate always
// charges at least one cent.
func (e *Engine) Quote(amount, price decimal.Decimal) (total, fee decimal.Decimal) {
	total = model.RoundCash(amount.Mul(price))
	fee = model.CeilCash(total.Mul(e.feeRate))
	return total, fee
}

// Execute validates in and applies it to userID's ledger. On success the
// balance, holding and new transaction are committed together; on any error
// the ledger is unchanged.
func (e *Engine) Execute(ctx context.Context, userID string, in Intent) (*model.Transaction, error) {
	symbol, err := e.validate(in)
	if err != nil {
		metrics.TradeRejections.WithLabelValues("invalid").Inc()
		return nil, err
	}
	total, fee := e.Quote(in.Amount, in.Price)
	if total.IsZero() {
		metrics.TradeRejections.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: trade value rounds to zero", ErrInvalidTrade)
	}

	start := time.Now()
	var committed *model.Transaction

	err = e.store.Atomically(ctx, userID, func(tx store.LedgerTx) error {
		balance, err := tx.Balance(ctx)
		if err != nil {
			return err
		}
		held, err := tx.Holding(ctx, symbol)
		if err != nil {
			return err
		}

		switch in.Type {
		case model.Buy:
			outlay := total.Add(fee)
			if balance.LessThan(outlay) {
				return fmt.Errorf("%w: need %s, available %s",
					ErrInsufficientFunds, outlay.StringFixed(model.CashScale), balance.StringFixed(model.CashScale))
			}
			if err := tx.SetBalance(ctx, balance.Sub(outlay)); err != nil {
				return err
			}
			if err := tx.SetHolding(ctx, symbol, held.Add(in.Amount)); err != nil {
				return err
			}

		case model.Sell:
			if held.LessThan(in.Amount) {
				return fmt.Errorf("%w: selling %s %s, holding %s",
					ErrInsufficientHoldings, in.Amount, symbol, held)
			}
			if err := tx.SetHolding(ctx, symbol, held.Sub(in.Amount)); err != nil {
				return err
			}
			if err := tx.SetBalance(ctx, balance.Add(total).Sub(fee)); err != nil {
				return err
			}
		}

		rec, err := tx.AppendTransaction(ctx, &model.Transaction{
			UserID: userID,
			Symbol: symbol,
			Type:   in.Type,
			Amount: in.Amount,
			Price:  in.Price,
			Total:  total,
			Fee:    fee,
		})
		if err != nil {
			return err
		}
		committed = rec
		return nil
	})

	switch {
	case errors.Is(err, ErrInsufficientFunds):
		metrics.TradeRejections.WithLabelValues("insufficient_funds").Inc()
		return nil, err
	case errors.Is(err, ErrInsufficientHoldings):
		metrics.TradeRejections.WithLabelValues("insufficient_holdings").Inc()
		return nil, err
	case err != nil:
		slog.Error("trade commit failed",
			"user", userID,
			"symbol", symbol,
			"type", in.Type,
			"err", err,
		)
		return nil, fmt.Errorf("execute %s %s: %w", in.Type, symbol, err)
	}

	metrics.TradesTotal.WithLabelValues(string(in.Type)).Inc()
	metrics.TradeLatency.WithLabelValues(string(in.Type)).Observe(time.Since(start).Seconds())
	metrics.TradeVolume.WithLabelValues(volumeLabel(symbol), string(in.Type)).Add(total.InexactFloat64())

	slog.Info("trade executed",
		"trade_id", committed.ID,
		"user", userID,
		"symbol", symbol,
		"type", in.Type,
		"amount", in.Amount.String(),
		"price", in.Price.String(),
		"total", total.String(),
		"fee", fee.String(),
	)

	e.publish(ctx, *committed)
	return committed, nil
}

// volumeLabel bounds the symbol label to the asset universe.
func volumeLabel(symbol string) string {
	if _, ok := asset.Lookup(symbol); ok {
		return symbol
	}
	return "other"
}

func (e *Engine) validate(in Intent) (string, error) {
	symbol, err := asset.NormalizeSymbol(in.Symbol)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTrade, err)
	}
	if !in.Type.Valid() {
		return "", fmt.Errorf("%w: type must be buy or sell", ErrInvalidTrade)
	}
	if !in.Amount.IsPositive() {
		return "", fmt.Errorf("%w: amount must be positive", ErrInvalidTrade)
	}
	if !in.Price.IsPositive() {
		return "", fmt.Errorf("%w: price must be positive", ErrInvalidTrade)
	}
	if !in.Amount.Equal(in.Amount.Truncate(model.AmountScale)) {
		return "", fmt.Errorf("%w: amount has more than %d decimal places", ErrInvalidTrade, model.AmountScale)
	}
	if !in.Price.Equal(in.Price.Truncate(model.AmountScale)) {
		return "", fmt.Errorf("%w: price has more than %d decimal places", ErrInvalidTrade, model.AmountScale)
	}
	return symbol, nil
}

func (e *Engine) publish(ctx context.Context, tx model.Transaction) {
	for _, sink := range e.sinks {
		if err := sink.TradeExecuted(ctx, tx); err != nil {
			slog.Warn("trade event delivery failed",
				"trade_id", tx.ID,
				"sink", fmt.Sprintf("%T", sink),
				"err", err,
			)
		}
	}
}
