// Package api provides the HTTP handlers for prices, trading, portfolio
// and watchlist queries.
//
// All monetary values use shopspring/decimal and are serialized as JSON strings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/auth"
	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/portfolio"
	"github.com/papertrade/portfolio-engine/internal/store"
	"github.com/papertrade/portfolio-engine/internal/trade"
	"github.com/papertrade/portfolio-engine/internal/watchlist"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 500
)

// PriceBoard lists the asset universe with current quotes.
type PriceBoard interface {
	Universe(ctx context.Context) []model.AssetQuote
}

// Handler serves the JSON API. Identity always comes from auth.UserID.
type Handler struct {
	store     store.Store
	engine    *trade.Engine
	valuator  *portfolio.Valuator
	watchlist *watchlist.Manager
	prices    PriceBoard
}

func NewHandler(st store.Store, engine *trade.Engine, valuator *portfolio.Valuator, wl *watchlist.Manager, prices PriceBoard) *Handler {
	return &Handler{
		store:     st,
		engine:    engine,
		valuator:  valuator,
		watchlist: wl,
		prices:    prices,
	}
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /api/trade.
type TradeRequest struct {
	Symbol string          `json:"symbol"`
	Type   string          `json:"type"` // "buy" or "sell"
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
}

// TradeResponse is the JSON body returned from POST /api/trade.
type TradeResponse struct {
	Success     bool               `json:"success"`
	Transaction *model.Transaction `json:"transaction"`
}

// WatchlistRequest is the JSON body for POST /api/watchlist.
type WatchlistRequest struct {
	Symbol string `json:"symbol"`
}

// --- HTTP Handlers ---

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "portfolio-engine"})
}

// GetPrices handles GET /api/crypto/prices
func (h *Handler) GetPrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.prices.Universe(r.Context()))
}

// GetPortfolio handles GET /api/portfolio
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	view, err := h.valuator.View(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "failed to load portfolio", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ExecuteTrade handles POST /api/trade
func (h *Handler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// A client disconnect must not abandon a trade halfway; the unit either
	// commits or rolls back on its own.
	ctx := context.WithoutCancel(r.Context())

	tx, err := h.engine.Execute(ctx, userID, trade.Intent{
		Symbol: req.Symbol,
		Type:   model.TradeType(strings.ToLower(strings.TrimSpace(req.Type))),
		Amount: req.Amount,
		Price:  req.Price,
	})
	if err != nil {
		h.fail(w, r, "failed to execute trade", err)
		return
	}
	writeJSON(w, http.StatusOK, TradeResponse{Success: true, Transaction: tx})
}

// ListTransactions handles GET /api/transactions?limit=N
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	limit := defaultTransactionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxTransactionLimit)
	}

	txs, err := h.store.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		h.fail(w, r, "failed to list transactions", err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// GetWatchlist handles GET /api/watchlist
func (h *Handler) GetWatchlist(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	entries, err := h.watchlist.List(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "failed to load watchlist", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// AddToWatchlist handles POST /api/watchlist
// Responds 201 when the symbol is new and 200 when it was already tracked.
func (h *Handler) AddToWatchlist(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req WatchlistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	entry, created, err := h.watchlist.Add(r.Context(), userID, req.Symbol)
	if err != nil {
		h.fail(w, r, "failed to update watchlist", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, entry)
}

// RemoveFromWatchlist handles DELETE /api/watchlist/{symbol}
func (h *Handler) RemoveFromWatchlist(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.watchlist.Remove(r.Context(), userID, chi.URLParam(r, "symbol")); err != nil {
		h.fail(w, r, "failed to update watchlist", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// fail maps domain errors to 400 with their message; anything else is an
// internal failure whose details stay in the log.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	switch {
	case errors.Is(err, trade.ErrInvalidTrade),
		errors.Is(err, trade.ErrInsufficientFunds),
		errors.Is(err, trade.ErrInsufficientHoldings),
		errors.Is(err, watchlist.ErrInvalidSymbol),
		errors.Is(err, store.ErrInvalidLimit):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error(message,
			"request_id", middleware.GetReqID(r.Context()),
			"path", r.URL.Path,
			"err", err,
		)
		writeError(w, message, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
