package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/papertrade/portfolio-engine/internal/auth"
	"github.com/papertrade/portfolio-engine/internal/metrics"
)

// RouterConfig holds what the router needs beyond the handler.
type RouterConfig struct {
	Verifier *auth.Verifier

	// WebSocket serves GET /api/ws when set.
	WebSocket http.HandlerFunc

	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string

	// RequestTimeout bounds every non-streaming request. Zero means 30s.
	RequestTimeout time.Duration
}

// NewRouter mounts the API on a chi router.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS for the browser dashboard.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.With(middleware.Timeout(timeout)).Get("/crypto/prices", h.GetPrices)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(cfg.Verifier))

			// WebSocket endpoint for trade notifications and live prices.
			if cfg.WebSocket != nil {
				r.Get("/ws", cfg.WebSocket)
			}

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(timeout))

				r.Get("/portfolio", h.GetPortfolio)
				r.Post("/trade", h.ExecuteTrade)
				r.Get("/transactions", h.ListTransactions)

				r.Get("/watchlist", h.GetWatchlist)
				r.Post("/watchlist", h.AddToWatchlist)
				r.Delete("/watchlist/{symbol}", h.RemoveFromWatchlist)
			})
		})
	})

	return r
}
