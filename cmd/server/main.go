package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/papertrade/portfolio-engine/internal/api"
	"github.com/papertrade/portfolio-engine/internal/auth"
	"github.com/papertrade/portfolio-engine/internal/config"
	"github.com/papertrade/portfolio-engine/internal/events"
	"github.com/papertrade/portfolio-engine/internal/oracle"
	"github.com/papertrade/portfolio-engine/internal/portfolio"
	"github.com/papertrade/portfolio-engine/internal/store"
	"github.com/papertrade/portfolio-engine/internal/stream"
	"github.com/papertrade/portfolio-engine/internal/trade"
	"github.com/papertrade/portfolio-engine/internal/watchlist"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("portfolio-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("portfolio-engine stopped")
}

// run wires and serves the engine until a signal arrives. Every resource it
// opens is released before it returns, including on startup errors.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (optional, shared by store cache and quote cache) ---
	var rdb *redis.Client
	if cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis enabled")
	}

	// --- Initialize store ---
	st, err := openStore(ctx, cfg, rdb, &cleanup)
	if err != nil {
		return fmt.Errorf("store %s: %w", cfg.Store.Backend, err)
	}

	// --- Price oracle ---
	var quoteCache oracle.QuoteCache = oracle.NewMemoryQuoteCache()
	if rdb != nil {
		quoteCache = oracle.NewRedisQuoteCache(rdb, 24*time.Hour)
	}
	priceOracle := oracle.New(
		oracle.NewCoinGecko(cfg.Oracle.BaseURL, &http.Client{}),
		quoteCache,
		oracle.Config{
			MinInterval: cfg.Oracle.MinInterval,
			Timeout:     cfg.Oracle.Timeout,
			CacheTTL:    cfg.Oracle.CacheTTL,
		},
	)

	// --- WebSocket hub ---
	hub := stream.NewHub()
	go hub.Run(ctx)
	go hub.RunPriceBroadcast(ctx, priceOracle, cfg.PriceBroadcastInterval)

	// --- Trade event sinks ---
	sinks := []trade.EventSink{hub}
	if len(cfg.Kafka.Brokers) > 0 {
		pub := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		cleanup = append(cleanup, func() {
			if err := pub.Close(); err != nil {
				slog.Warn("kafka writer close failed", "err", err)
			}
		})
		sinks = append(sinks, pub)
		slog.Info("Kafka trade events enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// --- Services ---
	engine := trade.NewEngine(st, cfg.Ledger.FeeRate, sinks...)
	valuator := portfolio.NewValuator(st, priceOracle, cfg.Ledger.StartingBalance)
	wl := watchlist.NewManager(st, priceOracle)

	handler := api.NewHandler(st, engine, valuator, wl, priceOracle)
	router := api.NewRouter(handler, api.RouterConfig{
		Verifier:       auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience),
		WebSocket:      hub.HandleWS,
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("portfolio-engine listening",
			"port", cfg.Port,
			"store", cfg.Store.Backend,
			"fee_rate", cfg.Ledger.FeeRate.String(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down portfolio-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	default:
		return nil
	}
}

// openStore builds the configured ledger backend. A Postgres backend that
// cannot be reached is an error; there is no fallback to memory.
func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client, cleanup *[]func()) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		slog.Warn("using in-memory store (data will not persist)")
		return store.NewMemoryStore(cfg.Ledger.StartingBalance), nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		*cleanup = append(*cleanup, pool.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}

		pg := store.NewPostgresStore(pool, cfg.Ledger.StartingBalance)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			slog.Info("Redis ledger cache enabled", "ttl", cfg.Store.CacheTTL)
			return store.NewCachedStore(pg, rdb, cfg.Store.CacheTTL), nil
		}
		return pg, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
