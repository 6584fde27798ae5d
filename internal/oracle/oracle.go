// Package oracle provides current market prices for the asset universe.
//
// The Oracle never fails: upstream errors, timeouts and rate-gate deadlines
// all degrade to the static fallback table, overlaid with the last quotes
// the quote cache still holds.
package oracle

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/papertrade/portfolio-engine/internal/asset"
	"github.com/papertrade/portfolio-engine/internal/metrics"
	"github.com/papertrade/portfolio-engine/internal/model"
)

// Config tunes the Oracle.
type Config struct {
	// MinInterval is the minimum spacing between upstream requests across
	// all callers. Zero disables the gate.
	MinInterval time.Duration

	// Timeout bounds one upstream request, including time spent at the gate.
	Timeout time.Duration

	// CacheTTL is how long a cached quote satisfies requests without an
	// upstream call.
	CacheTTL time.Duration
}

// Oracle serves quotes keyed by symbol. Safe for concurrent use.
type Oracle struct {
	upstream Upstream
	cache    QuoteCache // optional
	limiter  *rate.Limiter
	timeout  time.Duration
	cacheTTL time.Duration
}

// New creates an Oracle. cache may be nil.
func New(upstream Upstream, cache QuoteCache, cfg Config) *Oracle {
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Oracle{
		upstream: upstream,
		cache:    cache,
		limiter:  rate.NewLimiter(limit, 1),
		timeout:  timeout,
		cacheTTL: cfg.CacheTTL,
	}
}

// GetPrices returns quotes for the requested symbols. Symbols outside the
// supported universe are absent from the result. When the upstream request
// fails the whole universe is returned from fallback data.
func (o *Oracle) GetPrices(ctx context.Context, symbols []string) map[string]model.Quote {
	wanted := knownAssets(symbols)
	result := make(map[string]model.Quote, len(wanted))
	if len(wanted) == 0 {
		return result
	}

	cached := o.cachedQuotes(ctx, assetSymbols(wanted))
	now := time.Now()

	var missing []asset.Asset
	for _, a := range wanted {
		if cq, ok := cached[a.Symbol]; ok && o.cacheTTL > 0 && now.Sub(cq.FetchedAt) < o.cacheTTL {
			result[a.Symbol] = cq.Quote
			continue
		}
		missing = append(missing, a)
	}
	if len(missing) == 0 {
		metrics.OracleRequests.WithLabelValues("cache").Inc()
		return result
	}

	fetched, err := o.fetch(ctx, missing)
	if err != nil {
		metrics.OracleRequests.WithLabelValues("fallback").Inc()
		slog.Warn("price upstream unavailable, serving fallback",
			"symbols", len(missing),
			"err", err,
		)
		return o.fallback(ctx)
	}
	metrics.OracleRequests.WithLabelValues("upstream").Inc()

	if o.cache != nil && len(fetched) > 0 {
		if err := o.cache.Put(ctx, fetched, now); err != nil {
			slog.Warn("quote cache write failed", "err", err)
		}
	}

	for _, a := range missing {
		if q, ok := fetched[a.Symbol]; ok {
			result[a.Symbol] = q
		} else if cq, ok := cached[a.Symbol]; ok {
			result[a.Symbol] = cq.Quote
		} else {
			result[a.Symbol] = fallbackQuote(a)
		}
	}
	return result
}

// Universe returns every supported asset with its current quote, in
// canonical order.
func (o *Oracle) Universe(ctx context.Context) []model.AssetQuote {
	quotes := o.GetPrices(ctx, asset.Symbols())

	all := asset.All()
	out := make([]model.AssetQuote, 0, len(all))
	for _, a := range all {
		q, ok := quotes[a.Symbol]
		if !ok {
			q = fallbackQuote(a)
		}
		out = append(out, model.AssetQuote{
			Symbol:     a.Symbol,
			Name:       a.Name,
			Price:      q.Price,
			Change24h:  q.Change24h,
			ProviderID: a.ProviderID,
		})
	}
	return out
}

// fetch waits at the rate gate and performs one upstream request, both
// under the request timeout. The result is keyed by symbol.
func (o *Oracle) fetch(ctx context.Context, assets []asset.Asset) (map[string]model.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ids := make([]string, len(assets))
	byProvider := make(map[string]string, len(assets))
	for i, a := range assets {
		ids[i] = a.ProviderID
		byProvider[a.ProviderID] = a.Symbol
	}

	start := time.Now()
	quotes, err := o.upstream.FetchQuotes(ctx, ids)
	metrics.OracleUpstreamLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	out := make(map[string]model.Quote, len(quotes))
	for id, q := range quotes {
		if sym, ok := byProvider[id]; ok {
			out[sym] = q
		}
	}
	return out, nil
}

// fallback returns the static table for the whole universe, overlaid with
// any last-known-good cached quotes.
func (o *Oracle) fallback(ctx context.Context) map[string]model.Quote {
	all := asset.All()
	out := make(map[string]model.Quote, len(all))
	for _, a := range all {
		out[a.Symbol] = fallbackQuote(a)
	}
	for sym, cq := range o.cachedQuotes(ctx, asset.Symbols()) {
		out[sym] = cq.Quote
	}
	return out
}

func (o *Oracle) cachedQuotes(ctx context.Context, symbols []string) map[string]CachedQuote {
	if o.cache == nil {
		return nil
	}
	cached, err := o.cache.Get(ctx, symbols)
	if err != nil {
		slog.Debug("quote cache read failed", "err", err)
		return nil
	}
	return cached
}

func fallbackQuote(a asset.Asset) model.Quote {
	return model.Quote{Price: a.FallbackPrice, Change24h: a.FallbackChange24h}
}

// knownAssets resolves symbols against the universe, dropping unknown and
// duplicate entries.
func knownAssets(symbols []string) []asset.Asset {
	seen := make(map[string]bool, len(symbols))
	out := make([]asset.Asset, 0, len(symbols))
	for _, raw := range symbols {
		sym, err := asset.NormalizeSymbol(raw)
		if err != nil || seen[sym] {
			continue
		}
		seen[sym] = true
		if a, ok := asset.Lookup(sym); ok {
			out = append(out, a)
		}
	}
	return out
}

func assetSymbols(assets []asset.Asset) []string {
	out := make([]string, len(assets))
	for i, a := range assets {
		out[i] = a.Symbol
	}
	return out
}
