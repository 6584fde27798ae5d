package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papertrade/portfolio-engine/internal/model"
)

// CachedQuote is a quote together with the time it was fetched upstream.
type CachedQuote struct {
	Quote     model.Quote `json:"quote"`
	FetchedAt time.Time   `json:"fetched_at"`
}

// QuoteCache stores last-known-good quotes by symbol. Freshness is decided
// by the Oracle, so a cache returns entries of any age it still holds.
type QuoteCache interface {
	Get(ctx context.Context, symbols []string) (map[string]CachedQuote, error)
	Put(ctx context.Context, quotes map[string]model.Quote, fetchedAt time.Time) error
}

// MemoryQuoteCache is an in-process QuoteCache.
type MemoryQuoteCache struct {
	mu     sync.RWMutex
	quotes map[string]CachedQuote
}

func NewMemoryQuoteCache() *MemoryQuoteCache {
	return &MemoryQuoteCache{quotes: make(map[string]CachedQuote)}
}

func (c *MemoryQuoteCache) Get(_ context.Context, symbols []string) (map[string]CachedQuote, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]CachedQuote, len(symbols))
	for _, s := range symbols {
		if q, ok := c.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (c *MemoryQuoteCache) Put(_ context.Context, quotes map[string]model.Quote, fetchedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for s, q := range quotes {
		c.quotes[s] = CachedQuote{Quote: q, FetchedAt: fetchedAt}
	}
	return nil
}

// RedisQuoteCache shares quotes between engine instances as JSON values
// under quote:<SYMBOL>. Keys expire after retention so a long outage still
// falls back to static data eventually.
type RedisQuoteCache struct {
	rdb       *redis.Client
	retention time.Duration
}

func NewRedisQuoteCache(rdb *redis.Client, retention time.Duration) *RedisQuoteCache {
	return &RedisQuoteCache{rdb: rdb, retention: retention}
}

func (c *RedisQuoteCache) Get(ctx context.Context, symbols []string) (map[string]CachedQuote, error) {
	out := make(map[string]CachedQuote, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = quoteKey(s)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("quote cache get: %w", err)
	}

	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var q CachedQuote
		if json.Unmarshal([]byte(raw), &q) == nil {
			out[symbols[i]] = q
		}
	}
	return out, nil
}

func (c *RedisQuoteCache) Put(ctx context.Context, quotes map[string]model.Quote, fetchedAt time.Time) error {
	if len(quotes) == 0 {
		return nil
	}

	pipe := c.rdb.Pipeline()
	for s, q := range quotes {
		data, err := json.Marshal(CachedQuote{Quote: q, FetchedAt: fetchedAt})
		if err != nil {
			return fmt.Errorf("encode quote %s: %w", s, err)
		}
		pipe.Set(ctx, quoteKey(s), data, c.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("quote cache put: %w", err)
	}
	return nil
}

func quoteKey(symbol string) string { return fmt.Sprintf("quote:%s", symbol) }
