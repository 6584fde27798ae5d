package oracle_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/asset"
	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/oracle"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeUpstream serves canned quotes keyed by provider id.
type fakeUpstream struct {
	mu     sync.Mutex
	quotes map[string]model.Quote
	err    error
	calls  int
	ids    [][]string
}

func (f *fakeUpstream) FetchQuotes(_ context.Context, ids []string) (map[string]model.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ids = append(f.ids, ids)
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]model.Quote)
	for _, id := range ids {
		if q, ok := f.quotes[id]; ok {
			out[id] = q
		}
	}
	return out, nil
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestGetPrices_Upstream(t *testing.T) {
	up := &fakeUpstream{quotes: map[string]model.Quote{
		"bitcoin":  {Price: d("50000"), Change24h: d("2.5")},
		"ethereum": {Price: d("3000"), Change24h: d("-1")},
	}}
	o := oracle.New(up, nil, oracle.Config{Timeout: time.Second})

	got := o.GetPrices(context.Background(), []string{"BTC", "eth"})

	if len(got) != 2 {
		t.Fatalf("got %d quotes, want 2: %v", len(got), got)
	}
	if !got["BTC"].Price.Equal(d("50000")) || !got["BTC"].Change24h.Equal(d("2.5")) {
		t.Errorf("BTC = %+v", got["BTC"])
	}
	if !got["ETH"].Price.Equal(d("3000")) {
		t.Errorf("ETH = %+v", got["ETH"])
	}
}

func TestGetPrices_UnknownSymbolsAbsent(t *testing.T) {
	up := &fakeUpstream{quotes: map[string]model.Quote{}}
	o := oracle.New(up, nil, oracle.Config{Timeout: time.Second})

	got := o.GetPrices(context.Background(), []string{"NOTACOIN"})

	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
	if up.callCount() != 0 {
		t.Errorf("upstream called %d times for unknown symbols", up.callCount())
	}
}

func TestGetPrices_MissingFromPayloadUsesFallback(t *testing.T) {
	up := &fakeUpstream{quotes: map[string]model.Quote{
		"bitcoin": {Price: d("50000"), Change24h: d("1")},
	}}
	o := oracle.New(up, nil, oracle.Config{Timeout: time.Second})

	got := o.GetPrices(context.Background(), []string{"BTC", "SOL"})

	sol, _ := asset.Lookup("SOL")
	if !got["SOL"].Price.Equal(sol.FallbackPrice) {
		t.Errorf("SOL = %s, want fallback %s", got["SOL"].Price, sol.FallbackPrice)
	}
	if !got["BTC"].Price.Equal(d("50000")) {
		t.Errorf("BTC = %s, want upstream 50000", got["BTC"].Price)
	}
}

func TestGetPrices_FailureReturnsWholeUniverse(t *testing.T) {
	up := &fakeUpstream{err: errors.New("connection refused")}
	o := oracle.New(up, nil, oracle.Config{Timeout: time.Second})

	got := o.GetPrices(context.Background(), []string{"BTC"})

	if len(got) != len(asset.All()) {
		t.Fatalf("got %d quotes, want full universe %d", len(got), len(asset.All()))
	}
	btc, _ := asset.Lookup("BTC")
	if !got["BTC"].Price.Equal(btc.FallbackPrice) {
		t.Errorf("BTC = %s, want fallback %s", got["BTC"].Price, btc.FallbackPrice)
	}
}

func TestGetPrices_FallbackOverlaysLastKnown(t *testing.T) {
	up := &fakeUpstream{quotes: map[string]model.Quote{
		"bitcoin": {Price: d("61000"), Change24h: d("0.5")},
	}}
	cache := oracle.NewMemoryQuoteCache()
	// A 1ns TTL makes every cached quote stale for serving, but it remains
	// the last-known-good value.
	o := oracle.New(up, cache, oracle.Config{Timeout: time.Second, CacheTTL: time.Nanosecond})
	ctx := context.Background()

	o.GetPrices(ctx, []string{"BTC"})

	up.mu.Lock()
	up.err = errors.New("503")
	up.mu.Unlock()

	got := o.GetPrices(ctx, []string{"BTC"})
	if !got["BTC"].Price.Equal(d("61000")) {
		t.Errorf("BTC = %s, want last-known 61000", got["BTC"].Price)
	}
	eth, _ := asset.Lookup("ETH")
	if !got["ETH"].Price.Equal(eth.FallbackPrice) {
		t.Errorf("ETH = %s, want static fallback", got["ETH"].Price)
	}
}

func TestGetPrices_FreshCacheSkipsUpstream(t *testing.T) {
	up := &fakeUpstream{quotes: map[string]model.Quote{
		"bitcoin": {Price: d("50000"), Change24h: d("1")},
	}}
	o := oracle.New(up, oracle.NewMemoryQuoteCache(), oracle.Config{Timeout: time.Second, CacheTTL: time.Hour})
	ctx := context.Background()

	o.GetPrices(ctx, []string{"BTC"})
	got := o.GetPrices(ctx, []string{"BTC"})

	if up.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1", up.callCount())
	}
	if !got["BTC"].Price.Equal(d("50000")) {
		t.Errorf("BTC = %s, want cached 50000", got["BTC"].Price)
	}
}

func TestGetPrices_TimeoutFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	o := oracle.New(oracle.NewCoinGecko(srv.URL, srv.Client()), nil, oracle.Config{Timeout: 50 * time.Millisecond})

	start := time.Now()
	got := o.GetPrices(context.Background(), []string{"BTC"})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("GetPrices took %v, want bounded by timeout", elapsed)
	}

	btc, _ := asset.Lookup("BTC")
	if !got["BTC"].Price.Equal(btc.FallbackPrice) {
		t.Errorf("BTC = %s, want fallback", got["BTC"].Price)
	}
}

func TestGetPrices_RateGateSpacesRequests(t *testing.T) {
	up := &fakeUpstream{quotes: map[string]model.Quote{
		"bitcoin": {Price: d("50000"), Change24h: d("1")},
	}}
	const interval = 100 * time.Millisecond
	o := oracle.New(up, nil, oracle.Config{MinInterval: interval, Timeout: time.Second})

	start := time.Now()
	var wg sync.WaitGroup
	var served atomic.Int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := o.GetPrices(context.Background(), []string{"BTC"}); got["BTC"].Price.Equal(d("50000")) {
				served.Add(1)
			}
		}()
	}
	wg.Wait()

	// Burst 1: the first call passes immediately, the next two wait a slot each.
	if elapsed := time.Since(start); elapsed < 2*interval-10*time.Millisecond {
		t.Errorf("3 gated calls took %v, want >= %v", elapsed, 2*interval)
	}
	if served.Load() != 3 || up.callCount() != 3 {
		t.Errorf("served=%d upstream=%d, want 3 and 3", served.Load(), up.callCount())
	}
}

func TestUniverse(t *testing.T) {
	up := &fakeUpstream{quotes: map[string]model.Quote{
		"bitcoin": {Price: d("50000"), Change24h: d("1")},
	}}
	o := oracle.New(up, nil, oracle.Config{Timeout: time.Second})

	got := o.Universe(context.Background())

	if len(got) != len(asset.All()) {
		t.Fatalf("universe = %d, want %d", len(got), len(asset.All()))
	}
	if got[0].Symbol != "BTC" || got[0].Name != "Bitcoin" || got[0].ProviderID != "bitcoin" {
		t.Errorf("first = %+v, want Bitcoin", got[0])
	}
	if !got[0].Price.Equal(d("50000")) {
		t.Errorf("BTC price = %s, want 50000", got[0].Price)
	}

	up.mu.Lock()
	requested := strings.Join(up.ids[0], ",")
	up.mu.Unlock()
	if !strings.Contains(requested, "bitcoin") || !strings.Contains(requested, "stellar") {
		t.Errorf("upstream ids = %s, want whole universe", requested)
	}
}
