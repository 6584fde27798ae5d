package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/model"
)

// DefaultBaseURL is the public CoinGecko v3 API.
const DefaultBaseURL = "https://api.coingecko.com/api/v3"

// Upstream fetches quotes for a batch of provider ids. The returned map is
// keyed by provider id; ids the provider does not know are simply absent.
type Upstream interface {
	FetchQuotes(ctx context.Context, providerIDs []string) (map[string]model.Quote, error)
}

// CoinGecko is an Upstream backed by the /simple/price endpoint.
type CoinGecko struct {
	baseURL    string
	httpClient *http.Client
}

// NewCoinGecko creates a client for baseURL. The request deadline comes from
// the caller's context, so the http.Client carries no timeout of its own.
func NewCoinGecko(baseURL string, httpClient *http.Client) *CoinGecko {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &CoinGecko{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type simplePrice struct {
	USD       decimal.Decimal     `json:"usd"`
	Change24h decimal.NullDecimal `json:"usd_24h_change"`
}

func (c *CoinGecko) FetchQuotes(ctx context.Context, providerIDs []string) (map[string]model.Quote, error) {
	q := url.Values{}
	q.Set("ids", strings.Join(providerIDs, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_24hr_change", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("price request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("price request: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload map[string]simplePrice
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode price response: %w", err)
	}

	quotes := make(map[string]model.Quote, len(payload))
	for id, p := range payload {
		if !p.USD.IsPositive() {
			continue
		}
		change := decimal.Zero
		if p.Change24h.Valid {
			change = p.Change24h.Decimal.Round(2)
		}
		quotes[id] = model.Quote{
			Price:     p.USD.Round(model.AmountScale),
			Change24h: change,
		}
	}
	return quotes, nil
}
