// Package asset holds the fixed universe of tradeable crypto assets, symbol
// parsing and validation, and the static fallback quotes used when the
// market-data provider is unavailable.
package asset

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// symbolRegex matches tickers such as BTC, ETH, 1INCH.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

var ErrInvalidSymbol = errors.New("asset: invalid symbol")

// Asset is one supported cryptocurrency.
type Asset struct {
	Symbol     string `json:"symbol"`
	Name       string `json:"name"`
	ProviderID string `json:"providerId"` // CoinGecko coin id

	// Static quote served when the provider cannot be reached.
	FallbackPrice     decimal.Decimal `json:"-"`
	FallbackChange24h decimal.Decimal `json:"-"`
}

func newAsset(symbol, name, providerID, price, change string) Asset {
	return Asset{
		Symbol:            symbol,
		Name:              name,
		ProviderID:        providerID,
		FallbackPrice:     decimal.RequireFromString(price),
		FallbackChange24h: decimal.RequireFromString(change),
	}
}

var universe = []Asset{
	newAsset("BTC", "Bitcoin", "bitcoin", "67250.00", "1.85"),
	newAsset("ETH", "Ethereum", "ethereum", "3520.40", "2.10"),
	newAsset("USDT", "Tether", "tether", "1.00", "0.01"),
	newAsset("BNB", "BNB", "binancecoin", "585.30", "-0.45"),
	newAsset("SOL", "Solana", "solana", "148.75", "3.20"),
	newAsset("XRP", "XRP", "ripple", "0.52", "-1.10"),
	newAsset("USDC", "USD Coin", "usd-coin", "1.00", "0.00"),
	newAsset("ADA", "Cardano", "cardano", "0.45", "0.75"),
	newAsset("DOGE", "Dogecoin", "dogecoin", "0.15", "4.30"),
	newAsset("AVAX", "Avalanche", "avalanche-2", "35.60", "-2.05"),
	newAsset("TRX", "TRON", "tron", "0.12", "0.40"),
	newAsset("DOT", "Polkadot", "polkadot", "7.05", "-0.85"),
	newAsset("LINK", "Chainlink", "chainlink", "14.20", "1.15"),
	newAsset("MATIC", "Polygon", "matic-network", "0.72", "-1.60"),
	newAsset("LTC", "Litecoin", "litecoin", "82.40", "0.55"),
	newAsset("SHIB", "Shiba Inu", "shiba-inu", "0.00002450", "2.75"),
	newAsset("BCH", "Bitcoin Cash", "bitcoin-cash", "465.10", "1.05"),
	newAsset("UNI", "Uniswap", "uniswap", "9.85", "-0.30"),
	newAsset("ATOM", "Cosmos", "cosmos", "8.90", "0.95"),
	newAsset("XLM", "Stellar", "stellar", "0.11", "-0.20"),
}

var bySymbol = func() map[string]Asset {
	m := make(map[string]Asset, len(universe))
	for _, a := range universe {
		m[a.Symbol] = a
	}
	return m
}()

// NormalizeSymbol trims and upper-cases a raw symbol and validates its format.
// It does not require the symbol to be part of the supported universe.
func NormalizeSymbol(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected 2-10 letters or digits)", ErrInvalidSymbol, raw)
	}
	return s, nil
}

// Lookup returns the supported asset for a normalized symbol.
func Lookup(symbol string) (Asset, bool) {
	a, ok := bySymbol[symbol]
	return a, ok
}

// Name returns the display name of a symbol, or "" if it is not supported.
func Name(symbol string) string {
	return bySymbol[symbol].Name
}

// All returns the supported universe in its canonical (market-cap) order.
func All() []Asset {
	out := make([]Asset, len(universe))
	copy(out, universe)
	return out
}

// Symbols returns the sorted symbols of the supported universe.
func Symbols() []string {
	out := make([]string, 0, len(universe))
	for _, a := range universe {
		out = append(out, a.Symbol)
	}
	sort.Strings(out)
	return out
}
