package asset

import (
	"errors"
	"testing"
)

func TestNormalizeSymbol_Valid(t *testing.T) {
	tests := map[string]string{
		"BTC":     "BTC",
		"btc":     "BTC",
		"  eth  ": "ETH",
		"1inch":   "1INCH",
	}
	for in, want := range tests {
		got, err := NormalizeSymbol(in)
		if err != nil {
			t.Errorf("NormalizeSymbol(%q): unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeSymbol_Invalid(t *testing.T) {
	tests := []string{
		"",
		"B",
		"BTC-USD",
		"BTC/USDT",
		"VERYLONGSYMBOL",
		"bt c",
	}
	for _, in := range tests {
		_, err := NormalizeSymbol(in)
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("NormalizeSymbol(%q): expected ErrInvalidSymbol, got %v", in, err)
		}
	}
}

func TestUniverse_Size(t *testing.T) {
	if n := len(All()); n != 20 {
		t.Errorf("expected 20 supported assets, got %d", n)
	}
	if len(Symbols()) != len(All()) {
		t.Error("Symbols and All disagree on universe size")
	}
}

func TestUniverse_FallbackQuotesPositive(t *testing.T) {
	seen := make(map[string]bool)
	for _, a := range All() {
		if seen[a.Symbol] {
			t.Errorf("duplicate symbol %s", a.Symbol)
		}
		seen[a.Symbol] = true

		if !a.FallbackPrice.IsPositive() {
			t.Errorf("%s: fallback price must be positive, got %s", a.Symbol, a.FallbackPrice)
		}
		if a.ProviderID == "" || a.Name == "" {
			t.Errorf("%s: missing provider id or name", a.Symbol)
		}
		if _, err := NormalizeSymbol(a.Symbol); err != nil {
			t.Errorf("%s: universe symbol fails validation: %v", a.Symbol, err)
		}
	}
}

func TestLookup(t *testing.T) {
	a, ok := Lookup("BTC")
	if !ok {
		t.Fatal("expected BTC to be supported")
	}
	if a.ProviderID != "bitcoin" {
		t.Errorf("expected provider id bitcoin, got %s", a.ProviderID)
	}
	if _, ok := Lookup("NOPE"); ok {
		t.Error("expected NOPE to be unsupported")
	}
	if Name("NOPE") != "" {
		t.Error("expected empty name for unsupported symbol")
	}
}

func TestAll_ReturnsCopy(t *testing.T) {
	all := All()
	all[0].Symbol = "MUTATED"
	if _, ok := Lookup("MUTATED"); ok {
		t.Error("mutating All() result must not affect the universe")
	}
	if All()[0].Symbol == "MUTATED" {
		t.Error("All() must return a copy")
	}
}
