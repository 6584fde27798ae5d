package trade_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/metrics"
	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/store"
	"github.com/papertrade/portfolio-engine/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var errBoom = errors.New("disk on fire")

// newTestEngine creates an Engine over a fresh in-memory store.
func newTestEngine(t *testing.T, sinks ...trade.EventSink) (*trade.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore(d("10000.00"))
	return trade.NewEngine(ms, trade.DefaultFeeRate, sinks...), ms
}

func buy(symbol, amount, price string) trade.Intent {
	return trade.Intent{Symbol: symbol, Type: model.Buy, Amount: d(amount), Price: d(price)}
}

func sell(symbol, amount, price string) trade.Intent {
	return trade.Intent{Symbol: symbol, Type: model.Sell, Amount: d(amount), Price: d(price)}
}

func balanceOf(t *testing.T, ms *store.MemoryStore, user string) decimal.Decimal {
	t.Helper()
	b, err := ms.GetBalance(context.Background(), user)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return b.Balance
}

func holdingOf(t *testing.T, ms *store.MemoryStore, user, symbol string) decimal.Decimal {
	t.Helper()
	h, err := ms.GetHolding(context.Background(), user, symbol)
	if err != nil {
		t.Fatalf("GetHolding: %v", err)
	}
	if h == nil {
		return decimal.Zero
	}
	return h.Amount
}

// --- Buy / sell ---

func TestExecute_Buy(t *testing.T) {
	eng, ms := newTestEngine(t)

	tx, err := eng.Execute(context.Background(), "alice", buy("BTC", "0.1", "50000"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !tx.Total.Equal(d("5000")) {
		t.Errorf("total = %s, want 5000", tx.Total)
	}
	if !tx.Fee.Equal(d("5")) {
		t.Errorf("fee = %s, want 5", tx.Fee)
	}
	if tx.ID == "" || tx.UserID != "alice" || tx.Symbol != "BTC" || tx.Type != model.Buy {
		t.Errorf("transaction = %+v", tx)
	}
	if got := balanceOf(t, ms, "alice"); !got.Equal(d("4995")) {
		t.Errorf("balance = %s, want 4995.00", got)
	}
	if got := holdingOf(t, ms, "alice", "BTC"); !got.Equal(d("0.1")) {
		t.Errorf("holding = %s, want 0.1", got)
	}
}

func TestExecute_BuyThenSellConservesValue(t *testing.T) {
	eng, ms := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Execute(ctx, "alice", buy("BTC", "0.1", "50000")); err != nil {
		t.Fatal(err)
	}
	tx, err := eng.Execute(ctx, "alice", sell("BTC", "0.1", "50000"))
	if err != nil {
		t.Fatal(err)
	}

	// 10000 - 5005 + (5000 - 5) = 9990.00: only fees left the account.
	if got := balanceOf(t, ms, "alice"); !got.Equal(d("9990")) {
		t.Errorf("balance = %s, want 9990.00", got)
	}
	if !tx.Fee.Equal(d("5")) {
		t.Errorf("sell fee = %s, want 5", tx.Fee)
	}
	if h, _ := ms.GetHolding(ctx, "alice", "BTC"); h != nil {
		t.Errorf("holding = %+v, want removed at zero", h)
	}

	txs, _ := ms.ListTransactions(ctx, "alice", 10)
	if len(txs) != 2 || txs[0].Type != model.Sell || txs[1].Type != model.Buy {
		t.Errorf("transactions = %+v, want sell then buy", txs)
	}
}

func TestExecute_PartialSell(t *testing.T) {
	eng, ms := newTestEngine(t)
	ctx := context.Background()

	eng.Execute(ctx, "alice", buy("ETH", "2", "3000"))
	if _, err := eng.Execute(ctx, "alice", sell("ETH", "0.5", "3200")); err != nil {
		t.Fatal(err)
	}

	if got := holdingOf(t, ms, "alice", "ETH"); !got.Equal(d("1.5")) {
		t.Errorf("holding = %s, want 1.5", got)
	}
	// 10000 - (6000 + 6) + (1600 - 1.60) = 5592.40
	if got := balanceOf(t, ms, "alice"); !got.Equal(d("5592.40")) {
		t.Errorf("balance = %s, want 5592.40", got)
	}
}

func TestExecute_FeeRoundsUp(t *testing.T) {
	eng, _ := newTestEngine(t)

	// total 12.35 * 0.001 = 0.01235 -> 0.02
	tx, err := eng.Execute(context.Background(), "alice", buy("DOGE", "95", "0.13"))
	if err != nil {
		t.Fatal(err)
	}
	if !tx.Total.Equal(d("12.35")) || !tx.Fee.Equal(d("0.02")) {
		t.Errorf("total=%s fee=%s, want 12.35 and 0.02", tx.Total, tx.Fee)
	}

	// total 0.01 * 0.001 = 0.00001 -> 0.01: small orders still pay a fee.
	tx, err = eng.Execute(context.Background(), "alice", buy("DOGE", "0.1", "0.1"))
	if err != nil {
		t.Fatal(err)
	}
	if !tx.Total.Equal(d("0.01")) || !tx.Fee.Equal(d("0.01")) {
		t.Errorf("total=%s fee=%s, want 0.01 and 0.01", tx.Total, tx.Fee)
	}
}

func TestExecute_SplitOrdersPayAtLeastOneFee(t *testing.T) {
	eng, ms := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := eng.Execute(ctx, "alice", buy("DOGE", "10", "0.1")); err != nil {
			t.Fatal(err)
		}
	}
	// Ten orders of 1.00 each pay 0.01: 10000 - 10 - 0.10.
	if got := balanceOf(t, ms, "alice"); !got.Equal(d("9989.90")) {
		t.Errorf("balance = %s, want 9989.90", got)
	}
}

func TestExecute_ZeroFeeRate(t *testing.T) {
	ms := store.NewMemoryStore(d("10000.00"))
	eng := trade.NewEngine(ms, decimal.Zero)

	tx, err := eng.Execute(context.Background(), "alice", buy("DOGE", "95", "0.13"))
	if err != nil {
		t.Fatal(err)
	}
	if !tx.Fee.IsZero() {
		t.Errorf("fee = %s, want 0", tx.Fee)
	}
}

func TestExecute_SymbolNormalized(t *testing.T) {
	eng, ms := newTestEngine(t)

	tx, err := eng.Execute(context.Background(), "alice", buy(" sol ", "1", "150"))
	if err != nil {
		t.Fatal(err)
	}
	if tx.Symbol != "SOL" {
		t.Errorf("symbol = %q, want SOL", tx.Symbol)
	}
	if got := holdingOf(t, ms, "alice", "SOL"); !got.Equal(d("1")) {
		t.Errorf("holding = %s, want 1", got)
	}
}

// --- Rejections ---

func TestExecute_InsufficientFunds(t *testing.T) {
	eng, ms := newTestEngine(t)

	_, err := eng.Execute(context.Background(), "alice", buy("BTC", "1", "50000"))
	if !errors.Is(err, trade.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if got := balanceOf(t, ms, "alice"); !got.Equal(d("10000")) {
		t.Errorf("balance = %s, want unchanged", got)
	}
}

func TestExecute_BuyUpToBalanceIncludingFee(t *testing.T) {
	eng, ms := newTestEngine(t)
	ctx := context.Background()

	// 9990.00 + fee 9.99 = 9999.99
	if _, err := eng.Execute(ctx, "alice", buy("USDT", "9990", "1")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := balanceOf(t, ms, "alice"); !got.Equal(d("0.01")) {
		t.Errorf("balance = %s, want 0.01", got)
	}

	// 0.01 + minimum fee 0.01 exceeds the remaining cent.
	_, err := eng.Execute(ctx, "alice", buy("USDT", "0.01", "1"))
	if !errors.Is(err, trade.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if got := balanceOf(t, ms, "alice"); !got.Equal(d("0.01")) {
		t.Errorf("balance = %s, want unchanged 0.01", got)
	}
}

func TestExecute_InsufficientHoldings(t *testing.T) {
	eng, ms := newTestEngine(t)
	ctx := context.Background()

	eng.Execute(ctx, "alice", buy("BTC", "0.1", "50000"))
	before := balanceOf(t, ms, "alice")

	_, err := eng.Execute(ctx, "alice", sell("BTC", "0.2", "50000"))
	if !errors.Is(err, trade.ErrInsufficientHoldings) {
		t.Fatalf("err = %v, want ErrInsufficientHoldings", err)
	}
	if got := holdingOf(t, ms, "alice", "BTC"); !got.Equal(d("0.1")) {
		t.Errorf("holding = %s, want unchanged 0.1", got)
	}
	if got := balanceOf(t, ms, "alice"); !got.Equal(before) {
		t.Errorf("balance = %s, want unchanged %s", got, before)
	}
	txs, _ := ms.ListTransactions(ctx, "alice", 10)
	if len(txs) != 1 {
		t.Errorf("transactions = %d, want 1", len(txs))
	}
}

func TestExecute_SellWithoutHolding(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.Execute(context.Background(), "alice", sell("ETH", "1", "3000"))
	if !errors.Is(err, trade.ErrInsufficientHoldings) {
		t.Fatalf("err = %v, want ErrInsufficientHoldings", err)
	}
}

func TestExecute_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		in   trade.Intent
	}{
		{"empty symbol", buy("", "1", "1")},
		{"malformed symbol", buy("B$C", "1", "1")},
		{"zero amount", buy("BTC", "0", "1")},
		{"negative amount", buy("BTC", "-1", "1")},
		{"zero price", buy("BTC", "1", "0")},
		{"negative price", sell("BTC", "1", "-5")},
		{"unknown type", trade.Intent{Symbol: "BTC", Type: "hold", Amount: d("1"), Price: d("1")}},
		{"too many decimals", buy("BTC", "0.000000001", "50000")},
		{"price too many decimals", buy("BTC", "1", "0.000000001")},
		{"rounds to zero", buy("SHIB", "1", "0.00002450")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eng, ms := newTestEngine(t)
			_, err := eng.Execute(context.Background(), "alice", tc.in)
			if !errors.Is(err, trade.ErrInvalidTrade) {
				t.Fatalf("err = %v, want ErrInvalidTrade", err)
			}
			if got := balanceOf(t, ms, "alice"); !got.Equal(d("10000")) {
				t.Errorf("balance = %s, want unchanged", got)
			}
		})
	}
}

func TestExecute_EightDecimalsAccepted(t *testing.T) {
	eng, ms := newTestEngine(t)

	if _, err := eng.Execute(context.Background(), "alice", buy("BTC", "0.00012345", "60000")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := holdingOf(t, ms, "alice", "BTC"); !got.Equal(d("0.00012345")) {
		t.Errorf("holding = %s", got)
	}
}

func TestExecute_VolumeMetricBoundedToUniverse(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Execute(ctx, "alice", buy("ZZ0", "1", "0.01")); err != nil {
		t.Fatal(err)
	}
	before := testutil.CollectAndCount(metrics.TradeVolume)
	other := testutil.ToFloat64(metrics.TradeVolume.WithLabelValues("other", "buy"))

	for i := 1; i < 50; i++ {
		if _, err := eng.Execute(ctx, "alice", buy(fmt.Sprintf("ZZ%d", i), "1", "0.01")); err != nil {
			t.Fatal(err)
		}
	}

	if after := testutil.CollectAndCount(metrics.TradeVolume); after != before {
		t.Errorf("trade volume series = %d, want %d", after, before)
	}
	if got := testutil.ToFloat64(metrics.TradeVolume.WithLabelValues("other", "buy")) - other; got < 0.48 {
		t.Errorf("other volume grew by %v, want 0.49", got)
	}
}

// --- Concurrency ---

func TestExecute_ConcurrentBuysSameUser(t *testing.T) {
	eng, ms := newTestEngine(t)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.Execute(context.Background(), "alice", buy("ETH", "1", "100")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := holdingOf(t, ms, "alice", "ETH"); !got.Equal(d("2")) {
		t.Errorf("holding = %s, want 2", got)
	}
	if got := balanceOf(t, ms, "alice"); !got.Equal(d("9799.80")) {
		t.Errorf("balance = %s, want 9799.80", got)
	}
}

func TestExecute_ConcurrentBuysNeverOverdraw(t *testing.T) {
	eng, ms := newTestEngine(t)

	// Each buy costs 1001.00; only 9 fit in 10000.00.
	const attempts = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, rejected := 0, 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Execute(context.Background(), "alice", buy("BNB", "1", "1000"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, trade.ErrInsufficientFunds):
				rejected++
			default:
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if ok != 9 || rejected != attempts-9 {
		t.Errorf("ok=%d rejected=%d, want 9 and %d", ok, rejected, attempts-9)
	}
	if got := balanceOf(t, ms, "alice"); !got.Equal(d("991")) {
		t.Errorf("balance = %s, want 991.00", got)
	}
}

func TestExecute_UsersIndependent(t *testing.T) {
	eng, ms := newTestEngine(t)
	ctx := context.Background()

	eng.Execute(ctx, "alice", buy("BTC", "0.1", "50000"))

	if got := balanceOf(t, ms, "bob"); !got.Equal(d("10000")) {
		t.Errorf("bob balance = %s, want 10000", got)
	}
	if _, err := eng.Execute(ctx, "bob", sell("BTC", "0.1", "50000")); !errors.Is(err, trade.ErrInsufficientHoldings) {
		t.Errorf("bob sell err = %v, want ErrInsufficientHoldings", err)
	}
}

// --- Atomicity ---

// failingStore wraps a store so that the transaction append inside every
// atomic unit fails after balance and holding were already staged.
type failingStore struct {
	store.Store
}

func (s failingStore) Atomically(ctx context.Context, userID string, fn func(tx store.LedgerTx) error) error {
	return s.Store.Atomically(ctx, userID, func(tx store.LedgerTx) error {
		return fn(failingTx{tx})
	})
}

type failingTx struct {
	store.LedgerTx
}

func (failingTx) AppendTransaction(context.Context, *model.Transaction) (*model.Transaction, error) {
	return nil, errBoom
}

func TestExecute_StorageFailureLeavesNoPartialState(t *testing.T) {
	ms := store.NewMemoryStore(d("10000"))
	eng := trade.NewEngine(failingStore{ms}, trade.DefaultFeeRate)
	ctx := context.Background()

	_, err := eng.Execute(ctx, "alice", buy("BTC", "0.1", "50000"))
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want wrapped storage error", err)
	}
	if errors.Is(err, trade.ErrInvalidTrade) {
		t.Error("storage failure must not look like a validation error")
	}

	if got := balanceOf(t, ms, "alice"); !got.Equal(d("10000")) {
		t.Errorf("balance = %s, want unchanged", got)
	}
	if h, _ := ms.GetHolding(ctx, "alice", "BTC"); h != nil {
		t.Errorf("holding = %+v, want none", h)
	}
}

// --- Event sinks ---

type recordingSink struct {
	mu  sync.Mutex
	txs []model.Transaction
	err error
}

func (s *recordingSink) TradeExecuted(_ context.Context, tx model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append(s.txs, tx)
	return s.err
}

func TestExecute_NotifiesSinksAfterCommit(t *testing.T) {
	ok := &recordingSink{}
	broken := &recordingSink{err: errBoom}
	eng, _ := newTestEngine(t, broken, ok)
	ctx := context.Background()

	tx, err := eng.Execute(ctx, "alice", buy("ETH", "1", "3000"))
	if err != nil {
		t.Fatalf("sink failure leaked into trade: %v", err)
	}
	if len(ok.txs) != 1 || ok.txs[0].ID != tx.ID {
		t.Errorf("sink got %+v, want the committed trade", ok.txs)
	}

	eng.Execute(ctx, "alice", sell("ETH", "5", "3000"))
	if len(ok.txs) != 1 {
		t.Errorf("rejected trade reached sink: %d events", len(ok.txs))
	}
}
