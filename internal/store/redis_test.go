package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/store"
)

// unreachableRedis returns a client whose every command fails fast.
func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestCachedStore_DegradesToPrimaryWhenRedisDown(t *testing.T) {
	primary := store.NewMemoryStore(d("10000"))
	cs := store.NewCachedStore(primary, unreachableRedis(t), time.Minute)
	ctx := context.Background()

	err := cs.Atomically(ctx, "alice", func(tx store.LedgerTx) error {
		if err := tx.SetBalance(ctx, d("9000")); err != nil {
			return err
		}
		if err := tx.SetHolding(ctx, "BTC", d("0.02")); err != nil {
			return err
		}
		_, err := tx.AppendTransaction(ctx, &model.Transaction{Symbol: "BTC", Type: model.Buy})
		return err
	})
	if err != nil {
		t.Fatalf("Atomically: %v", err)
	}

	b, err := cs.GetBalance(ctx, "alice")
	if err != nil || !b.Balance.Equal(d("9000")) {
		t.Errorf("balance = %v err=%v, want 9000 from primary", b, err)
	}
	holdings, err := cs.GetHoldings(ctx, "alice")
	if err != nil || len(holdings) != 1 {
		t.Errorf("holdings = %+v err=%v", holdings, err)
	}
	txs, err := cs.ListTransactions(ctx, "alice", 10)
	if err != nil || len(txs) != 1 {
		t.Errorf("transactions = %+v err=%v", txs, err)
	}

	if _, created, err := cs.AddWatchlistItem(ctx, "alice", "ETH"); err != nil || !created {
		t.Errorf("AddWatchlistItem: created=%v err=%v", created, err)
	}
	items, err := cs.ListWatchlist(ctx, "alice")
	if err != nil || len(items) != 1 {
		t.Errorf("watchlist = %+v err=%v", items, err)
	}
}

func TestCachedStore_InvalidLimit(t *testing.T) {
	cs := store.NewCachedStore(store.NewMemoryStore(d("10000")), unreachableRedis(t), time.Minute)

	if _, err := cs.ListTransactions(context.Background(), "alice", 0); err != store.ErrInvalidLimit {
		t.Errorf("err = %v, want ErrInvalidLimit", err)
	}
}
