package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kay-ou/SimTradeData/internal/model"
	"github.com/kay-ou/SimTradeData/internal/provider"
)

func TestUseBulk(t *testing.T) {
	cases := []struct {
		name           string
		pending, total int
		supportsBulk   bool
		want           bool
	}{
		{"pending crosses threshold", 50, 100, true, true},
		{"total crosses threshold", 10, 500, true, true},
		{"both below", 49, 499, true, false},
		{"no bulk support", 100, 1000, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := UseBulk(tc.pending, tc.total, 50, 500, tc.supportsBulk); got != tc.want {
				t.Fatalf("UseBulk(%d, %d, %v) = %v", tc.pending, tc.total, tc.supportsBulk, got)
			}
		})
	}
}

func TestBulkStrategyHandsOutRows(t *testing.T) {
	profit := 100.0
	src := newStubSource("bulk", provider.Capabilities{BulkFinancialSnapshot: true})
	src.bulkRows = map[string]model.FinancialRecord{
		"600000.SS": {Symbol: "600000.SS", NetProfit: &profit},
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	strategy := NewBulkStrategy(src, func(_ context.Context, symbol string, row *model.FinancialRecord) EntityOutcome {
		mu.Lock()
		defer mu.Unlock()
		seen[symbol] = row != nil
		if row == nil {
			return OutcomeSkipped
		}
		return OutcomeSucceeded
	}, NewRetryPolicy(0, time.Millisecond), zap.NewNop())

	tally, err := strategy.Run(context.Background(), []string{"600000.SS", "000002.SZ"}, time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !seen["600000.SS"] || seen["000002.SZ"] {
		t.Fatalf("row routing wrong: %v", seen)
	}
	if tally.Succeeded != 1 || tally.Skipped != 1 {
		t.Fatalf("unexpected tally: %+v", tally)
	}
	if src.bulkCalls != 1 {
		t.Fatalf("expected one snapshot call, got %d", src.bulkCalls)
	}
}

func TestBulkStrategySurfacesFetchFailure(t *testing.T) {
	src := newStubSource("bulk", provider.Capabilities{BulkFinancialSnapshot: true})
	src.bulkErr = &provider.TransientError{Provider: "bulk", Op: "bulk", Err: errors.New("timeout")}

	strategy := NewBulkStrategy(src, func(context.Context, string, *model.FinancialRecord) EntityOutcome {
		t.Fatal("handler must not run when the snapshot fetch fails")
		return OutcomeFailed
	}, NewRetryPolicy(0, time.Millisecond), zap.NewNop())

	if _, err := strategy.Run(context.Background(), []string{"600000.SS"}, time.Now()); err == nil {
		t.Fatal("expected the fetch failure to surface for fallback")
	}
}

func TestPerEntityStrategyProcessesAll(t *testing.T) {
	var mu sync.Mutex
	processed := make(map[string]int)
	strategy := NewPerEntityStrategy(func(_ context.Context, symbol string) EntityOutcome {
		mu.Lock()
		defer mu.Unlock()
		processed[symbol]++
		if symbol == "bad" {
			return OutcomeFailed
		}
		return OutcomeSucceeded
	}, 4, zap.NewNop())

	symbols := []string{"a", "b", "c", "bad", "d"}
	tally, err := strategy.Run(context.Background(), symbols, time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(processed) != len(symbols) {
		t.Fatalf("expected every symbol processed once, got %v", processed)
	}
	for sym, n := range processed {
		if n != 1 {
			t.Fatalf("symbol %s processed %d times", sym, n)
		}
	}
	if tally.Attempted != 5 || tally.Succeeded != 4 || tally.Failed != 1 {
		t.Fatalf("unexpected tally: %+v", tally)
	}
}
