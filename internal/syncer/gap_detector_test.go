package syncer

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kay-ou/SimTradeData/internal/model"
)

func seededCalendar(target time.Time, sessions int) *memCalendar {
	cal := newMemCalendar()
	var days []time.Time
	for i := sessions - 1; i >= 0; i-- {
		days = append(days, target.AddDate(0, 0, -i))
	}
	cal.seed("SS", days)
	return cal
}

func TestDetectGapsFullyMissingWindow(t *testing.T) {
	target := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	cal := seededCalendar(target, 30)
	stocks := newMemStocks("600000.SS")
	data := newMemData()

	d := NewGapDetector(cal, stocks, 30, zap.NewNop())
	stored := StoredDateFunc(func(ctx context.Context, symbol string, from, to time.Time) ([]time.Time, error) {
		return data.StoredDates(ctx, symbol, "1d", from, to)
	})

	gaps, err := d.DetectGaps(context.Background(), "600000.SS", "SS", model.KindMarketData, stored, target)
	if err != nil {
		t.Fatalf("DetectGaps: %v", err)
	}
	if len(gaps) != 1 {
		t.Fatalf("expected one contiguous gap, got %d", len(gaps))
	}
	if gaps[0].Days != 30 {
		t.Fatalf("expected 30 missing sessions, got %d", gaps[0].Days)
	}
}

func TestDetectGapsSplitsAroundStoredDay(t *testing.T) {
	target := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	cal := seededCalendar(target, 10)
	stocks := newMemStocks("600000.SS")
	data := newMemData()

	// One bar in the middle of the window splits the gap in two.
	mid := target.AddDate(0, 0, -5)
	_ = data.Stage(context.Background(), "market_data", model.MarketRecord{
		Symbol: "600000.SS", Date: mid, Frequency: "1d",
		Open: 10, High: 11, Low: 9, Close: 10, Volume: 100,
	})

	d := NewGapDetector(cal, stocks, 10, zap.NewNop())
	stored := StoredDateFunc(func(ctx context.Context, symbol string, from, to time.Time) ([]time.Time, error) {
		return data.StoredDates(ctx, symbol, "1d", from, to)
	})

	gaps, err := d.DetectGaps(context.Background(), "600000.SS", "SS", model.KindMarketData, stored, target)
	if err != nil {
		t.Fatalf("DetectGaps: %v", err)
	}
	if len(gaps) != 2 {
		t.Fatalf("expected two gaps around the stored day, got %d", len(gaps))
	}
	if !gaps[0].Start.Before(gaps[1].Start) {
		t.Fatal("gaps must be ordered oldest first")
	}
	if gaps[0].Days+gaps[1].Days != 9 {
		t.Fatalf("expected 9 missing sessions total, got %d", gaps[0].Days+gaps[1].Days)
	}
}

func TestDetectGapsRespectsListingDate(t *testing.T) {
	target := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	cal := seededCalendar(target, 30)
	stocks := newMemStocks("600000.SS")
	listed := target.AddDate(0, 0, -4)
	stocks.mu.Lock()
	st := stocks.stocks["600000.SS"]
	st.ListingDate = &listed
	stocks.stocks["600000.SS"] = st
	stocks.mu.Unlock()

	data := newMemData()
	d := NewGapDetector(cal, stocks, 30, zap.NewNop())
	stored := StoredDateFunc(func(ctx context.Context, symbol string, from, to time.Time) ([]time.Time, error) {
		return data.StoredDates(ctx, symbol, "1d", from, to)
	})

	gaps, err := d.DetectGaps(context.Background(), "600000.SS", "SS", model.KindMarketData, stored, target)
	if err != nil {
		t.Fatalf("DetectGaps: %v", err)
	}
	if len(gaps) != 1 {
		t.Fatalf("expected one gap, got %d", len(gaps))
	}
	if gaps[0].Days != 5 {
		t.Fatalf("pre-listing sessions must not count as gaps, got %d days", gaps[0].Days)
	}
}

func TestDetectGapsNoCalendar(t *testing.T) {
	target := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	d := NewGapDetector(newMemCalendar(), newMemStocks("600000.SS"), 30, zap.NewNop())
	data := newMemData()
	stored := StoredDateFunc(func(ctx context.Context, symbol string, from, to time.Time) ([]time.Time, error) {
		return data.StoredDates(ctx, symbol, "1d", from, to)
	})

	gaps, err := d.DetectGaps(context.Background(), "600000.SS", "SS", model.KindMarketData, stored, target)
	if err != nil {
		t.Fatalf("DetectGaps: %v", err)
	}
	if len(gaps) != 0 {
		t.Fatalf("no calendar means no gaps, got %d", len(gaps))
	}
}
