package syncer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kay-ou/SimTradeData/internal/model"
)

// SessionCalendar yields the trading sessions for a market within a range.
type SessionCalendar interface {
	TradingDays(ctx context.Context, market string, from, to time.Time) ([]time.Time, error)
}

// StoredDateSource reports which dates already hold data for a symbol.
type StoredDateSource interface {
	StoredDates(ctx context.Context, symbol string, from, to time.Time) ([]time.Time, error)
}

// StoredDateFunc adapts a plain function into a StoredDateSource.
type StoredDateFunc func(ctx context.Context, symbol string, from, to time.Time) ([]time.Time, error)

func (f StoredDateFunc) StoredDates(ctx context.Context, symbol string, from, to time.Time) ([]time.Time, error) {
	return f(ctx, symbol, from, to)
}

// ListingSource resolves a symbol's listing date, nil when unknown.
type ListingSource interface {
	ListingDate(ctx context.Context, symbol string) (*time.Time, error)
}

// GapDetector diffs the trading calendar against stored data to find
// missing session ranges, bounded by a lookback window.
type GapDetector struct {
	calendar SessionCalendar
	listings ListingSource
	lookback int
	logger   *zap.Logger
}

func NewGapDetector(calendar SessionCalendar, listings ListingSource, lookbackDays int, logger *zap.Logger) *GapDetector {
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	return &GapDetector{
		calendar: calendar,
		listings: listings,
		lookback: lookbackDays,
		logger:   logger,
	}
}

// DetectGaps returns the maximal contiguous ranges of trading sessions in
// (targetDate-lookback, targetDate] that have no stored row for the symbol,
// oldest first. Sessions before the symbol's listing date are not gaps.
func (d *GapDetector) DetectGaps(ctx context.Context, symbol, market, kind string, stored StoredDateSource, targetDate time.Time) ([]model.Gap, error) {
	from := targetDate.AddDate(0, 0, -d.lookback)

	listed, err := d.listings.ListingDate(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("resolve listing date for %s: %w", symbol, err)
	}
	if listed != nil && listed.After(from) {
		from = *listed
	}
	if from.After(targetDate) {
		return nil, nil
	}

	sessions, err := d.calendar.TradingDays(ctx, market, from, targetDate)
	if err != nil {
		return nil, fmt.Errorf("load calendar for %s: %w", market, err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	storedDates, err := stored.StoredDates(ctx, symbol, from, targetDate)
	if err != nil {
		return nil, fmt.Errorf("load stored dates for %s: %w", symbol, err)
	}
	have := make(map[string]bool, len(storedDates))
	for _, dte := range storedDates {
		have[dayKey(dte)] = true
	}

	var gaps []model.Gap
	var cur *model.Gap
	for _, session := range sessions {
		if have[dayKey(session)] {
			if cur != nil {
				gaps = append(gaps, *cur)
				cur = nil
			}
			continue
		}
		if cur == nil {
			cur = &model.Gap{Symbol: symbol, DataKind: kind, Start: session, End: session, Days: 1}
		} else {
			cur.End = session
			cur.Days++
		}
	}
	if cur != nil {
		gaps = append(gaps, *cur)
	}

	if len(gaps) > 0 {
		d.logger.Debug("Gaps detected",
			zap.String("symbol", symbol),
			zap.String("kind", kind),
			zap.Int("ranges", len(gaps)))
	}
	return gaps, nil
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}
