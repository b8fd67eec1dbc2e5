package repository

import (
	"context"
	"time"

	"github.com/kay-ou/SimTradeData/internal/model"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// CalendarRepository handles database operations for the trading calendar
type CalendarRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewCalendarRepository creates a new trading calendar repository
func NewCalendarRepository(db *sqlx.DB, logger *zap.Logger) *CalendarRepository {
	return &CalendarRepository{
		db:     db,
		logger: logger,
	}
}

// TradingDays returns the trading sessions within [from, to], oldest first.
func (r *CalendarRepository) TradingDays(ctx context.Context, market string, from, to time.Time) ([]time.Time, error) {
	query := `
		SELECT date FROM trading_calendar
		WHERE market = $1 AND is_trading = TRUE
		AND date >= $2 AND date <= $3
		ORDER BY date
	`

	var days []time.Time
	err := r.db.SelectContext(ctx, &days, query, market, from, to)
	if err != nil {
		r.logger.Error("Failed to get trading days",
			zap.Error(err),
			zap.String("market", market))
		return nil, err
	}

	return days, nil
}

// YearSpan returns the first and last stored calendar years for a market,
// and whether any rows exist at all.
func (r *CalendarRepository) YearSpan(ctx context.Context, market string) (minYear, maxYear int, ok bool, err error) {
	query := `
		SELECT
			COALESCE(MIN(EXTRACT(YEAR FROM date)), 0)::int AS min_year,
			COALESCE(MAX(EXTRACT(YEAR FROM date)), 0)::int AS max_year,
			COUNT(*) AS total
		FROM trading_calendar
		WHERE market = $1
	`

	var result struct {
		MinYear int `db:"min_year"`
		MaxYear int `db:"max_year"`
		Total   int `db:"total"`
	}

	if err = r.db.GetContext(ctx, &result, query, market); err != nil {
		r.logger.Error("Failed to get calendar year span",
			zap.Error(err),
			zap.String("market", market))
		return 0, 0, false, err
	}

	return result.MinYear, result.MaxYear, result.Total > 0, nil
}

// UpsertDays writes a batch of calendar rows inside one transaction.
func (r *CalendarRepository) UpsertDays(ctx context.Context, days []model.TradingDay) (int, error) {
	if len(days) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		r.logger.Error("Failed to begin transaction", zap.Error(err))
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO trading_calendar (date, market, is_trading)
		VALUES ($1, $2, $3)
		ON CONFLICT (date, market)
		DO UPDATE SET is_trading = EXCLUDED.is_trading
	`)
	if err != nil {
		r.logger.Error("Failed to prepare statement", zap.Error(err))
		return 0, err
	}
	defer stmt.Close()

	for _, d := range days {
		if _, err := stmt.ExecContext(ctx, d.Date, d.Market, d.IsTrading); err != nil {
			r.logger.Error("Failed to upsert calendar day",
				zap.Error(err),
				zap.Time("date", d.Date))
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error("Failed to commit transaction", zap.Error(err))
		return 0, err
	}

	return len(days), nil
}

// Count returns the number of stored calendar rows for a market.
func (r *CalendarRepository) Count(ctx context.Context, market string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM trading_calendar WHERE market = $1`, market)
	if err != nil {
		r.logger.Error("Failed to count calendar rows", zap.Error(err))
		return 0, err
	}
	return count, nil
}
