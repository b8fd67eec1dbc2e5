package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/kay-ou/SimTradeData/internal/model"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// MarketDataRepository handles database operations for market data
type MarketDataRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewMarketDataRepository creates a new market data repository
func NewMarketDataRepository(db *sqlx.DB, logger *zap.Logger) *MarketDataRepository {
	return &MarketDataRepository{
		db:     db,
		logger: logger,
	}
}

// UpsertBatch writes a batch of market records inside one transaction.
// The (symbol, date, frequency) key makes re-imports idempotent.
func (r *MarketDataRepository) UpsertBatch(ctx context.Context, records []model.MarketRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		r.logger.Error("Failed to begin transaction", zap.Error(err))
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO market_data (symbol, date, frequency, open, high, low, close, volume, amount, pct_change, source, quality_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, CURRENT_TIMESTAMP)
		ON CONFLICT (symbol, date, frequency)
		DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			amount = EXCLUDED.amount,
			pct_change = EXCLUDED.pct_change,
			source = EXCLUDED.source,
			quality_score = EXCLUDED.quality_score,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		r.logger.Error("Failed to prepare statement", zap.Error(err))
		return 0, err
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err = stmt.ExecContext(
			ctx,
			rec.Symbol,
			rec.Date,
			rec.Frequency,
			rec.Open,
			rec.High,
			rec.Low,
			rec.Close,
			rec.Volume,
			rec.Amount,
			rec.PctChange,
			rec.Source,
			rec.QualityScore,
		)
		if err != nil {
			r.logger.Error("Failed to upsert market record",
				zap.Error(err),
				zap.String("symbol", rec.Symbol),
				zap.Time("date", rec.Date))
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error("Failed to commit transaction", zap.Error(err))
		return 0, err
	}

	return len(records), nil
}

// StoredDates returns the distinct dates present for (symbol, frequency)
// within [from, to], oldest first. The gap detector diffs these against the
// trading calendar.
func (r *MarketDataRepository) StoredDates(ctx context.Context, symbol, frequency string, from, to time.Time) ([]time.Time, error) {
	query := `
		SELECT DISTINCT date FROM market_data
		WHERE symbol = $1 AND frequency = $2
		AND date >= $3 AND date <= $4
		ORDER BY date
	`

	var dates []time.Time
	err := r.db.SelectContext(ctx, &dates, query, symbol, frequency, from, to)
	if err != nil {
		r.logger.Error("Failed to get stored dates",
			zap.Error(err),
			zap.String("symbol", symbol),
			zap.String("frequency", frequency))
		return nil, err
	}

	return dates, nil
}

// LastSyncedDate returns the most recent stored date for (symbol,
// frequency), or nil when the symbol has no data yet.
func (r *MarketDataRepository) LastSyncedDate(ctx context.Context, symbol, frequency string) (*time.Time, error) {
	query := `
		SELECT MAX(date) FROM market_data
		WHERE symbol = $1 AND frequency = $2
	`

	var last sql.NullTime
	err := r.db.GetContext(ctx, &last, query, symbol, frequency)
	if err != nil {
		r.logger.Error("Failed to get last synced date",
			zap.Error(err),
			zap.String("symbol", symbol))
		return nil, err
	}

	if !last.Valid {
		return nil, nil
	}
	return &last.Time, nil
}

// RecentRecords returns all bars within [from, to] for the validation scan.
func (r *MarketDataRepository) RecentRecords(ctx context.Context, frequency string, from, to time.Time) ([]model.MarketRecord, error) {
	query := `
		SELECT symbol, date, frequency, open, high, low, close, volume, amount, pct_change, source, quality_score
		FROM market_data
		WHERE frequency = $1 AND date >= $2 AND date <= $3
		ORDER BY symbol, date
	`

	var records []model.MarketRecord
	err := r.db.SelectContext(ctx, &records, query, frequency, from, to)
	if err != nil {
		r.logger.Error("Failed to get recent records", zap.Error(err))
		return nil, err
	}

	return records, nil
}

// Stats summarizes the stored market data set for the status surface.
func (r *MarketDataRepository) Stats(ctx context.Context) (*model.DataStats, error) {
	query := `
		SELECT
			COUNT(*) AS total_records,
			COUNT(DISTINCT symbol) AS total_symbols,
			COUNT(DISTINCT date) AS total_dates,
			MIN(date) AS earliest_date,
			MAX(date) AS latest_date,
			AVG(quality_score) AS avg_quality
		FROM market_data
	`

	var stats model.DataStats
	if err := r.db.GetContext(ctx, &stats, query); err != nil {
		r.logger.Error("Failed to get data stats", zap.Error(err))
		return nil, err
	}

	return &stats, nil
}
