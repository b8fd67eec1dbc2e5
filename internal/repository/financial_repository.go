package repository

import (
	"context"
	"time"

	"github.com/kay-ou/SimTradeData/internal/model"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// FinancialRepository handles database operations for financial statements
// and valuation snapshots
type FinancialRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewFinancialRepository creates a new financial repository
func NewFinancialRepository(db *sqlx.DB, logger *zap.Logger) *FinancialRepository {
	return &FinancialRepository{
		db:     db,
		logger: logger,
	}
}

// UpsertFinancials writes a batch of financial records inside one
// transaction, keyed by (symbol, report_date, report_type).
func (r *FinancialRepository) UpsertFinancials(ctx context.Context, records []model.FinancialRecord) (int, error) {
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
		INSERT INTO financials (symbol, report_date, report_type, revenue, net_profit, total_assets, shareholders_equity, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, CURRENT_TIMESTAMP)
		ON CONFLICT (symbol, report_date, report_type)
		DO UPDATE SET
			revenue = EXCLUDED.revenue,
			net_profit = EXCLUDED.net_profit,
			total_assets = EXCLUDED.total_assets,
			shareholders_equity = EXCLUDED.shareholders_equity,
			source = EXCLUDED.source,
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
			rec.ReportDate,
			rec.ReportType,
			rec.Revenue,
			rec.NetProfit,
			rec.TotalAssets,
			rec.ShareholdersEquity,
			rec.Source,
		)
		if err != nil {
			r.logger.Error("Failed to upsert financial record",
				zap.Error(err),
				zap.String("symbol", rec.Symbol),
				zap.Time("report_date", rec.ReportDate))
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error("Failed to commit transaction", zap.Error(err))
		return 0, err
	}

	return len(records), nil
}

// UpsertValuations writes a batch of valuation records inside one
// transaction, keyed by (symbol, date).
func (r *FinancialRepository) UpsertValuations(ctx context.Context, records []model.ValuationRecord) (int, error) {
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
		INSERT INTO valuations (symbol, date, pe_ratio, pb_ratio, ps_ratio, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP)
		ON CONFLICT (symbol, date)
		DO UPDATE SET
			pe_ratio = EXCLUDED.pe_ratio,
			pb_ratio = EXCLUDED.pb_ratio,
			ps_ratio = EXCLUDED.ps_ratio,
			source = EXCLUDED.source,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		r.logger.Error("Failed to prepare statement", zap.Error(err))
		return 0, err
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err = stmt.ExecContext(ctx, rec.Symbol, rec.Date, rec.PERatio, rec.PBRatio, rec.PSRatio, rec.Source)
		if err != nil {
			r.logger.Error("Failed to upsert valuation record",
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

// SymbolsWithFinancials returns which of the given symbols already hold a
// financial record for the reporting period. Used by the extended-data
// phase to size its worklist.
func (r *FinancialRepository) SymbolsWithFinancials(ctx context.Context, symbols []string, reportDate time.Time) (map[string]bool, error) {
	if len(symbols) == 0 {
		return map[string]bool{}, nil
	}

	query := `
		SELECT DISTINCT symbol FROM financials
		WHERE symbol = ANY($1) AND report_date = $2
	`

	var present []string
	err := r.db.SelectContext(ctx, &present, query, pq.Array(symbols), reportDate)
	if err != nil {
		r.logger.Error("Failed to probe financial completeness", zap.Error(err))
		return nil, err
	}

	out := make(map[string]bool, len(present))
	for _, s := range present {
		out[s] = true
	}
	return out, nil
}

// StoredValuationDates returns the distinct valuation dates for a symbol
// within [from, to], oldest first.
func (r *FinancialRepository) StoredValuationDates(ctx context.Context, symbol string, from, to time.Time) ([]time.Time, error) {
	query := `
		SELECT DISTINCT date FROM valuations
		WHERE symbol = $1 AND date >= $2 AND date <= $3
		ORDER BY date
	`

	var dates []time.Time
	err := r.db.SelectContext(ctx, &dates, query, symbol, from, to)
	if err != nil {
		r.logger.Error("Failed to get stored valuation dates",
			zap.Error(err),
			zap.String("symbol", symbol))
		return nil, err
	}

	return dates, nil
}
