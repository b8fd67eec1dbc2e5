package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/kay-ou/SimTradeData/internal/model"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// StockRepository handles database operations for the security master
type StockRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStockRepository creates a new stock repository
func NewStockRepository(db *sqlx.DB, logger *zap.Logger) *StockRepository {
	return &StockRepository{
		db:     db,
		logger: logger,
	}
}

// ActiveSymbols returns the symbols of all active stocks, ordered.
func (r *StockRepository) ActiveSymbols(ctx context.Context) ([]string, error) {
	query := `SELECT symbol FROM stocks WHERE status = 'active' ORDER BY symbol`

	var symbols []string
	err := r.db.SelectContext(ctx, &symbols, query)
	if err != nil {
		r.logger.Error("Failed to get active symbols", zap.Error(err))
		return nil, err
	}

	return symbols, nil
}

// GetStock returns one stock row, or nil if the symbol is unknown.
func (r *StockRepository) GetStock(ctx context.Context, symbol string) (*model.Stock, error) {
	query := `SELECT * FROM stocks WHERE symbol = $1`

	var stock model.Stock
	err := r.db.GetContext(ctx, &stock, query, symbol)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.Error("Failed to get stock",
			zap.Error(err),
			zap.String("symbol", symbol))
		return nil, err
	}

	return &stock, nil
}

// ListingDate returns the stock's listing date, or nil when unknown.
func (r *StockRepository) ListingDate(ctx context.Context, symbol string) (*time.Time, error) {
	stock, err := r.GetStock(ctx, symbol)
	if err != nil || stock == nil {
		return nil, err
	}
	return stock.ListingDate, nil
}

// UpsertStocks writes the security master batch inside one transaction.
// Returns (inserted, updated).
func (r *StockRepository) UpsertStocks(ctx context.Context, stocks []model.Stock) (int, int, error) {
	if len(stocks) == 0 {
		return 0, 0, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		r.logger.Error("Failed to begin transaction", zap.Error(err))
		return 0, 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO stocks (symbol, name, market, listing_date, status, created_at)
		VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)
		ON CONFLICT (symbol)
		DO UPDATE SET
			name = EXCLUDED.name,
			market = EXCLUDED.market,
			listing_date = COALESCE(EXCLUDED.listing_date, stocks.listing_date),
			status = EXCLUDED.status,
			updated_at = CURRENT_TIMESTAMP
		RETURNING (xmax = 0) AS inserted
	`)
	if err != nil {
		r.logger.Error("Failed to prepare statement", zap.Error(err))
		return 0, 0, err
	}
	defer stmt.Close()

	var inserted, updated int
	for _, s := range stocks {
		var wasInsert bool
		if err := stmt.GetContext(ctx, &wasInsert, s.Symbol, s.Name, s.Market, s.ListingDate, s.Status); err != nil {
			r.logger.Error("Failed to upsert stock",
				zap.Error(err),
				zap.String("symbol", s.Symbol))
			return 0, 0, err
		}
		if wasInsert {
			inserted++
		} else {
			updated++
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error("Failed to commit transaction", zap.Error(err))
		return 0, 0, err
	}

	return inserted, updated, nil
}
