package repository

import (
	"context"
	"time"

	"github.com/kay-ou/SimTradeData/internal/model"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// SyncStatusRepository owns the per-symbol, per-phase progress rows. No
// other component writes this table.
type SyncStatusRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSyncStatusRepository creates a new sync status repository
func NewSyncStatusRepository(db *sqlx.DB, logger *zap.Logger) *SyncStatusRepository {
	return &SyncStatusRepository{
		db:     db,
		logger: logger,
	}
}

// Pending returns the subset of candidates not yet completed for (phase,
// targetDate). Failed symbols and rows from earlier target dates are
// eligible again.
func (r *SyncStatusRepository) Pending(ctx context.Context, phase model.Phase, targetDate time.Time, candidates []string) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	query := `
		SELECT c.symbol FROM unnest($1::text[]) AS c(symbol)
		WHERE NOT EXISTS (
			SELECT 1 FROM sync_status ss
			WHERE ss.symbol = c.symbol AND ss.phase = $2
			AND ss.state = 'completed' AND ss.target_date = $3
		)
		ORDER BY c.symbol
	`

	var pending []string
	err := r.db.SelectContext(ctx, &pending, query, pq.Array(candidates), string(phase), targetDate)
	if err != nil {
		r.logger.Error("Failed to compute pending worklist",
			zap.Error(err),
			zap.String("phase", string(phase)))
		return nil, err
	}

	return pending, nil
}

// MarkProcessing is the conditional write enforcing at-most-one-in-flight
// per (symbol, phase). It fails when the row is already processing and not
// older than staleBefore; rows-affected zero signals the conflict.
func (r *SyncStatusRepository) MarkProcessing(ctx context.Context, phase model.Phase, symbol, sessionID string, targetDate time.Time, staleBefore time.Time) (bool, error) {
	query := `
		INSERT INTO sync_status (symbol, phase, state, session_id, target_date, started_at, completed_at, last_error)
		VALUES ($1, $2, 'processing', $3, $4, CURRENT_TIMESTAMP, NULL, '')
		ON CONFLICT (symbol, phase)
		DO UPDATE SET
			state = 'processing',
			session_id = EXCLUDED.session_id,
			target_date = EXCLUDED.target_date,
			started_at = CURRENT_TIMESTAMP,
			completed_at = NULL,
			last_error = ''
		WHERE sync_status.state <> 'processing' OR sync_status.started_at < $5
	`

	res, err := r.db.ExecContext(ctx, query, symbol, string(phase), sessionID, targetDate, staleBefore)
	if err != nil {
		r.logger.Error("Failed to mark symbol processing",
			zap.Error(err),
			zap.String("symbol", symbol),
			zap.String("phase", string(phase)))
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// MarkCompleted transitions a symbol's phase row to completed.
func (r *SyncStatusRepository) MarkCompleted(ctx context.Context, phase model.Phase, symbol string) error {
	query := `
		UPDATE sync_status
		SET state = 'completed', completed_at = CURRENT_TIMESTAMP, last_error = ''
		WHERE symbol = $1 AND phase = $2
	`

	if _, err := r.db.ExecContext(ctx, query, symbol, string(phase)); err != nil {
		r.logger.Error("Failed to mark symbol completed",
			zap.Error(err),
			zap.String("symbol", symbol),
			zap.String("phase", string(phase)))
		return err
	}
	return nil
}

// MarkFailed transitions a symbol's phase row to failed, retaining the
// error text. The symbol stays eligible for the next run's worklist.
func (r *SyncStatusRepository) MarkFailed(ctx context.Context, phase model.Phase, symbol, errText string) error {
	query := `
		UPDATE sync_status
		SET state = 'failed', completed_at = CURRENT_TIMESTAMP, last_error = $3
		WHERE symbol = $1 AND phase = $2
	`

	if _, err := r.db.ExecContext(ctx, query, symbol, string(phase), errText); err != nil {
		r.logger.Error("Failed to mark symbol failed",
			zap.Error(err),
			zap.String("symbol", symbol),
			zap.String("phase", string(phase)))
		return err
	}
	return nil
}

// ReclaimStale resets processing rows older than the cutoff back to
// pending. This is the sole recovery path for workers that died holding a
// processing row.
func (r *SyncStatusRepository) ReclaimStale(ctx context.Context, phase model.Phase, olderThan time.Time) (int, error) {
	query := `
		UPDATE sync_status
		SET state = 'pending', last_error = 'reclaimed: stale processing row'
		WHERE phase = $1 AND state = 'processing' AND started_at < $2
	`

	res, err := r.db.ExecContext(ctx, query, string(phase), olderThan)
	if err != nil {
		r.logger.Error("Failed to reclaim stale rows",
			zap.Error(err),
			zap.String("phase", string(phase)))
		return 0, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// PhaseCounts returns state counts for one phase, for the status surface.
func (r *SyncStatusRepository) PhaseCounts(ctx context.Context, phase model.Phase) (map[string]int, error) {
	query := `
		SELECT state, COUNT(*) AS n FROM sync_status
		WHERE phase = $1
		GROUP BY state
	`

	rows := []struct {
		State string `db:"state"`
		N     int    `db:"n"`
	}{}
	if err := r.db.SelectContext(ctx, &rows, query, string(phase)); err != nil {
		r.logger.Error("Failed to get phase counts", zap.Error(err))
		return nil, err
	}

	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.State] = row.N
	}
	return out, nil
}
