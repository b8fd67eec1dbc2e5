package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kay-ou/SimTradeData/internal/model"
)

// StatusStore is the persistence surface the tracker needs. Satisfied by
// repository.SyncStatusRepository.
type StatusStore interface {
	Pending(ctx context.Context, phase model.Phase, targetDate time.Time, candidates []string) ([]string, error)
	MarkProcessing(ctx context.Context, phase model.Phase, symbol, sessionID string, targetDate, staleBefore time.Time) (bool, error)
	MarkCompleted(ctx context.Context, phase model.Phase, symbol string) error
	MarkFailed(ctx context.Context, phase model.Phase, symbol, errText string) error
	ReclaimStale(ctx context.Context, phase model.Phase, olderThan time.Time) (int, error)
}

// StateTracker mediates per-symbol phase state for one sync run. The
// conditional processing claim is the only per-entity lock in the system;
// everything else relies on upsert idempotence.
type StateTracker struct {
	store      StatusStore
	sessionID  string
	targetDate time.Time
	staleAfter time.Duration
	logger     *zap.Logger
}

func NewStateTracker(store StatusStore, sessionID string, targetDate time.Time, staleAfter time.Duration, logger *zap.Logger) *StateTracker {
	return &StateTracker{
		store:      store,
		sessionID:  sessionID,
		targetDate: targetDate,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Worklist filters candidates down to symbols not yet completed for the
// phase at this run's target date.
func (t *StateTracker) Worklist(ctx context.Context, phase model.Phase, candidates []string) ([]string, error) {
	return t.store.Pending(ctx, phase, t.targetDate, candidates)
}

// Claim attempts to take the processing slot for a symbol. A concurrent
// holder yields ErrStateConflict; holders staler than staleAfter are
// overtaken.
func (t *StateTracker) Claim(ctx context.Context, phase model.Phase, symbol string) error {
	staleBefore := time.Now().Add(-t.staleAfter)
	ok, err := t.store.MarkProcessing(ctx, phase, symbol, t.sessionID, t.targetDate, staleBefore)
	if err != nil {
		return &StorageError{Table: "sync_status", Err: err}
	}
	if !ok {
		t.logger.Debug("Symbol claimed by another worker",
			zap.String("symbol", symbol),
			zap.String("phase", string(phase)))
		return ErrStateConflict
	}
	return nil
}

// Complete marks the symbol's phase done for this target date.
func (t *StateTracker) Complete(ctx context.Context, phase model.Phase, symbol string) error {
	if err := t.store.MarkCompleted(ctx, phase, symbol); err != nil {
		return &StorageError{Table: "sync_status", Err: err}
	}
	return nil
}

// Fail records the failure text and releases the symbol for the next run.
func (t *StateTracker) Fail(ctx context.Context, phase model.Phase, symbol string, cause error) {
	text := ""
	if cause != nil {
		text = cause.Error()
	}
	if err := t.store.MarkFailed(ctx, phase, symbol, text); err != nil {
		t.logger.Error("Failed to record symbol failure",
			zap.String("symbol", symbol),
			zap.String("phase", string(phase)),
			zap.Error(err))
	}
}

// ReclaimStale returns crashed workers' processing rows to pending. Run
// once per phase before dispatching; it is the sole recovery path for
// locks orphaned by a process restart.
func (t *StateTracker) ReclaimStale(ctx context.Context, phase model.Phase) (int, error) {
	cutoff := time.Now().Add(-t.staleAfter)
	n, err := t.store.ReclaimStale(ctx, phase, cutoff)
	if err != nil {
		return 0, &StorageError{Table: "sync_status", Err: err}
	}
	if n > 0 {
		t.logger.Warn("Reclaimed stale processing locks",
			zap.String("phase", string(phase)),
			zap.Int("count", n))
	}
	return n, nil
}
