package syncer

import (
	"errors"
	"fmt"
)

// ErrStateConflict reports that another worker holds the processing lock
// for the same entity and phase. Callers skip the entity for this run.
var ErrStateConflict = errors.New("sync state held by another worker")

// ErrRunBudgetExceeded marks a run that hit its wall-clock budget. Work in
// flight finishes; nothing new is dispatched.
var ErrRunBudgetExceeded = errors.New("run budget exceeded")

// StorageError wraps a database failure during a batch flush or status
// update. Repeated storage errors past a threshold abort the phase.
type StorageError struct {
	Table string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error on %s: %v", e.Table, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err is, or wraps, a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
