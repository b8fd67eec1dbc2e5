package model

import (
	"time"
)

// Phase identifies one stage of a sync run. Phases execute in the order
// listed here; later phases depend on the invariants the earlier ones
// establish.
type Phase string

const (
	PhaseCalendar    Phase = "calendar"
	PhaseStockList   Phase = "stocklist"
	PhaseIncremental Phase = "incremental"
	PhaseExtended    Phase = "extended"
	PhaseGapRepair   Phase = "gaps"
	PhaseValidation  Phase = "validation"
)

// Per-symbol sync states.
const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// SyncPhaseStatus is one row of per-symbol, per-phase progress. At most one
// row exists per (symbol, phase); processing rows older than the staleness
// threshold are reclaimed to pending before a new run starts.
type SyncPhaseStatus struct {
	Symbol      string     `json:"symbol" db:"symbol"`
	Phase       Phase      `json:"phase" db:"phase"`
	State       string     `json:"state" db:"state"`
	SessionID   string     `json:"session_id" db:"session_id"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	LastError   string     `json:"last_error" db:"last_error"`
}

// Gap is a contiguous run of trading dates missing from storage for one
// symbol and data kind. Gaps are computed on demand and never persisted.
type Gap struct {
	Symbol   string    `json:"symbol"`
	DataKind string    `json:"data_kind"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Days     int       `json:"days"`
}

// Data kinds the gap detector understands.
const (
	KindMarketData = "market_data"
	KindValuation  = "valuations"
	KindFinancial  = "financials"
)

// PhaseReport carries per-phase counters for the run report.
type PhaseReport struct {
	Phase     Phase         `json:"phase"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Run statuses.
const (
	RunSuccess = "success"
	RunPartial = "partial"
	RunFailed  = "failed"
)

// RunReport is the structured summary of one sync run.
type RunReport struct {
	RunID         string        `json:"run_id"`
	TargetDate    time.Time     `json:"target_date"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Status        string        `json:"status"`
	Phases        []PhaseReport `json:"phases"`
	GapsDetected  int           `json:"gaps_detected"`
	GapsAttempted int           `json:"gaps_attempted"`
	GapsRepaired  int           `json:"gaps_repaired"`
	ValidRecords  int           `json:"valid_records"`
	TotalRecords  int           `json:"total_records"`
}

// PhaseFor returns the report entry for a phase, or nil.
func (r *RunReport) PhaseFor(p Phase) *PhaseReport {
	for i := range r.Phases {
		if r.Phases[i].Phase == p {
			return &r.Phases[i]
		}
	}
	return nil
}
