// Package provider defines the uniform capability surface over the upstream
// market-data sources and the connection layer that keeps their sessions
// alive. Responses are classified exactly once at this boundary: rows, an
// explicit "no data" answer, or an error from the taxonomy below.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kay-ou/SimTradeData/internal/model"
)

// Sentinel errors surfaced by the connection layer.
var (
	// ErrBusy is returned when an exclusive provider's lock cannot be
	// acquired within the configured wait.
	ErrBusy = errors.New("provider busy: exclusive lock wait timed out")

	// ErrUnknownProvider is returned for a provider ID that was never
	// registered.
	ErrUnknownProvider = errors.New("unknown provider")
)

// TransientError marks a network or timeout failure that is eligible for
// same-run failover but not for unbounded retry.
type TransientError struct {
	Provider string
	Op       string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient %s failure: %v", e.Provider, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ShapeError marks a payload that arrived but failed to parse or validate.
// The record is dropped; the affected symbol is failed for the phase.
type ShapeError struct {
	Provider string
	Op       string
	Detail   string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: malformed %s payload: %s", e.Provider, e.Op, e.Detail)
}

// IsTransient reports whether err (anywhere in its chain) is a transient
// provider failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Capabilities declares which operations a provider supports.
type Capabilities struct {
	DailyBars             bool
	FinancialSnapshot     bool
	BulkFinancialSnapshot bool
	Valuation             bool
	Calendar              bool
	StockList             bool
}

// DailyResult is the classified outcome of a daily-bars fetch. NoData set
// with a nil error means the provider explicitly answered "nothing to
// return" (e.g. unlisted symbol) — informational, not a failure.
type DailyResult struct {
	Rows   []model.MarketRecord
	NoData bool
	Reason string
}

// FinancialResult is the classified outcome of a financial-snapshot fetch.
type FinancialResult struct {
	Row    *model.FinancialRecord
	NoData bool
	Reason string
}

// ValuationResult is the classified outcome of a valuation fetch.
type ValuationResult struct {
	Row    *model.ValuationRecord
	NoData bool
	Reason string
}

// BulkFinancialResult carries one bulk snapshot covering many symbols for a
// single reporting period.
type BulkFinancialResult struct {
	Rows   map[string]model.FinancialRecord
	NoData bool
	Reason string
}

// DataSource is the adapter contract every upstream provider implements.
// Priority orders failover (lower is tried first). Exclusive providers
// cannot serve concurrent calls and are serialized by the Manager.
type DataSource interface {
	Name() string
	Priority() int
	Exclusive() bool
	Capabilities() Capabilities

	Connect(ctx context.Context) error
	Close() error
	// Ping is the lightweight health probe used by session keep-alive.
	Ping(ctx context.Context) error

	FetchDaily(ctx context.Context, symbol string, from, to time.Time) (DailyResult, error)
	FetchFinancial(ctx context.Context, symbol string, reportDate time.Time) (FinancialResult, error)
	FetchBulkFinancial(ctx context.Context, reportDate time.Time) (BulkFinancialResult, error)
	FetchValuation(ctx context.Context, symbol string, date time.Time) (ValuationResult, error)
	FetchCalendar(ctx context.Context, from, to time.Time) ([]model.TradingDay, error)
	FetchStockList(ctx context.Context) ([]model.Stock, error)
}
