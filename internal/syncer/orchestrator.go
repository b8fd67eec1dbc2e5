package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kay-ou/SimTradeData/internal/cache"
	"github.com/kay-ou/SimTradeData/internal/config"
	"github.com/kay-ou/SimTradeData/internal/model"
	"github.com/kay-ou/SimTradeData/internal/provider"
	"github.com/kay-ou/SimTradeData/internal/repository"
	"github.com/kay-ou/SimTradeData/internal/validate"
)

// StockStore is the stock reference surface the orchestrator consumes.
type StockStore interface {
	ActiveSymbols(ctx context.Context) ([]string, error)
	ListingDate(ctx context.Context, symbol string) (*time.Time, error)
	UpsertStocks(ctx context.Context, stocks []model.Stock) (int, int, error)
}

// CalendarStore is the trading-calendar surface the orchestrator consumes.
type CalendarStore interface {
	TradingDays(ctx context.Context, market string, from, to time.Time) ([]time.Time, error)
	YearSpan(ctx context.Context, market string) (minYear, maxYear int, ok bool, err error)
	UpsertDays(ctx context.Context, days []model.TradingDay) (int, error)
}

// MarketDataStore is the stored-bars surface the orchestrator consumes.
type MarketDataStore interface {
	StoredDates(ctx context.Context, symbol, frequency string, from, to time.Time) ([]time.Time, error)
	LastSyncedDate(ctx context.Context, symbol, frequency string) (*time.Time, error)
	RecentRecords(ctx context.Context, frequency string, from, to time.Time) ([]model.MarketRecord, error)
}

// ValuationStore reports which valuation dates are already stored.
type ValuationStore interface {
	StoredValuationDates(ctx context.Context, symbol string, from, to time.Time) ([]time.Time, error)
}

// FinancialStore reports which symbols already hold a financial record for
// a reporting period.
type FinancialStore interface {
	SymbolsWithFinancials(ctx context.Context, symbols []string, reportDate time.Time) (map[string]bool, error)
}

// RowWriter is the staging surface of the batch writer.
type RowWriter interface {
	Stage(ctx context.Context, table string, row interface{}) error
	Flush(ctx context.Context, table string) (int, error)
	FlushAll(ctx context.Context) (map[string]int, error)
}

// Providers hands out data-source sessions by name or capability.
type Providers interface {
	ByCapability(want func(provider.Capabilities) bool) []provider.DataSource
	Acquire(ctx context.Context, name string) (provider.DataSource, func(), error)
}

// ManagerPool adapts provider.Manager to the Providers surface.
type ManagerPool struct {
	M *provider.Manager
}

func (p ManagerPool) ByCapability(want func(provider.Capabilities) bool) []provider.DataSource {
	return p.M.ByCapability(want)
}

func (p ManagerPool) Acquire(ctx context.Context, name string) (provider.DataSource, func(), error) {
	s, err := p.M.Acquire(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return s.Source, s.Release, nil
}

// ReportSink receives the finished run report.
type ReportSink interface {
	PublishRunReport(ctx context.Context, report *model.RunReport) error
}

// Deps bundles everything the orchestrator needs. Cache, Reports and
// Financials are optional.
type Deps struct {
	Stocks     StockStore
	Calendar   CalendarStore
	MarketData MarketDataStore
	Valuations ValuationStore
	Financials FinancialStore
	Status     StatusStore
	Writer     RowWriter
	Providers  Providers
	Cache      *cache.Manager
	Reports    ReportSink
}

// Orchestrator drives a full sync run through its fixed phase sequence:
// calendar, stock list, incremental bars, extended data, gap repair,
// validation. At most one run executes at a time.
type Orchestrator struct {
	cfg      config.SyncConfig
	cacheCfg config.CacheConfig
	deps     Deps
	retry    *RetryPolicy
	logger   *zap.Logger

	mu         sync.Mutex
	running    bool
	lastReport *model.RunReport
}

func NewOrchestrator(cfg config.SyncConfig, cacheCfg config.CacheConfig, deps Deps, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		cacheCfg: cacheCfg,
		deps:     deps,
		retry:    NewRetryPolicy(3, 500*time.Millisecond),
		logger:   logger,
	}
}

// run carries the per-invocation state shared by the phase methods.
type run struct {
	o          *Orchestrator
	id         string
	targetDate time.Time
	tracker    *StateTracker
	deadline   time.Time
	report     *model.RunReport

	budgetHit   atomic.Bool
	storageErrs atomic.Int64
}

// SetRetryPolicy replaces the default provider retry policy.
func (o *Orchestrator) SetRetryPolicy(p *RetryPolicy) {
	o.retry = p
}

// Running reports whether a sync run is currently executing.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// LastReport returns the most recent run report, or nil.
func (o *Orchestrator) LastReport() *model.RunReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastReport
}

// RunSync executes one full sync run for the target date and always
// returns a report, even when phases fail. A second concurrent invocation
// is rejected.
func (o *Orchestrator) RunSync(ctx context.Context, targetDate time.Time) (*model.RunReport, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, errors.New("sync run already in progress")
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	runID := uuid.NewString()
	r := &run{
		o:          o,
		id:         runID,
		targetDate: targetDate,
		tracker:    NewStateTracker(o.deps.Status, runID, targetDate, o.cfg.StaleAfter, o.logger),
		report: &model.RunReport{
			RunID:      runID,
			TargetDate: targetDate,
			StartedAt:  time.Now(),
		},
	}
	if o.cfg.RunBudget > 0 {
		r.deadline = r.report.StartedAt.Add(o.cfg.RunBudget)
	}

	o.logger.Info("Sync run starting",
		zap.String("run_id", r.id),
		zap.Time("target_date", targetDate))

	calendarOK := r.phase(ctx, model.PhaseCalendar, r.refreshCalendar)
	if calendarOK {
		// Every later phase consumes calendar invariants; without a
		// calendar the run stops here.
		r.phase(ctx, model.PhaseStockList, r.refreshStockList)
		r.phase(ctx, model.PhaseIncremental, r.syncIncremental)
		r.phase(ctx, model.PhaseExtended, r.syncExtended)
		r.phase(ctx, model.PhaseGapRepair, r.repairGaps)
		r.phase(ctx, model.PhaseValidation, r.validateRecent)
	}

	if _, err := o.deps.Writer.FlushAll(ctx); err != nil {
		o.logger.Error("Final flush failed", zap.String("run_id", r.id), zap.Error(err))
	}

	r.report.Duration = time.Since(r.report.StartedAt)
	r.report.Status = r.finalStatus(calendarOK)

	o.mu.Lock()
	o.lastReport = r.report
	o.mu.Unlock()

	if o.deps.Reports != nil {
		if err := o.deps.Reports.PublishRunReport(ctx, r.report); err != nil {
			o.logger.Warn("Run report publish failed", zap.String("run_id", r.id), zap.Error(err))
		}
	}

	o.logger.Info("Sync run finished",
		zap.String("run_id", r.id),
		zap.String("status", r.report.Status),
		zap.Duration("duration", r.report.Duration))
	return r.report, nil
}

// phase wraps one phase function with timing, error capture, and report
// bookkeeping. It returns false when the phase failed outright.
func (r *run) phase(ctx context.Context, p model.Phase, fn func(ctx context.Context, pr *model.PhaseReport) error) bool {
	pr := model.PhaseReport{Phase: p}
	start := time.Now()

	var err error
	if !r.budgetOK() {
		r.budgetHit.Store(true)
		err = ErrRunBudgetExceeded
	} else {
		err = fn(ctx, &pr)
	}

	pr.Duration = time.Since(start)
	if err != nil {
		pr.Error = err.Error()
		if IsStorageError(err) {
			r.noteStorageErr()
		}
		r.o.logger.Error("Phase failed",
			zap.String("run_id", r.id),
			zap.String("phase", string(p)),
			zap.Error(err))
	}
	r.report.Phases = append(r.report.Phases, pr)
	return err == nil
}

func (r *run) budgetOK() bool {
	return r.deadline.IsZero() || time.Now().Before(r.deadline)
}

func (r *run) storageOK() bool {
	limit := r.o.cfg.StorageErrorAbort
	return limit <= 0 || r.storageErrs.Load() < int64(limit)
}

func (r *run) noteStorageErr() {
	r.storageErrs.Add(1)
}

func (r *run) finalStatus(calendarOK bool) string {
	if !calendarOK {
		return model.RunFailed
	}
	if r.budgetHit.Load() {
		return model.RunPartial
	}
	for _, pr := range r.report.Phases {
		if pr.Failed > 0 || pr.Error != "" {
			return model.RunPartial
		}
	}
	return model.RunSuccess
}

// withSource runs op against the highest-priority provider supporting the
// capability, failing over to the next provider on transient errors or a
// busy exclusive lock.
func (r *run) withSource(ctx context.Context, want func(provider.Capabilities) bool, op func(src provider.DataSource) error) error {
	candidates := r.o.deps.Providers.ByCapability(want)
	if len(candidates) == 0 {
		return errors.New("no provider supports the requested capability")
	}

	var lastErr error
	for _, cand := range candidates {
		src, release, err := r.o.deps.Providers.Acquire(ctx, cand.Name())
		if err != nil {
			lastErr = err
			if errors.Is(err, provider.ErrBusy) || provider.IsTransient(err) {
				continue
			}
			return err
		}
		err = op(src)
		release()
		if err == nil {
			return nil
		}
		lastErr = err
		if !provider.IsTransient(err) {
			return err
		}
		r.o.logger.Warn("Provider failed, trying next",
			zap.String("provider", cand.Name()),
			zap.Error(err))
	}
	return lastErr
}

// refreshCalendar brings the trading calendar up to the target year. An
// existing calendar is topped up from its latest stored year; an empty one
// is seeded from the prior year.
func (r *run) refreshCalendar(ctx context.Context, pr *model.PhaseReport) error {
	pr.Attempted = 1

	targetYear := r.targetDate.Year()
	from := time.Date(targetYear-1, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, maxYear, ok, err := r.o.deps.Calendar.YearSpan(ctx, "SS"); err == nil && ok {
		if maxYear <= targetYear {
			from = time.Date(maxYear, 1, 1, 0, 0, 0, 0, time.UTC)
		}
	}
	to := time.Date(targetYear, 12, 31, 0, 0, 0, 0, time.UTC)

	var days []model.TradingDay
	err := r.withSource(ctx, func(c provider.Capabilities) bool { return c.Calendar }, func(src provider.DataSource) error {
		return r.o.retry.Do(ctx, func() error {
			fetched, err := src.FetchCalendar(ctx, from, to)
			if err != nil {
				return err
			}
			days = fetched
			return nil
		})
	})
	if err != nil {
		pr.Failed = 1
		return fmt.Errorf("calendar refresh: %w", err)
	}

	n, err := r.o.deps.Calendar.UpsertDays(ctx, days)
	if err != nil {
		pr.Failed = 1
		return &StorageError{Table: "trading_calendar", Err: err}
	}
	if r.o.deps.Cache != nil {
		r.o.deps.Cache.Invalidate(calendarCacheKey("SS"))
		r.o.deps.Cache.Invalidate(calendarCacheKey("SZ"))
	}
	pr.Succeeded = 1
	r.o.logger.Info("Calendar refreshed",
		zap.String("run_id", r.id),
		zap.Int("days", n),
		zap.Time("from", from),
		zap.Time("to", to))
	return nil
}

// refreshStockList updates the stock universe. Failure is non-fatal: later
// phases fall back to the stored universe.
func (r *run) refreshStockList(ctx context.Context, pr *model.PhaseReport) error {
	pr.Attempted = 1

	var stocks []model.Stock
	err := r.withSource(ctx, func(c provider.Capabilities) bool { return c.StockList }, func(src provider.DataSource) error {
		return r.o.retry.Do(ctx, func() error {
			fetched, err := src.FetchStockList(ctx)
			if err != nil {
				return err
			}
			stocks = fetched
			return nil
		})
	})
	if err != nil {
		pr.Failed = 1
		r.o.logger.Warn("Stock list refresh failed, using stored universe",
			zap.String("run_id", r.id),
			zap.Error(err))
		return nil
	}

	// Index codes stay out of every data table, starting here.
	filtered := stocks[:0]
	for _, s := range stocks {
		if validate.IsIndexCode(s.Symbol) {
			continue
		}
		filtered = append(filtered, s)
	}

	inserted, updated, err := r.o.deps.Stocks.UpsertStocks(ctx, filtered)
	if err != nil {
		pr.Failed = 1
		r.noteStorageErr()
		return &StorageError{Table: "stocks", Err: err}
	}
	if r.o.deps.Cache != nil {
		r.o.deps.Cache.Invalidate(activeSymbolsCacheKey)
	}
	pr.Succeeded = 1
	r.o.logger.Info("Stock list refreshed",
		zap.String("run_id", r.id),
		zap.Int("inserted", inserted),
		zap.Int("updated", updated))
	return nil
}

// syncIncremental fetches daily bars for every pending symbol since its
// last synced date, through the bounded worker pool.
func (r *run) syncIncremental(ctx context.Context, pr *model.PhaseReport) error {
	worklist, err := r.pendingSymbols(ctx, model.PhaseIncremental)
	if err != nil {
		return err
	}
	if len(worklist) == 0 {
		return nil
	}

	strategy := NewPerEntityStrategy(func(ctx context.Context, symbol string) EntityOutcome {
		return r.syncOneSymbol(ctx, symbol)
	}, r.o.cfg.MaxWorkers, r.o.logger)

	tally, err := strategy.Run(ctx, worklist, r.targetDate)
	if err != nil {
		return err
	}
	applyTally(pr, tally)

	if _, err := r.o.deps.Writer.Flush(ctx, repository.TableMarketData); err != nil {
		r.noteStorageErr()
		return err
	}
	return nil
}

// syncOneSymbol is the per-entity unit of work for the incremental phase:
// claim, fetch, validate, stage, settle.
func (r *run) syncOneSymbol(ctx context.Context, symbol string) EntityOutcome {
	if !r.budgetOK() {
		r.budgetHit.Store(true)
		return OutcomeSkipped
	}
	if !r.storageOK() {
		return OutcomeSkipped
	}

	phase := model.PhaseIncremental
	if err := r.tracker.Claim(ctx, phase, symbol); err != nil {
		if errors.Is(err, ErrStateConflict) {
			return OutcomeSkipped
		}
		r.noteStorageErr()
		return OutcomeFailed
	}

	from := r.targetDate.AddDate(0, 0, -r.o.cfg.GapLookbackDays)
	if last, err := r.lastSyncedDate(ctx, symbol); err == nil && last != nil {
		next := last.AddDate(0, 0, 1)
		if next.After(from) {
			from = next
		}
	}
	if from.After(r.targetDate) {
		// Already current.
		if err := r.tracker.Complete(ctx, phase, symbol); err != nil {
			r.noteStorageErr()
			return OutcomeFailed
		}
		return OutcomeSkipped
	}

	staged, err := r.fetchAndStageBars(ctx, symbol, from, r.targetDate)
	if err != nil {
		r.tracker.Fail(ctx, phase, symbol, err)
		return OutcomeFailed
	}
	if err := r.tracker.Complete(ctx, phase, symbol); err != nil {
		r.noteStorageErr()
		return OutcomeFailed
	}
	if staged == 0 {
		return OutcomeSkipped
	}
	return OutcomeSucceeded
}

// fetchAndStageBars pulls daily bars for a range and stages the valid
// ones. Index codes and malformed bars never reach the writer.
func (r *run) fetchAndStageBars(ctx context.Context, symbol string, from, to time.Time) (int, error) {
	fetchCtx := ctx
	if r.o.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.o.cfg.FetchTimeout)
		defer cancel()
	}

	var res provider.DailyResult
	err := r.withSource(fetchCtx, func(c provider.Capabilities) bool { return c.DailyBars }, func(src provider.DataSource) error {
		return r.o.retry.Do(fetchCtx, func() error {
			fetched, err := src.FetchDaily(fetchCtx, symbol, from, to)
			if err != nil {
				return err
			}
			res = fetched
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if res.NoData {
		r.o.logger.Info("No daily bars for symbol",
			zap.String("symbol", symbol),
			zap.String("reason", res.Reason))
		return 0, nil
	}

	staged := 0
	defer func() {
		// Newly staged bars move the symbol's last-synced date.
		if staged > 0 && r.o.deps.Cache != nil {
			r.o.deps.Cache.Invalidate(lastSyncCacheKey(symbol))
		}
	}()
	for i := range res.Rows {
		row := res.Rows[i]
		if validate.IsIndexCode(row.Symbol) || !validate.IsValidBar(&row) {
			continue
		}
		if err := r.o.deps.Writer.Stage(ctx, repository.TableMarketData, row); err != nil {
			r.noteStorageErr()
			return staged, err
		}
		staged++
	}
	return staged, nil
}

// syncExtended fetches financial snapshots and valuations, switching to a
// single bulk snapshot once the worklist or universe is large enough.
func (r *run) syncExtended(ctx context.Context, pr *model.PhaseReport) error {
	if _, err := r.tracker.ReclaimStale(ctx, model.PhaseExtended); err != nil {
		return err
	}
	candidates, err := r.activeSymbols(ctx)
	if err != nil {
		return err
	}
	worklist, err := r.tracker.Worklist(ctx, model.PhaseExtended, candidates)
	if err != nil {
		return err
	}
	if len(worklist) == 0 {
		return nil
	}

	reportDate := latestReportPeriod(r.targetDate)
	bulkSources := r.o.deps.Providers.ByCapability(func(c provider.Capabilities) bool { return c.BulkFinancialSnapshot })

	// Symbols that already hold the period's financial row keep it; only
	// their valuations are refreshed.
	var have map[string]bool
	if r.o.deps.Financials != nil {
		have, err = r.o.deps.Financials.SymbolsWithFinancials(ctx, worklist, reportDate)
		if err != nil {
			r.o.logger.Warn("Financial coverage probe failed",
				zap.String("run_id", r.id),
				zap.Error(err))
			have = nil
		}
	}

	var tally *Tally
	if UseBulk(len(worklist), len(candidates), r.o.cfg.BulkPendingMin, r.o.cfg.BulkTotalMin, len(bulkSources) > 0) {
		tally, err = r.runBulkExtended(ctx, worklist, reportDate, have)
		if err != nil {
			r.o.logger.Warn("Bulk snapshot failed, falling back to per-symbol fetch",
				zap.String("run_id", r.id),
				zap.Error(err))
			tally = nil
		}
	}
	if tally == nil {
		strategy := NewPerEntityStrategy(func(ctx context.Context, symbol string) EntityOutcome {
			return r.extendedOne(ctx, symbol, reportDate, nil, false, have[symbol])
		}, r.o.cfg.MaxWorkers, r.o.logger)
		tally, err = strategy.Run(ctx, worklist, reportDate)
		if err != nil {
			return err
		}
	}
	applyTally(pr, tally)

	if _, err := r.o.deps.Writer.Flush(ctx, repository.TableFinancials); err != nil {
		r.noteStorageErr()
		return err
	}
	if _, err := r.o.deps.Writer.Flush(ctx, repository.TableValuations); err != nil {
		r.noteStorageErr()
		return err
	}
	return nil
}

func (r *run) runBulkExtended(ctx context.Context, worklist []string, reportDate time.Time, have map[string]bool) (*Tally, error) {
	var tally *Tally
	err := r.withSource(ctx, func(c provider.Capabilities) bool { return c.BulkFinancialSnapshot }, func(src provider.DataSource) error {
		strategy := NewBulkStrategy(src, func(ctx context.Context, symbol string, row *model.FinancialRecord) EntityOutcome {
			return r.extendedOne(ctx, symbol, reportDate, row, true, have[symbol])
		}, r.o.retry, r.o.logger)
		t, err := strategy.Run(ctx, worklist, reportDate)
		if err != nil {
			return err
		}
		tally = t
		return nil
	})
	return tally, err
}

// extendedOne settles one symbol for the extended phase. With prefetched
// set, row came from a bulk snapshot; a symbol the snapshot did not cover
// falls back to a per-symbol fetch so its data is never silently dropped,
// unless the period's financial row is already stored.
func (r *run) extendedOne(ctx context.Context, symbol string, reportDate time.Time, row *model.FinancialRecord, prefetched, hasFinancial bool) EntityOutcome {
	if !r.budgetOK() {
		r.budgetHit.Store(true)
		return OutcomeSkipped
	}
	if !r.storageOK() {
		return OutcomeSkipped
	}

	phase := model.PhaseExtended
	if err := r.tracker.Claim(ctx, phase, symbol); err != nil {
		if errors.Is(err, ErrStateConflict) {
			return OutcomeSkipped
		}
		r.noteStorageErr()
		return OutcomeFailed
	}

	if (!prefetched || row == nil) && !hasFinancial {
		fetched, err := r.fetchFinancial(ctx, symbol, reportDate)
		if err != nil {
			r.tracker.Fail(ctx, phase, symbol, err)
			return OutcomeFailed
		}
		row = fetched
	}

	stagedAny := false
	if row != nil && validate.IsValidFinancial(row) && !validate.IsIndexCode(symbol) {
		if err := r.o.deps.Writer.Stage(ctx, repository.TableFinancials, *row); err != nil {
			r.noteStorageErr()
			r.tracker.Fail(ctx, phase, symbol, err)
			return OutcomeFailed
		}
		stagedAny = true
	}

	if val, err := r.fetchValuation(ctx, symbol, r.targetDate); err != nil {
		r.o.logger.Warn("Valuation fetch failed",
			zap.String("symbol", symbol),
			zap.Error(err))
	} else if val != nil && validate.IsValidValuation(val) {
		if err := r.o.deps.Writer.Stage(ctx, repository.TableValuations, *val); err != nil {
			r.noteStorageErr()
			r.tracker.Fail(ctx, phase, symbol, err)
			return OutcomeFailed
		}
		stagedAny = true
	}

	if err := r.tracker.Complete(ctx, phase, symbol); err != nil {
		r.noteStorageErr()
		return OutcomeFailed
	}
	if !stagedAny {
		return OutcomeSkipped
	}
	return OutcomeSucceeded
}

func (r *run) fetchFinancial(ctx context.Context, symbol string, reportDate time.Time) (*model.FinancialRecord, error) {
	var row *model.FinancialRecord
	err := r.withSource(ctx, func(c provider.Capabilities) bool { return c.FinancialSnapshot }, func(src provider.DataSource) error {
		return r.o.retry.Do(ctx, func() error {
			res, err := src.FetchFinancial(ctx, symbol, reportDate)
			if err != nil {
				return err
			}
			if res.NoData {
				r.o.logger.Info("No financial snapshot for symbol",
					zap.String("symbol", symbol),
					zap.String("reason", res.Reason))
				row = nil
				return nil
			}
			row = res.Row
			return nil
		})
	})
	return row, err
}

func (r *run) fetchValuation(ctx context.Context, symbol string, date time.Time) (*model.ValuationRecord, error) {
	var row *model.ValuationRecord
	err := r.withSource(ctx, func(c provider.Capabilities) bool { return c.Valuation }, func(src provider.DataSource) error {
		return r.o.retry.Do(ctx, func() error {
			res, err := src.FetchValuation(ctx, symbol, date)
			if err != nil {
				return err
			}
			if res.NoData {
				row = nil
				return nil
			}
			row = res.Row
			return nil
		})
	})
	return row, err
}

// repairGaps diffs the calendar against stored bars and valuations for
// every active symbol and refetches at most GapRepairCap gaps, oldest
// first.
func (r *run) repairGaps(ctx context.Context, pr *model.PhaseReport) error {
	symbols, err := r.activeSymbols(ctx)
	if err != nil {
		return err
	}

	detector := NewGapDetector(r.calendarSource(), r.o.deps.Stocks, r.o.cfg.GapLookbackDays, r.o.logger)
	barDates := StoredDateFunc(func(ctx context.Context, symbol string, from, to time.Time) ([]time.Time, error) {
		return r.o.deps.MarketData.StoredDates(ctx, symbol, defaultFrequency, from, to)
	})

	var gaps []model.Gap
	for _, symbol := range symbols {
		if ctx.Err() != nil || !r.budgetOK() {
			break
		}
		found, err := detector.DetectGaps(ctx, symbol, marketOf(symbol), model.KindMarketData, barDates, r.targetDate)
		if err != nil {
			r.o.logger.Warn("Gap detection failed",
				zap.String("symbol", symbol),
				zap.Error(err))
			continue
		}
		gaps = append(gaps, found...)

		if r.o.deps.Valuations != nil {
			valGaps, err := detector.DetectGaps(ctx, symbol, marketOf(symbol), model.KindValuation,
				StoredDateFunc(r.o.deps.Valuations.StoredValuationDates), r.targetDate)
			if err == nil {
				gaps = append(gaps, valGaps...)
			}
		}
	}
	r.report.GapsDetected = len(gaps)

	repairCap := r.o.cfg.GapRepairCap
	for _, gap := range gaps {
		if r.report.GapsAttempted >= repairCap || !r.budgetOK() {
			break
		}
		r.report.GapsAttempted++
		pr.Attempted++
		if err := r.repairOneGap(ctx, gap); err != nil {
			pr.Failed++
			r.o.logger.Warn("Gap repair failed",
				zap.String("symbol", gap.Symbol),
				zap.String("kind", gap.DataKind),
				zap.Time("start", gap.Start),
				zap.Time("end", gap.End),
				zap.Error(err))
			continue
		}
		pr.Succeeded++
		r.report.GapsRepaired++
	}
	pr.Skipped = len(gaps) - r.report.GapsAttempted

	if _, err := r.o.deps.Writer.FlushAll(ctx); err != nil {
		r.noteStorageErr()
		return err
	}
	return nil
}

func (r *run) repairOneGap(ctx context.Context, gap model.Gap) error {
	switch gap.DataKind {
	case model.KindMarketData:
		_, err := r.fetchAndStageBars(ctx, gap.Symbol, gap.Start, gap.End)
		return err
	case model.KindValuation:
		sessions, err := r.calendarSource().TradingDays(ctx, marketOf(gap.Symbol), gap.Start, gap.End)
		if err != nil {
			return err
		}
		for _, day := range sessions {
			val, err := r.fetchValuation(ctx, gap.Symbol, day)
			if err != nil {
				return err
			}
			if val == nil || !validate.IsValidValuation(val) {
				continue
			}
			if err := r.o.deps.Writer.Stage(ctx, repository.TableValuations, *val); err != nil {
				r.noteStorageErr()
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown gap kind %q", gap.DataKind)
	}
}

// validateRecent scans the last ValidationDays of stored bars and reports
// the valid/total split. It writes nothing.
func (r *run) validateRecent(ctx context.Context, pr *model.PhaseReport) error {
	from := r.targetDate.AddDate(0, 0, -r.o.cfg.ValidationDays)
	records, err := r.o.deps.MarketData.RecentRecords(ctx, defaultFrequency, from, r.targetDate)
	if err != nil {
		return &StorageError{Table: repository.TableMarketData, Err: err}
	}

	valid := 0
	for i := range records {
		pr.Attempted++
		if validate.IsValidBar(&records[i]) {
			valid++
			pr.Succeeded++
		} else {
			pr.Failed++
			r.o.logger.Warn("Stored bar failed validation",
				zap.String("symbol", records[i].Symbol),
				zap.Time("date", records[i].Date))
		}
	}
	r.report.ValidRecords = valid
	r.report.TotalRecords = len(records)
	return nil
}

// pendingSymbols builds a phase worklist: active non-index symbols minus
// those already completed for this target date, after reclaiming stale
// processing locks.
func (r *run) pendingSymbols(ctx context.Context, phase model.Phase) ([]string, error) {
	if _, err := r.tracker.ReclaimStale(ctx, phase); err != nil {
		return nil, err
	}
	candidates, err := r.activeSymbols(ctx)
	if err != nil {
		return nil, err
	}
	return r.tracker.Worklist(ctx, phase, candidates)
}

const activeSymbolsCacheKey = "stocks:active"

func (r *run) activeSymbols(ctx context.Context) ([]string, error) {
	c := r.o.deps.Cache
	if c != nil {
		if v, ok := c.Get(activeSymbolsCacheKey); ok {
			return v.([]string), nil
		}
	}
	all, err := r.o.deps.Stocks.ActiveSymbols(ctx)
	if err != nil {
		return nil, &StorageError{Table: "stocks", Err: err}
	}
	symbols := make([]string, 0, len(all))
	for _, s := range all {
		if validate.IsIndexCode(s) {
			continue
		}
		symbols = append(symbols, s)
	}
	if c != nil {
		c.Put(activeSymbolsCacheKey, symbols, int64(len(symbols)*16), r.o.cacheCfg.StockTTL)
	}
	return symbols, nil
}

func calendarCacheKey(market string) string {
	return "calendar:" + market
}

func lastSyncCacheKey(symbol string) string {
	return "lastsync:" + symbol
}

// lastSyncedDate reads the symbol's last stored bar date through the cache.
// The short TTL keeps repeated worklist scans off the market_data table.
func (r *run) lastSyncedDate(ctx context.Context, symbol string) (*time.Time, error) {
	c := r.o.deps.Cache
	key := lastSyncCacheKey(symbol)
	if c != nil {
		if v, ok := c.Get(key); ok {
			return v.(*time.Time), nil
		}
	}
	last, err := r.o.deps.MarketData.LastSyncedDate(ctx, symbol, defaultFrequency)
	if err != nil {
		return nil, err
	}
	if c != nil {
		c.Put(key, last, int64(len(key))+24, r.o.cacheCfg.LastSyncTTL)
	}
	return last, nil
}

// calendarSource wraps the calendar store with the in-process cache. The
// gap phase hits the calendar once per symbol; TTL caching keeps that from
// hammering the table.
func (r *run) calendarSource() SessionCalendar {
	return cachedCalendar{r: r}
}

type cachedCalendar struct {
	r *run
}

type calendarSpan struct {
	from, to time.Time
	days     []time.Time
}

func (c cachedCalendar) TradingDays(ctx context.Context, market string, from, to time.Time) ([]time.Time, error) {
	mgr := c.r.o.deps.Cache
	key := calendarCacheKey(market)
	if mgr != nil {
		if v, ok := mgr.Get(key); ok {
			span := v.(calendarSpan)
			if !from.Before(span.from) && !to.After(span.to) {
				return sliceSpan(span.days, from, to), nil
			}
		}
	}
	days, err := c.r.o.deps.Calendar.TradingDays(ctx, market, from, to)
	if err != nil {
		return nil, &StorageError{Table: "trading_calendar", Err: err}
	}
	if mgr != nil {
		mgr.Put(key, calendarSpan{from: from, to: to, days: days}, int64(len(days)*24), c.r.o.cacheCfg.CalendarTTL)
	}
	return days, nil
}

func sliceSpan(days []time.Time, from, to time.Time) []time.Time {
	out := make([]time.Time, 0, len(days))
	for _, d := range days {
		if d.Before(from) || d.After(to) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func applyTally(pr *model.PhaseReport, t *Tally) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr.Attempted += t.Attempted
	pr.Succeeded += t.Succeeded
	pr.Failed += t.Failed
	pr.Skipped += t.Skipped
}

const defaultFrequency = "1d"

// latestReportPeriod returns the latest quarter end on or before t.
func latestReportPeriod(t time.Time) time.Time {
	year := t.Year()
	ends := []time.Time{
		time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC),
		time.Date(year, 9, 30, 0, 0, 0, 0, time.UTC),
		time.Date(year, 6, 30, 0, 0, 0, 0, time.UTC),
		time.Date(year, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	for _, end := range ends {
		if !end.After(t) {
			return end
		}
	}
	return time.Date(year-1, 12, 31, 0, 0, 0, 0, time.UTC)
}

func marketOf(symbol string) string {
	if i := strings.LastIndexByte(symbol, '.'); i >= 0 {
		return symbol[i+1:]
	}
	return ""
}
