package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kay-ou/SimTradeData/internal/model"
	"github.com/kay-ou/SimTradeData/internal/provider"
)

// EntityOutcome classifies how one symbol fared within a phase.
type EntityOutcome int

const (
	OutcomeSucceeded EntityOutcome = iota
	OutcomeFailed
	OutcomeSkipped
)

// Tally aggregates per-entity outcomes for one phase. Safe for concurrent
// workers.
type Tally struct {
	mu        sync.Mutex
	Attempted int
	Succeeded int
	Failed    int
	Skipped   int
}

func (t *Tally) add(o EntityOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Attempted++
	switch o {
	case OutcomeSucceeded:
		t.Succeeded++
	case OutcomeFailed:
		t.Failed++
	case OutcomeSkipped:
		t.Skipped++
	}
}

// UseBulk decides between one bulk snapshot call and per-symbol calls:
// bulk pays off once the pending worklist or the total universe crosses
// its threshold, and is only an option when the provider supports it.
func UseBulk(pending, total, pendingMin, totalMin int, supportsBulk bool) bool {
	if !supportsBulk {
		return false
	}
	return pending >= pendingMin || total >= totalMin
}

// SnapshotStrategy executes the extended-data phase over a worklist.
type SnapshotStrategy interface {
	Name() string
	Run(ctx context.Context, symbols []string, reportDate time.Time) (*Tally, error)
}

// BulkSnapshotSource is the bulk slice of a provider session.
type BulkSnapshotSource interface {
	FetchBulkFinancial(ctx context.Context, reportDate time.Time) (provider.BulkFinancialResult, error)
}

// PrefetchedHandler settles one symbol given its row from a bulk snapshot.
// A nil row means the snapshot had nothing for the symbol.
type PrefetchedHandler func(ctx context.Context, symbol string, row *model.FinancialRecord) EntityOutcome

// EntityHandler settles one symbol end to end, fetching its own data.
type EntityHandler func(ctx context.Context, symbol string) EntityOutcome

type bulkStrategy struct {
	source BulkSnapshotSource
	handle PrefetchedHandler
	retry  *RetryPolicy
	logger *zap.Logger
}

// NewBulkStrategy fetches one snapshot covering the whole worklist, then
// settles each symbol from it. A snapshot fetch failure is returned to the
// caller so the per-entity path can take over.
func NewBulkStrategy(source BulkSnapshotSource, handle PrefetchedHandler, retry *RetryPolicy, logger *zap.Logger) SnapshotStrategy {
	return &bulkStrategy{source: source, handle: handle, retry: retry, logger: logger}
}

func (s *bulkStrategy) Name() string { return "bulk" }

func (s *bulkStrategy) Run(ctx context.Context, symbols []string, reportDate time.Time) (*Tally, error) {
	var res provider.BulkFinancialResult
	err := s.retry.Do(ctx, func() error {
		r, err := s.source.FetchBulkFinancial(ctx, reportDate)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.NoData {
		s.logger.Info("Bulk snapshot reported no data",
			zap.String("reason", res.Reason),
			zap.Time("report_date", reportDate))
	}

	tally := &Tally{}
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			break
		}
		var row *model.FinancialRecord
		if r, ok := res.Rows[symbol]; ok {
			rr := r
			row = &rr
		}
		tally.add(s.handle(ctx, symbol, row))
	}
	return tally, nil
}

type perEntityStrategy struct {
	handle  EntityHandler
	workers int
	logger  *zap.Logger
}

// NewPerEntityStrategy settles every symbol independently through a
// bounded worker pool.
func NewPerEntityStrategy(handle EntityHandler, workers int, logger *zap.Logger) SnapshotStrategy {
	if workers <= 0 {
		workers = 1
	}
	return &perEntityStrategy{handle: handle, workers: workers, logger: logger}
}

func (s *perEntityStrategy) Name() string { return "per_entity" }

func (s *perEntityStrategy) Run(ctx context.Context, symbols []string, _ time.Time) (*Tally, error) {
	tally := &Tally{}
	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range jobs {
				tally.add(s.handle(ctx, symbol))
			}
		}()
	}
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			break
		}
		jobs <- symbol
	}
	close(jobs)
	wg.Wait()
	return tally, nil
}
