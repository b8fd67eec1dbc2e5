package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kay-ou/SimTradeData/internal/model"

	"go.uber.org/zap"
)

// fakeSource is a hand-rolled DataSource for connection-layer tests.
type fakeSource struct {
	name      string
	priority  int
	exclusive bool
	caps      Capabilities

	connects  atomic.Int64
	closes    atomic.Int64
	pings     atomic.Int64
	pingErr   atomic.Value // error
	connecErr error
}

func (f *fakeSource) Name() string               { return f.name }
func (f *fakeSource) Priority() int              { return f.priority }
func (f *fakeSource) Exclusive() bool            { return f.exclusive }
func (f *fakeSource) Capabilities() Capabilities { return f.caps }

func (f *fakeSource) Connect(ctx context.Context) error {
	if f.connecErr != nil {
		return f.connecErr
	}
	f.connects.Add(1)
	return nil
}

func (f *fakeSource) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *fakeSource) Ping(ctx context.Context) error {
	f.pings.Add(1)
	if v := f.pingErr.Load(); v != nil {
		if err, ok := v.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) FetchDaily(context.Context, string, time.Time, time.Time) (DailyResult, error) {
	return DailyResult{}, nil
}
func (f *fakeSource) FetchFinancial(context.Context, string, time.Time) (FinancialResult, error) {
	return FinancialResult{}, nil
}
func (f *fakeSource) FetchBulkFinancial(context.Context, time.Time) (BulkFinancialResult, error) {
	return BulkFinancialResult{}, nil
}
func (f *fakeSource) FetchValuation(context.Context, string, time.Time) (ValuationResult, error) {
	return ValuationResult{}, nil
}
func (f *fakeSource) FetchCalendar(context.Context, time.Time, time.Time) ([]model.TradingDay, error) {
	return nil, nil
}
func (f *fakeSource) FetchStockList(context.Context) ([]model.Stock, error) {
	return nil, nil
}

func newTestManager(lockTimeout time.Duration) *Manager {
	return NewManager(ManagerConfig{
		SessionTimeout:      time.Hour,
		HealthCheckInterval: time.Hour,
		LockTimeout:         lockTimeout,
	}, zap.NewNop())
}

func TestManagerAcquire(t *testing.T) {
	t.Run("unknown provider", func(t *testing.T) {
		m := newTestManager(time.Second)
		if _, err := m.Acquire(context.Background(), "nope"); !errors.Is(err, ErrUnknownProvider) {
			t.Fatalf("err = %v, want ErrUnknownProvider", err)
		}
	})

	t.Run("connects lazily once", func(t *testing.T) {
		m := newTestManager(time.Second)
		src := &fakeSource{name: "quotes"}
		m.Register(src)

		for i := 0; i < 3; i++ {
			s, err := m.Acquire(context.Background(), "quotes")
			if err != nil {
				t.Fatalf("acquire %d: %v", i, err)
			}
			s.Release()
		}
		if got := src.connects.Load(); got != 1 {
			t.Errorf("connects = %d, want 1 (session reuse)", got)
		}
	})

	t.Run("connect failure is transient", func(t *testing.T) {
		m := newTestManager(time.Second)
		src := &fakeSource{name: "quotes", connecErr: errors.New("refused")}
		m.Register(src)

		_, err := m.Acquire(context.Background(), "quotes")
		if !IsTransient(err) {
			t.Fatalf("err = %v, want transient", err)
		}
	})
}

func TestManagerExclusiveLock(t *testing.T) {
	m := newTestManager(50 * time.Millisecond)
	src := &fakeSource{name: "legacy", exclusive: true}
	m.Register(src)

	first, err := m.Acquire(context.Background(), "legacy")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// Second acquisition must hit the bounded wait and fail with ErrBusy.
	if _, err := m.Acquire(context.Background(), "legacy"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second acquire err = %v, want ErrBusy", err)
	}

	first.Release()

	second, err := m.Acquire(context.Background(), "legacy")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	second.Release()

	// Release is idempotent on all exit paths.
	second.Release()

	if _, timeouts := m.Stats(); timeouts != 1 {
		t.Errorf("lock timeouts = %d, want 1", timeouts)
	}
}

func TestManagerHealthCheckTearsDown(t *testing.T) {
	m := NewManager(ManagerConfig{
		SessionTimeout:      time.Hour,
		HealthCheckInterval: 1, // nanosecond: probe on every acquire
		LockTimeout:         time.Second,
	}, zap.NewNop())
	src := &fakeSource{name: "quotes"}
	m.Register(src)

	s, err := m.Acquire(context.Background(), "quotes")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	s.Release()

	// Fail the probe: next acquisition tears down and reconnects.
	src.pingErr.Store(errors.New("stale session"))
	time.Sleep(2 * time.Millisecond)
	src.pingErr.Store(errors.New("stale session"))

	s2, err := m.Acquire(context.Background(), "quotes")
	if err != nil {
		t.Fatalf("acquire after failed probe: %v", err)
	}
	s2.Release()

	if got := src.closes.Load(); got < 1 {
		t.Errorf("closes = %d, want >= 1 (teardown after failed probe)", got)
	}
	if got := src.connects.Load(); got < 2 {
		t.Errorf("connects = %d, want >= 2 (lazy reconnect)", got)
	}
}

func TestManagerByCapability(t *testing.T) {
	m := newTestManager(time.Second)
	m.Register(&fakeSource{name: "b", priority: 2, caps: Capabilities{DailyBars: true}})
	m.Register(&fakeSource{name: "a", priority: 1, caps: Capabilities{DailyBars: true, BulkFinancialSnapshot: true}})
	m.Register(&fakeSource{name: "c", priority: 3, caps: Capabilities{Valuation: true}})

	daily := m.ByCapability(func(c Capabilities) bool { return c.DailyBars })
	if len(daily) != 2 || daily[0].Name() != "a" || daily[1].Name() != "b" {
		t.Fatalf("daily providers = %v, want [a b] by priority", names(daily))
	}

	bulk := m.ByCapability(func(c Capabilities) bool { return c.BulkFinancialSnapshot })
	if len(bulk) != 1 || bulk[0].Name() != "a" {
		t.Fatalf("bulk providers = %v, want [a]", names(bulk))
	}
}

func names(srcs []DataSource) []string {
	out := make([]string, len(srcs))
	for i, s := range srcs {
		out[i] = s.Name()
	}
	return out
}
