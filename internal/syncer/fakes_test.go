package syncer

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kay-ou/SimTradeData/internal/model"
	"github.com/kay-ou/SimTradeData/internal/provider"
	"github.com/kay-ou/SimTradeData/internal/repository"
)

const dayFmt = "2006-01-02"

// memStatus is an in-memory StatusStore with the same conditional-claim
// semantics as the SQL implementation.
type memStatus struct {
	mu      sync.Mutex
	rows    map[string]*model.SyncPhaseStatus
	targets map[string]time.Time
}

func newMemStatus() *memStatus {
	return &memStatus{
		rows:    make(map[string]*model.SyncPhaseStatus),
		targets: make(map[string]time.Time),
	}
}

func statusKey(symbol string, phase model.Phase) string {
	return symbol + "|" + string(phase)
}

func (m *memStatus) Pending(_ context.Context, phase model.Phase, targetDate time.Time, candidates []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, sym := range candidates {
		key := statusKey(sym, phase)
		row, ok := m.rows[key]
		if ok && row.State == model.StateCompleted && m.targets[key].Equal(targetDate) {
			continue
		}
		out = append(out, sym)
	}
	return out, nil
}

func (m *memStatus) MarkProcessing(_ context.Context, phase model.Phase, symbol, sessionID string, targetDate, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := statusKey(symbol, phase)
	if row, ok := m.rows[key]; ok && row.State == model.StateProcessing {
		if row.StartedAt != nil && !row.StartedAt.Before(staleBefore) {
			return false, nil
		}
	}
	now := time.Now()
	m.rows[key] = &model.SyncPhaseStatus{
		Symbol:    symbol,
		Phase:     phase,
		State:     model.StateProcessing,
		SessionID: sessionID,
		StartedAt: &now,
	}
	m.targets[key] = targetDate
	return true, nil
}

func (m *memStatus) MarkCompleted(_ context.Context, phase model.Phase, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := statusKey(symbol, phase)
	now := time.Now()
	if row, ok := m.rows[key]; ok {
		row.State = model.StateCompleted
		row.CompletedAt = &now
		return nil
	}
	m.rows[key] = &model.SyncPhaseStatus{Symbol: symbol, Phase: phase, State: model.StateCompleted, CompletedAt: &now}
	return nil
}

func (m *memStatus) MarkFailed(_ context.Context, phase model.Phase, symbol, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := statusKey(symbol, phase)
	if row, ok := m.rows[key]; ok {
		row.State = model.StateFailed
		row.LastError = errText
		return nil
	}
	m.rows[key] = &model.SyncPhaseStatus{Symbol: symbol, Phase: phase, State: model.StateFailed, LastError: errText}
	return nil
}

func (m *memStatus) ReclaimStale(_ context.Context, phase model.Phase, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.rows {
		if row.Phase == phase && row.State == model.StateProcessing && row.StartedAt != nil && row.StartedAt.Before(olderThan) {
			row.State = model.StatePending
			n++
		}
	}
	return n, nil
}

func (m *memStatus) stateOf(symbol string, phase model.Phase) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[statusKey(symbol, phase)]; ok {
		return row.State
	}
	return ""
}

func (m *memStatus) countCompleted(phase model.Phase) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.rows {
		if row.Phase == phase && row.State == model.StateCompleted {
			n++
		}
	}
	return n
}

// memStocks is an in-memory StockStore.
type memStocks struct {
	mu     sync.Mutex
	stocks map[string]model.Stock
}

func newMemStocks(symbols ...string) *memStocks {
	m := &memStocks{stocks: make(map[string]model.Stock)}
	for _, s := range symbols {
		m.stocks[s] = model.Stock{Symbol: s, Status: model.StockActive}
	}
	return m
}

func (m *memStocks) ActiveSymbols(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for s, st := range m.stocks {
		if st.Status == model.StockActive {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStocks) ListingDate(_ context.Context, symbol string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.stocks[symbol]; ok {
		return st.ListingDate, nil
	}
	return nil, nil
}

func (m *memStocks) UpsertStocks(_ context.Context, stocks []model.Stock) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted, updated := 0, 0
	for _, s := range stocks {
		if _, ok := m.stocks[s.Symbol]; ok {
			updated++
		} else {
			inserted++
		}
		m.stocks[s.Symbol] = s
	}
	return inserted, updated, nil
}

func (m *memStocks) has(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stocks[symbol]
	return ok
}

// memCalendar is an in-memory CalendarStore.
type memCalendar struct {
	mu   sync.Mutex
	days map[string]map[string]bool
}

func newMemCalendar() *memCalendar {
	return &memCalendar{days: make(map[string]map[string]bool)}
}

func (m *memCalendar) seed(market string, days []time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.days[market] == nil {
		m.days[market] = make(map[string]bool)
	}
	for _, d := range days {
		m.days[market][d.Format(dayFmt)] = true
	}
}

func (m *memCalendar) TradingDays(_ context.Context, market string, from, to time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Time
	for key, trading := range m.days[market] {
		if !trading {
			continue
		}
		d, _ := time.Parse(dayFmt, key)
		if d.Before(from) || d.After(to) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *memCalendar) YearSpan(_ context.Context, market string) (int, int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	minY, maxY := 0, 0
	for key := range m.days[market] {
		d, _ := time.Parse(dayFmt, key)
		if minY == 0 || d.Year() < minY {
			minY = d.Year()
		}
		if d.Year() > maxY {
			maxY = d.Year()
		}
	}
	return minY, maxY, maxY != 0, nil
}

func (m *memCalendar) UpsertDays(_ context.Context, days []model.TradingDay) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range days {
		if m.days[d.Market] == nil {
			m.days[d.Market] = make(map[string]bool)
		}
		m.days[d.Market][d.Date.Format(dayFmt)] = d.IsTrading
	}
	return len(days), nil
}

// memData is a combined in-memory data store and row writer: staged rows
// become immediately visible to reads, keyed for upsert idempotence.
type memData struct {
	mu              sync.Mutex
	bars            map[string]map[string]model.MarketRecord
	vals            map[string]map[string]model.ValuationRecord
	fins            map[string]model.FinancialRecord
	lastSyncedCalls map[string]int
}

func newMemData() *memData {
	return &memData{
		bars:            make(map[string]map[string]model.MarketRecord),
		vals:            make(map[string]map[string]model.ValuationRecord),
		fins:            make(map[string]model.FinancialRecord),
		lastSyncedCalls: make(map[string]int),
	}
}

func (m *memData) Stage(_ context.Context, table string, row interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch table {
	case repository.TableMarketData:
		r := row.(model.MarketRecord)
		if m.bars[r.Symbol] == nil {
			m.bars[r.Symbol] = make(map[string]model.MarketRecord)
		}
		m.bars[r.Symbol][r.Date.Format(dayFmt)] = r
	case repository.TableValuations:
		r := row.(model.ValuationRecord)
		if m.vals[r.Symbol] == nil {
			m.vals[r.Symbol] = make(map[string]model.ValuationRecord)
		}
		m.vals[r.Symbol][r.Date.Format(dayFmt)] = r
	case repository.TableFinancials:
		r := row.(model.FinancialRecord)
		m.fins[r.Symbol+"|"+r.ReportDate.Format(dayFmt)] = r
	}
	return nil
}

func (m *memData) Flush(context.Context, string) (int, error)       { return 0, nil }
func (m *memData) FlushAll(context.Context) (map[string]int, error) { return nil, nil }

func (m *memData) StoredDates(_ context.Context, symbol, _ string, from, to time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Time
	for key := range m.bars[symbol] {
		d, _ := time.Parse(dayFmt, key)
		if d.Before(from) || d.After(to) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *memData) LastSyncedDate(_ context.Context, symbol, _ string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSyncedCalls[symbol]++
	var last *time.Time
	for key := range m.bars[symbol] {
		d, _ := time.Parse(dayFmt, key)
		if last == nil || d.After(*last) {
			dd := d
			last = &dd
		}
	}
	return last, nil
}

func (m *memData) RecentRecords(_ context.Context, _ string, from, to time.Time) ([]model.MarketRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.MarketRecord
	for _, days := range m.bars {
		for key, r := range days {
			d, _ := time.Parse(dayFmt, key)
			if d.Before(from) || d.After(to) {
				continue
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memData) StoredValuationDates(_ context.Context, symbol string, from, to time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Time
	for key := range m.vals[symbol] {
		d, _ := time.Parse(dayFmt, key)
		if d.Before(from) || d.After(to) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *memData) barCount(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bars[symbol])
}

func (m *memData) financialCount(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.fins {
		if strings.HasPrefix(key, symbol+"|") {
			n++
		}
	}
	return n
}

func (m *memData) lastSyncedCallsFor(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSyncedCalls[symbol]
}

// memFinancials is an in-memory FinancialStore.
type memFinancials struct {
	have map[string]bool
}

func (m *memFinancials) SymbolsWithFinancials(_ context.Context, symbols []string, _ time.Time) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, s := range symbols {
		if m.have[s] {
			out[s] = true
		}
	}
	return out, nil
}

// stubSource is a configurable in-memory DataSource.
type stubSource struct {
	name     string
	priority int
	caps     provider.Capabilities

	mu         sync.Mutex
	dailyCalls map[string]int
	finCalls   map[string]int
	bulkCalls  int

	calendar   []model.TradingDay
	calErr     error
	stocks     []model.Stock
	dailyErr   map[string]error
	dailyEmpty bool
	bulkErr    error
	bulkRows   map[string]model.FinancialRecord
	finRow     func(symbol string) *model.FinancialRecord
	valRow     func(symbol string) *model.ValuationRecord
}

func newStubSource(name string, caps provider.Capabilities) *stubSource {
	return &stubSource{
		name:       name,
		caps:       caps,
		dailyCalls: make(map[string]int),
		finCalls:   make(map[string]int),
		dailyErr:   make(map[string]error),
	}
}

func (s *stubSource) Name() string    { return s.name }
func (s *stubSource) Priority() int   { return s.priority }
func (s *stubSource) Exclusive() bool { return false }

func (s *stubSource) Capabilities() provider.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

func (s *stubSource) Connect(context.Context) error { return nil }
func (s *stubSource) Close() error                  { return nil }
func (s *stubSource) Ping(context.Context) error    { return nil }

func (s *stubSource) FetchDaily(_ context.Context, symbol string, from, to time.Time) (provider.DailyResult, error) {
	s.mu.Lock()
	s.dailyCalls[symbol]++
	err := s.dailyErr[symbol]
	empty := s.dailyEmpty
	cal := s.calendar
	s.mu.Unlock()
	if err != nil {
		return provider.DailyResult{}, err
	}
	if empty {
		return provider.DailyResult{NoData: true, Reason: "no quotes"}, nil
	}
	var rows []model.MarketRecord
	for _, d := range cal {
		if !d.IsTrading || d.Market != marketOf(symbol) || d.Date.Before(from) || d.Date.After(to) {
			continue
		}
		rows = append(rows, model.MarketRecord{
			Symbol: symbol, Date: d.Date, Frequency: "1d",
			Open: 10, High: 11, Low: 9.5, Close: 10.5, Volume: 1000, Source: s.name,
		})
	}
	if len(rows) == 0 {
		return provider.DailyResult{NoData: true, Reason: "no sessions in range"}, nil
	}
	return provider.DailyResult{Rows: rows}, nil
}

func (s *stubSource) FetchFinancial(_ context.Context, symbol string, _ time.Time) (provider.FinancialResult, error) {
	s.mu.Lock()
	s.finCalls[symbol]++
	fn := s.finRow
	s.mu.Unlock()
	if fn == nil {
		return provider.FinancialResult{NoData: true, Reason: "no report"}, nil
	}
	row := fn(symbol)
	if row == nil {
		return provider.FinancialResult{NoData: true, Reason: "no report"}, nil
	}
	return provider.FinancialResult{Row: row}, nil
}

func (s *stubSource) FetchBulkFinancial(_ context.Context, _ time.Time) (provider.BulkFinancialResult, error) {
	s.mu.Lock()
	s.bulkCalls++
	err := s.bulkErr
	rows := s.bulkRows
	s.mu.Unlock()
	if err != nil {
		return provider.BulkFinancialResult{}, err
	}
	if rows == nil {
		return provider.BulkFinancialResult{NoData: true, Reason: "no bulk report"}, nil
	}
	return provider.BulkFinancialResult{Rows: rows}, nil
}

func (s *stubSource) FetchValuation(_ context.Context, symbol string, date time.Time) (provider.ValuationResult, error) {
	s.mu.Lock()
	fn := s.valRow
	s.mu.Unlock()
	if fn == nil {
		return provider.ValuationResult{NoData: true, Reason: "no valuation"}, nil
	}
	row := fn(symbol)
	if row == nil {
		return provider.ValuationResult{NoData: true, Reason: "no valuation"}, nil
	}
	row.Date = date
	return provider.ValuationResult{Row: row}, nil
}

func (s *stubSource) FetchCalendar(_ context.Context, from, to time.Time) ([]model.TradingDay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calErr != nil {
		return nil, s.calErr
	}
	var out []model.TradingDay
	for _, d := range s.calendar {
		if d.Date.Before(from) || d.Date.After(to) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *stubSource) FetchStockList(context.Context) ([]model.Stock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stocks, nil
}

func (s *stubSource) dailyCallsFor(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dailyCalls[symbol]
}

// stubProviders hands out stub sources without connection bookkeeping.
type stubProviders struct {
	sources []provider.DataSource
}

func (p *stubProviders) ByCapability(want func(provider.Capabilities) bool) []provider.DataSource {
	var out []provider.DataSource
	for _, s := range p.sources {
		if want(s.Capabilities()) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority() < out[j].Priority() })
	return out
}

func (p *stubProviders) Acquire(_ context.Context, name string) (provider.DataSource, func(), error) {
	for _, s := range p.sources {
		if s.Name() == name {
			return s, func() {}, nil
		}
	}
	return nil, nil, provider.ErrUnknownProvider
}

// tradingDays builds n consecutive sessions for both markets ending at
// end.
func tradingDays(end time.Time, n int) []model.TradingDay {
	var out []model.TradingDay
	for i := n - 1; i >= 0; i-- {
		d := end.AddDate(0, 0, -i)
		out = append(out,
			model.TradingDay{Date: d, Market: "SS", IsTrading: true},
			model.TradingDay{Date: d, Market: "SZ", IsTrading: true},
		)
	}
	return out
}
