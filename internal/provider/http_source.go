package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kay-ou/SimTradeData/internal/model"

	"go.uber.org/zap"
)

const defaultFetchTimeout = 30 * time.Second

// HTTPSource is a DataSource backed by a quote-gateway HTTP API. Both of the
// deployed gateways (the exchange feed and the fundamentals feed) speak the
// same endpoint shape, so one client type covers them; capability flags and
// priority come from configuration.
type HTTPSource struct {
	name       string
	baseURL    string
	priority   int
	exclusive  bool
	caps       Capabilities
	httpClient *http.Client
	logger     *zap.Logger
}

// HTTPSourceOptions configures one gateway instance.
type HTTPSourceOptions struct {
	Name         string
	BaseURL      string
	Priority     int
	Exclusive    bool
	Capabilities Capabilities
	Timeout      time.Duration
}

// NewHTTPSource creates a quote-gateway client.
func NewHTTPSource(opts HTTPSourceOptions, logger *zap.Logger) *HTTPSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &HTTPSource{
		name:      opts.Name,
		baseURL:   opts.BaseURL,
		priority:  opts.Priority,
		exclusive: opts.Exclusive,
		caps:      opts.Capabilities,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (s *HTTPSource) Name() string               { return s.name }
func (s *HTTPSource) Priority() int              { return s.priority }
func (s *HTTPSource) Exclusive() bool            { return s.exclusive }
func (s *HTTPSource) Capabilities() Capabilities { return s.caps }

// Connect is a no-op for HTTP gateways; the health probe validates
// reachability.
func (s *HTTPSource) Connect(ctx context.Context) error { return s.Ping(ctx) }

func (s *HTTPSource) Close() error { return nil }

// Ping hits the gateway health endpoint.
func (s *HTTPSource) Ping(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := s.getJSON(ctx, "/health", nil, &out); err != nil {
		return err
	}
	if out.Status != "ok" && out.Status != "healthy" {
		return &TransientError{Provider: s.name, Op: "ping",
			Err: fmt.Errorf("gateway reported status %q", out.Status)}
	}
	return nil
}

// dailyRow is the gateway's wire format for one bar.
type dailyRow struct {
	Date      string  `json:"date"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Amount    float64 `json:"amount"`
	PctChange float64 `json:"pct_change"`
}

// FetchDaily retrieves daily bars for one symbol within [from, to].
func (s *HTTPSource) FetchDaily(ctx context.Context, symbol string, from, to time.Time) (DailyResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("start", from.Format("2006-01-02"))
	params.Set("end", to.Format("2006-01-02"))

	var out struct {
		Code    int        `json:"code"`
		Message string     `json:"message"`
		Data    []dailyRow `json:"data"`
	}
	if err := s.getJSON(ctx, "/api/v1/daily", params, &out); err != nil {
		return DailyResult{}, err
	}

	// Gateway code 404 is the provider's explicit "no data" answer for
	// unlisted or suspended symbols; it does not count against health.
	if out.Code == 404 || (out.Code == 0 && len(out.Data) == 0) {
		return DailyResult{NoData: true, Reason: out.Message}, nil
	}
	if out.Code != 0 {
		return DailyResult{}, &TransientError{Provider: s.name, Op: "daily",
			Err: fmt.Errorf("gateway code %d: %s", out.Code, out.Message)}
	}

	rows := make([]model.MarketRecord, 0, len(out.Data))
	for i, raw := range out.Data {
		d, err := time.Parse("2006-01-02", raw.Date)
		if err != nil {
			return DailyResult{}, &ShapeError{Provider: s.name, Op: "daily",
				Detail: fmt.Sprintf("row %d: bad date %q", i, raw.Date)}
		}
		rows = append(rows, model.MarketRecord{
			Symbol:       symbol,
			Date:         d,
			Frequency:    "1d",
			Open:         raw.Open,
			High:         raw.High,
			Low:          raw.Low,
			Close:        raw.Close,
			Volume:       raw.Volume,
			Amount:       raw.Amount,
			PctChange:    raw.PctChange,
			Source:       s.name,
			QualityScore: 100,
		})
	}
	return DailyResult{Rows: rows}, nil
}

type financialRow struct {
	Symbol             string   `json:"symbol"`
	ReportDate         string   `json:"report_date"`
	ReportType         string   `json:"report_type"`
	Revenue            *float64 `json:"revenue"`
	NetProfit          *float64 `json:"net_profit"`
	TotalAssets        *float64 `json:"total_assets"`
	ShareholdersEquity *float64 `json:"shareholders_equity"`
}

func (r financialRow) toModel(source string, fallbackSymbol string) (model.FinancialRecord, error) {
	sym := r.Symbol
	if sym == "" {
		sym = fallbackSymbol
	}
	d, err := time.Parse("2006-01-02", r.ReportDate)
	if err != nil {
		return model.FinancialRecord{}, fmt.Errorf("bad report_date %q", r.ReportDate)
	}
	rt := r.ReportType
	if rt == "" {
		rt = "Q4"
	}
	return model.FinancialRecord{
		Symbol:             sym,
		ReportDate:         d,
		ReportType:         rt,
		Revenue:            r.Revenue,
		NetProfit:          r.NetProfit,
		TotalAssets:        r.TotalAssets,
		ShareholdersEquity: r.ShareholdersEquity,
		Source:             source,
	}, nil
}

// FetchFinancial retrieves one symbol's financial snapshot for a reporting
// period.
func (s *HTTPSource) FetchFinancial(ctx context.Context, symbol string, reportDate time.Time) (FinancialResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("report_date", reportDate.Format("2006-01-02"))

	var out struct {
		Code    int           `json:"code"`
		Message string        `json:"message"`
		Data    *financialRow `json:"data"`
	}
	if err := s.getJSON(ctx, "/api/v1/fundamentals", params, &out); err != nil {
		return FinancialResult{}, err
	}
	if out.Code == 404 || out.Data == nil {
		return FinancialResult{NoData: true, Reason: out.Message}, nil
	}
	if out.Code != 0 {
		return FinancialResult{}, &TransientError{Provider: s.name, Op: "fundamentals",
			Err: fmt.Errorf("gateway code %d: %s", out.Code, out.Message)}
	}

	rec, err := out.Data.toModel(s.name, symbol)
	if err != nil {
		return FinancialResult{}, &ShapeError{Provider: s.name, Op: "fundamentals", Detail: err.Error()}
	}
	return FinancialResult{Row: &rec}, nil
}

// FetchBulkFinancial retrieves the full-market financial snapshot for one
// reporting period in a single call.
func (s *HTTPSource) FetchBulkFinancial(ctx context.Context, reportDate time.Time) (BulkFinancialResult, error) {
	params := url.Values{}
	params.Set("report_date", reportDate.Format("2006-01-02"))

	var out struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    []financialRow `json:"data"`
	}
	if err := s.getJSON(ctx, "/api/v1/fundamentals/bulk", params, &out); err != nil {
		return BulkFinancialResult{}, err
	}
	if out.Code == 404 || len(out.Data) == 0 {
		return BulkFinancialResult{NoData: true, Reason: out.Message}, nil
	}
	if out.Code != 0 {
		return BulkFinancialResult{}, &TransientError{Provider: s.name, Op: "bulk-fundamentals",
			Err: fmt.Errorf("gateway code %d: %s", out.Code, out.Message)}
	}

	rows := make(map[string]model.FinancialRecord, len(out.Data))
	for i, raw := range out.Data {
		if raw.Symbol == "" {
			return BulkFinancialResult{}, &ShapeError{Provider: s.name, Op: "bulk-fundamentals",
				Detail: fmt.Sprintf("row %d: missing symbol", i)}
		}
		rec, err := raw.toModel(s.name, raw.Symbol)
		if err != nil {
			s.logger.Warn("Skipping malformed bulk financial row",
				zap.String("symbol", raw.Symbol),
				zap.String("error", err.Error()))
			continue
		}
		rows[rec.Symbol] = rec
	}
	return BulkFinancialResult{Rows: rows}, nil
}

// FetchValuation retrieves daily valuation ratios for one symbol.
func (s *HTTPSource) FetchValuation(ctx context.Context, symbol string, date time.Time) (ValuationResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("date", date.Format("2006-01-02"))

	var out struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    *struct {
			PERatio *float64 `json:"pe_ratio"`
			PBRatio *float64 `json:"pb_ratio"`
			PSRatio *float64 `json:"ps_ratio"`
		} `json:"data"`
	}
	if err := s.getJSON(ctx, "/api/v1/valuation", params, &out); err != nil {
		return ValuationResult{}, err
	}
	if out.Code == 404 || out.Data == nil {
		return ValuationResult{NoData: true, Reason: out.Message}, nil
	}
	if out.Code != 0 {
		return ValuationResult{}, &TransientError{Provider: s.name, Op: "valuation",
			Err: fmt.Errorf("gateway code %d: %s", out.Code, out.Message)}
	}

	return ValuationResult{Row: &model.ValuationRecord{
		Symbol:  symbol,
		Date:    date,
		PERatio: out.Data.PERatio,
		PBRatio: out.Data.PBRatio,
		PSRatio: out.Data.PSRatio,
		Source:  s.name,
	}}, nil
}

// FetchCalendar retrieves the trading calendar within [from, to].
func (s *HTTPSource) FetchCalendar(ctx context.Context, from, to time.Time) ([]model.TradingDay, error) {
	params := url.Values{}
	params.Set("start", from.Format("2006-01-02"))
	params.Set("end", to.Format("2006-01-02"))

	var out struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    []struct {
			Date      string `json:"date"`
			Market    string `json:"market"`
			IsTrading int    `json:"is_trading"`
		} `json:"data"`
	}
	if err := s.getJSON(ctx, "/api/v1/calendar", params, &out); err != nil {
		return nil, err
	}
	if out.Code != 0 {
		return nil, &TransientError{Provider: s.name, Op: "calendar",
			Err: fmt.Errorf("gateway code %d: %s", out.Code, out.Message)}
	}

	days := make([]model.TradingDay, 0, len(out.Data))
	for i, raw := range out.Data {
		d, err := time.Parse("2006-01-02", raw.Date)
		if err != nil {
			return nil, &ShapeError{Provider: s.name, Op: "calendar",
				Detail: fmt.Sprintf("row %d: bad date %q", i, raw.Date)}
		}
		market := raw.Market
		if market == "" {
			market = "CN"
		}
		days = append(days, model.TradingDay{
			Date:      d,
			Market:    market,
			IsTrading: raw.IsTrading != 0,
		})
	}
	return days, nil
}

// FetchStockList retrieves the current security master.
func (s *HTTPSource) FetchStockList(ctx context.Context) ([]model.Stock, error) {
	var out struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    []struct {
			Symbol      string `json:"symbol"`
			Name        string `json:"name"`
			Market      string `json:"market"`
			ListingDate string `json:"listing_date"`
			Status      string `json:"status"`
		} `json:"data"`
	}
	if err := s.getJSON(ctx, "/api/v1/stocks", nil, &out); err != nil {
		return nil, err
	}
	if out.Code != 0 {
		return nil, &TransientError{Provider: s.name, Op: "stocks",
			Err: fmt.Errorf("gateway code %d: %s", out.Code, out.Message)}
	}

	stocks := make([]model.Stock, 0, len(out.Data))
	for _, raw := range out.Data {
		st := model.Stock{
			Symbol: raw.Symbol,
			Name:   raw.Name,
			Market: raw.Market,
			Status: raw.Status,
		}
		if st.Status == "" {
			st.Status = model.StockActive
		}
		if raw.ListingDate != "" {
			if d, err := time.Parse("2006-01-02", raw.ListingDate); err == nil {
				st.ListingDate = &d
			}
		}
		stocks = append(stocks, st)
	}
	return stocks, nil
}

// getJSON performs one GET against the gateway and decodes the response.
// Transport failures and non-200 statuses are classified transient; decode
// failures are shape errors.
func (s *HTTPSource) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL = reqURL + "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error("Gateway request failed",
			zap.String("provider", s.name),
			zap.String("path", path),
			zap.Error(err))
		return &TransientError{Provider: s.name, Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		s.logger.Error("Gateway error response",
			zap.String("provider", s.name),
			zap.String("path", path),
			zap.Int("statusCode", resp.StatusCode),
			zap.String("response", string(bodyBytes)))
		return &TransientError{Provider: s.name, Op: path,
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ShapeError{Provider: s.name, Op: path, Detail: err.Error()}
	}
	return nil
}
