package model

import (
	"time"
)

// MarketRecord represents one bar of market data for a symbol.
// Primary key is (symbol, date, frequency); writes are upserts so
// re-importing the same bar is idempotent.
type MarketRecord struct {
	Symbol       string    `json:"symbol" db:"symbol"`
	Date         time.Time `json:"date" db:"date"`
	Frequency    string    `json:"frequency" db:"frequency"`
	Open         float64   `json:"open" db:"open"`
	High         float64   `json:"high" db:"high"`
	Low          float64   `json:"low" db:"low"`
	Close        float64   `json:"close" db:"close"`
	Volume       float64   `json:"volume" db:"volume"`
	Amount       float64   `json:"amount" db:"amount"`
	PctChange    float64   `json:"pct_change" db:"pct_change"`
	Source       string    `json:"source" db:"source"`
	QualityScore int       `json:"quality_score" db:"quality_score"`
}

// FinancialRecord is one reporting-period snapshot of headline financials.
// Numeric fields are nullable: providers routinely return partial rows and
// the lenient validity rule only requires one headline metric to be set.
type FinancialRecord struct {
	Symbol             string    `json:"symbol" db:"symbol"`
	ReportDate         time.Time `json:"report_date" db:"report_date"`
	ReportType         string    `json:"report_type" db:"report_type"`
	Revenue            *float64  `json:"revenue,omitempty" db:"revenue"`
	NetProfit          *float64  `json:"net_profit,omitempty" db:"net_profit"`
	TotalAssets        *float64  `json:"total_assets,omitempty" db:"total_assets"`
	ShareholdersEquity *float64  `json:"shareholders_equity,omitempty" db:"shareholders_equity"`
	Source             string    `json:"source" db:"source"`
}

// ValuationRecord holds daily valuation ratios for a symbol. Zero and
// negative values are meaningful (negative P/E for loss-makers).
type ValuationRecord struct {
	Symbol  string    `json:"symbol" db:"symbol"`
	Date    time.Time `json:"date" db:"date"`
	PERatio *float64  `json:"pe_ratio,omitempty" db:"pe_ratio"`
	PBRatio *float64  `json:"pb_ratio,omitempty" db:"pb_ratio"`
	PSRatio *float64  `json:"ps_ratio,omitempty" db:"ps_ratio"`
	Source  string    `json:"source" db:"source"`
}

// BatchSnapshot maps symbol to the financial row obtained from a single
// bulk provider call for one reporting period. It lives only for the
// duration of the extended-data phase and is never persisted as-is.
type BatchSnapshot struct {
	ReportDate time.Time
	Source     string
	Rows       map[string]FinancialRecord
}

// DataStats summarizes the stored market data set.
type DataStats struct {
	TotalRecords int        `json:"total_records" db:"total_records"`
	TotalSymbols int        `json:"total_symbols" db:"total_symbols"`
	TotalDates   int        `json:"total_dates" db:"total_dates"`
	EarliestDate *time.Time `json:"earliest_date,omitempty" db:"earliest_date"`
	LatestDate   *time.Time `json:"latest_date,omitempty" db:"latest_date"`
	AvgQuality   *float64   `json:"avg_quality,omitempty" db:"avg_quality"`
}
