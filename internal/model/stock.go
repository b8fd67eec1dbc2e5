package model

import (
	"time"
)

// Stock represents a tradable security tracked by the sync engine.
// Index and aggregate codes are filtered out before a stock row is ever
// created (see the validate package).
type Stock struct {
	Symbol      string     `json:"symbol" db:"symbol"`
	Name        string     `json:"name" db:"name"`
	Market      string     `json:"market" db:"market"`
	ListingDate *time.Time `json:"listing_date,omitempty" db:"listing_date"`
	Status      string     `json:"status" db:"status"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// Stock status values.
const (
	StockActive   = "active"
	StockDelisted = "delisted"
	StockHalted   = "halted"
)

// TradingDay is one row of the trading calendar.
type TradingDay struct {
	Date      time.Time `json:"date" db:"date"`
	Market    string    `json:"market" db:"market"`
	IsTrading bool      `json:"is_trading" db:"is_trading"`
}
