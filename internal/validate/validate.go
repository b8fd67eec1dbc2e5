// Package validate holds the record admission predicates applied before any
// row reaches the write path. All functions are pure.
package validate

import (
	"strconv"
	"strings"

	"github.com/kay-ou/SimTradeData/internal/model"
)

// IsIndexCode reports whether a symbol key names a market index or aggregate
// code rather than a tradable security. Index codes must never enter any
// data table, so this runs before a symbol is admitted to any phase.
//
// The rule is a numeric-band check keyed by the market suffix:
//
//	.SS  1-999 (composite indices) and 880000-899999 (aggregate boards)
//	.SZ  399001-399999 (Shenzhen indices)
func IsIndexCode(symbol string) bool {
	code, market, ok := splitSymbol(symbol)
	if !ok {
		return false
	}

	n, err := strconv.Atoi(code)
	if err != nil {
		return false
	}

	switch market {
	case "SS":
		return (n >= 1 && n <= 999) || (n >= 880000 && n <= 899999)
	case "SZ":
		return n >= 399001 && n <= 399999
	default:
		return false
	}
}

// IsValidFinancial applies the lenient financial validity rule: the record
// is acceptable if at least one headline metric is present and non-zero.
// Negative values count — a loss is a legitimate reported net profit.
// Providers report absent metrics as nil or 0, so an all-nil/zero record
// carries no information and is rejected.
func IsValidFinancial(r *model.FinancialRecord) bool {
	if r == nil {
		return false
	}
	for _, f := range []*float64{r.NetProfit, r.Revenue, r.TotalAssets, r.ShareholdersEquity} {
		if f != nil && *f != 0 {
			return true
		}
	}
	return false
}

// IsValidValuation accepts a valuation record when any ratio field is
// present. Zero and negative ratios are valid (negative P/E for
// loss-making companies).
func IsValidValuation(r *model.ValuationRecord) bool {
	if r == nil {
		return false
	}
	return r.PERatio != nil || r.PBRatio != nil || r.PSRatio != nil
}

// IsValidBar applies record-level sanity checks to a market bar. Used by
// the post-hoc validation phase.
func IsValidBar(r *model.MarketRecord) bool {
	if r == nil {
		return false
	}
	if r.Open <= 0 || r.High <= 0 || r.Low <= 0 || r.Close <= 0 {
		return false
	}
	if r.High < r.Low {
		return false
	}
	if r.Volume < 0 {
		return false
	}
	return true
}

func splitSymbol(symbol string) (code, market string, ok bool) {
	i := strings.LastIndexByte(symbol, '.')
	if i <= 0 || i == len(symbol)-1 {
		return "", "", false
	}
	return symbol[:i], symbol[i+1:], true
}
