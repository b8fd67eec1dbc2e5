package main

import (
	"github.com/kay-ou/SimTradeData/internal/model"
)

// The batch writer stages rows as interface{}; these helpers recover the
// typed slices the repositories expect.

func toMarketRecords(rows []interface{}) []model.MarketRecord {
	out := make([]model.MarketRecord, 0, len(rows))
	for _, r := range rows {
		if rec, ok := r.(model.MarketRecord); ok {
			out = append(out, rec)
		}
	}
	return out
}

func toFinancialRecords(rows []interface{}) []model.FinancialRecord {
	out := make([]model.FinancialRecord, 0, len(rows))
	for _, r := range rows {
		if rec, ok := r.(model.FinancialRecord); ok {
			out = append(out, rec)
		}
	}
	return out
}

func toValuationRecords(rows []interface{}) []model.ValuationRecord {
	out := make([]model.ValuationRecord, 0, len(rows))
	for _, r := range rows {
		if rec, ok := r.(model.ValuationRecord); ok {
			out = append(out, rec)
		}
	}
	return out
}
