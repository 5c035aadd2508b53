package library

import (
	"time"

	"github.com/shopspring/decimal"
)

// FineCalculator applies a daily overdue rate. The rate is policy owned by
// the caller; the borrowing ledger only stores the amount it is given.
type FineCalculator struct {
	DailyRate decimal.Decimal
}

// NewFineCalculator returns a calculator charging rate per full day late.
func NewFineCalculator(rate decimal.Decimal) FineCalculator {
	return FineCalculator{DailyRate: rate}
}

// Compute is ComputeFine with the calculator's rate.
func (c FineCalculator) Compute(due time.Time, returned *time.Time) decimal.Decimal {
	return ComputeFine(due, returned, c.DailyRate)
}

// ComputeFine returns the fine for returning on returned a loan due on due.
// Both times count as their own calendar date; a nil or not-later return
// date costs nothing, otherwise each calendar day past due is charged at
// dailyRate.
func ComputeFine(due time.Time, returned *time.Time, dailyRate decimal.Decimal) decimal.Decimal {
	if returned == nil {
		return decimal.Zero
	}
	days := daysBetween(due, *returned)
	if days <= 0 {
		return decimal.Zero
	}
	return dailyRate.Mul(decimal.NewFromInt(int64(days)))
}
