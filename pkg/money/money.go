// Package money defines the fixed-point arithmetic rules shared by the
// scheduling and ledger code. All monetary amounts are shopspring decimals
// rounded to cents, half away from zero; floats never cross a boundary.
package money

import "github.com/shopspring/decimal"

var (
	daysInYear = decimal.NewFromInt(365)
	hundred    = decimal.NewFromInt(100)
)

// Round normalizes an amount to cents. Every scheduled or accrued amount
// passes through here exactly once, at the point it is produced.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// FromMinorUnits converts an integer amount of cents to a decimal amount.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// ToMinorUnits converts an amount to integer cents for exporters that
// cannot carry decimal strings.
func ToMinorUnits(d decimal.Decimal) int64 {
	return Round(d).Mul(hundred).IntPart()
}

// RateFraction converts a percentage rate (e.g. 12.5 meaning 12.5% p.a.)
// to its decimal fraction.
func RateFraction(ratePercent decimal.Decimal) decimal.Decimal {
	return ratePercent.Div(hundred)
}

// AnnualPortion returns amount x ratePercent/100 x days/365, rounded to
// cents. Used for day-count interest and penalty accrual on a 365-day year.
func AnnualPortion(amount, ratePercent decimal.Decimal, days int) decimal.Decimal {
	if days <= 0 {
		return decimal.Zero
	}
	return Round(amount.
		Mul(RateFraction(ratePercent)).
		Mul(decimal.NewFromInt(int64(days))).
		Div(daysInYear))
}
