package ledger

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"loanledger/pkg/models"
	"loanledger/pkg/money"
)

const hoursPerDay = 24

// LateFeeAssessment is the late-fee liability of one installment at a
// point in time. Charged is the enforceable amount; while the installment
// is still inside the grace period Charged stays zero and Accruing shows
// the liability that materializes when grace expires.
type LateFeeAssessment struct {
	DaysOverdue   int
	InGracePeriod bool
	Charged       decimal.Decimal
	Accruing      decimal.Decimal
}

// DaysOverdue counts whole calendar days elapsed since the due date. An
// installment due today is not overdue. Days are counted between local
// midnights in now's location, so a DST-shortened day still counts as a
// full day.
func DaysOverdue(dueDate, now time.Time) int {
	if !now.After(dueDate) {
		return 0
	}
	due := dueDate.In(now.Location())
	dueMidnight := time.Date(due.Year(), due.Month(), due.Day(), 0, 0, 0, 0, now.Location())
	nowMidnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return int(math.Round(nowMidnight.Sub(dueMidnight).Hours() / hoursPerDay))
}

// AccrueLateFee computes the late-fee liability of an installment as of
// now. It is pure: recomputed on demand from (installment, policy, now),
// never stored as a running accumulator, so there is nothing to drift.
//
// Past the grace period the charge is
//
//	fixedFee x floor((daysOverdue - grace)/freq + 1)
//
// plus an annualized-rate component on the remaining principal. Both terms
// are optional per policy. A nil policy accrues nothing; the caller reports
// the missing policy instead of assuming a default.
func AccrueLateFee(inst *models.Installment, policy *models.GraceFeePolicy, now time.Time) LateFeeAssessment {
	if policy == nil || !inst.IsOpen() {
		return LateFeeAssessment{}
	}

	days := DaysOverdue(inst.DueDate, now)
	if days <= 0 {
		return LateFeeAssessment{}
	}

	if days <= policy.GracePeriodDays {
		// Zero liability, but the would-be first charge is tracked so the
		// dashboard can show "accruing" during grace.
		return LateFeeAssessment{
			DaysOverdue:   days,
			InGracePeriod: true,
			Charged:       decimal.Zero,
			Accruing:      fixedCharge(policy, 1).Add(rateCharge(inst, policy, days)),
		}
	}

	units := 1
	if policy.FeeFrequencyDays > 0 {
		units = (days-policy.GracePeriodDays)/policy.FeeFrequencyDays + 1
	}
	charged := fixedCharge(policy, units).Add(rateCharge(inst, policy, days))
	return LateFeeAssessment{
		DaysOverdue: days,
		Charged:     charged,
		Accruing:    charged,
	}
}

func fixedCharge(policy *models.GraceFeePolicy, units int) decimal.Decimal {
	if policy.FixedFeeAmount.LessThanOrEqual(decimal.Zero) || units <= 0 {
		return decimal.Zero
	}
	return money.Round(policy.FixedFeeAmount.Mul(decimal.NewFromInt(int64(units))))
}

func rateCharge(inst *models.Installment, policy *models.GraceFeePolicy, days int) decimal.Decimal {
	if policy.LateFeeRate.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return money.AnnualPortion(inst.PrincipalRemaining(), policy.LateFeeRate, days)
}

// lateFeeRemaining is the charged liability not yet paid, as of t.
func lateFeeRemaining(inst *models.Installment, policy *models.GraceFeePolicy, t time.Time) decimal.Decimal {
	rem := AccrueLateFee(inst, policy, t).Charged.Sub(inst.AppliedLateFee)
	if rem.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	return rem
}
