// Package schedule builds the amortization schedule for a loan at
// disbursement time. The generated installments carry the full scheduled
// principal and interest split; nothing here is recomputed later, so the
// column sums must be exact with no rounding remainder lost.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loanledger/pkg/models"
	"loanledger/pkg/money"
)

// ErrInvalidScheduleInput rejects bad loan terms before any installment is
// created.
var ErrInvalidScheduleInput = errors.New("invalid schedule input")

// DefaultProrationCutoffDay is used for CUSTOM_DATE loans that do not
// configure their own cutoff.
const DefaultProrationCutoffDay = 15

// GenerateInput carries everything the generator needs. Amounts are final
// contractual figures: TotalAmount - Principal is the interest to allocate.
type GenerateInput struct {
	LoanID             uuid.UUID
	Principal          decimal.Decimal
	TotalAmount        decimal.Decimal
	TermMonths         int
	DisbursedAt        time.Time
	Method             models.AllocationMethod
	Scheme             models.DueDateScheme
	CustomDueDay       int // day of month for CUSTOM_DATE
	ProrationCutoffDay int // 0 means DefaultProrationCutoffDay
}

func (in GenerateInput) validate() error {
	if in.TermMonths <= 0 {
		return fmt.Errorf("%w: term must be positive, got %d", ErrInvalidScheduleInput, in.TermMonths)
	}
	if in.Principal.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: principal must be positive, got %s", ErrInvalidScheduleInput, in.Principal)
	}
	if in.TotalAmount.LessThan(in.Principal) {
		return fmt.Errorf("%w: total amount %s below principal %s", ErrInvalidScheduleInput, in.TotalAmount, in.Principal)
	}
	if !in.Method.IsValid() {
		return fmt.Errorf("%w: unknown allocation method %q", ErrInvalidScheduleInput, in.Method)
	}
	if !in.Scheme.IsValid() {
		return fmt.Errorf("%w: unknown due date scheme %q", ErrInvalidScheduleInput, in.Scheme)
	}
	if in.Scheme == models.DueDateCustom && (in.CustomDueDay < 1 || in.CustomDueDay > 31) {
		return fmt.Errorf("%w: custom due day %d out of range", ErrInvalidScheduleInput, in.CustomDueDay)
	}
	return nil
}

// Generate produces the ordered installment list for a loan. The last
// installment absorbs any rounding residual so that the scheduled principal
// column sums exactly to the principal and the interest column to
// TotalAmount - Principal.
func Generate(in GenerateInput) ([]models.Installment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	n := in.TermMonths
	interest := interestShares(in.Method, in.TotalAmount.Sub(in.Principal), n)
	principal := principalShares(in, interest)

	installments := make([]models.Installment, 0, n)
	for i := 1; i <= n; i++ {
		installments = append(installments, models.Installment{
			ID:                 uuid.New(),
			LoanID:             in.LoanID,
			Sequence:           i,
			DueDate:            dueDate(in, i),
			ScheduledPrincipal: principal[i-1],
			ScheduledInterest:  interest[i-1],
			AppliedPrincipal:   decimal.Zero,
			AppliedInterest:    decimal.Zero,
			AppliedLateFee:     decimal.Zero,
			Status:             models.InstallmentStatusPending,
			UpdatedAt:          in.DisbursedAt,
		})
	}
	return installments, nil
}

// interestShares splits the total interest across n installments.
//
// STRAIGHT_LINE gives every installment totalInterest/n; RULE_OF_78 weights
// installment i by (n-i+1)/(n(n+1)/2), front-loading interest. In both
// cases installment n takes totalInterest minus the rounded sum of the
// first n-1 shares.
func interestShares(method models.AllocationMethod, totalInterest decimal.Decimal, n int) []decimal.Decimal {
	shares := make([]decimal.Decimal, n)
	allocated := decimal.Zero

	switch method {
	case models.AllocationRuleOf78:
		denom := decimal.NewFromInt(int64(n) * int64(n+1) / 2)
		for i := 1; i < n; i++ {
			weight := decimal.NewFromInt(int64(n - i + 1))
			shares[i-1] = money.Round(totalInterest.Mul(weight).Div(denom))
			allocated = allocated.Add(shares[i-1])
		}
	default: // STRAIGHT_LINE
		per := money.Round(totalInterest.Div(decimal.NewFromInt(int64(n))))
		for i := 1; i < n; i++ {
			shares[i-1] = per
			allocated = allocated.Add(per)
		}
	}

	shares[n-1] = totalInterest.Sub(allocated)
	return shares
}

// principalShares is the complement of the interest split. For RULE_OF_78
// the per-installment total payment is level (TotalAmount/n, last adjusted)
// and principal is total minus interest; for STRAIGHT_LINE principal is an
// even split with the last installment absorbing the residual.
func principalShares(in GenerateInput, interest []decimal.Decimal) []decimal.Decimal {
	n := in.TermMonths
	shares := make([]decimal.Decimal, n)
	allocated := decimal.Zero

	if in.Method == models.AllocationRuleOf78 {
		perTotal := money.Round(in.TotalAmount.Div(decimal.NewFromInt(int64(n))))
		totalAllocated := decimal.Zero
		for i := 1; i < n; i++ {
			shares[i-1] = perTotal.Sub(interest[i-1])
			totalAllocated = totalAllocated.Add(perTotal)
			allocated = allocated.Add(shares[i-1])
		}
		lastTotal := in.TotalAmount.Sub(totalAllocated)
		shares[n-1] = lastTotal.Sub(interest[n-1])
		return shares
	}

	per := money.Round(in.Principal.Div(decimal.NewFromInt(int64(n))))
	for i := 1; i < n; i++ {
		shares[i-1] = per
		allocated = allocated.Add(per)
	}
	shares[n-1] = in.Principal.Sub(allocated)
	return shares
}

// dueDate computes the due date of installment seq (1-based).
func dueDate(in GenerateInput, seq int) time.Time {
	switch in.Scheme {
	case models.DueDateCustom:
		cutoff := in.ProrationCutoffDay
		if cutoff <= 0 {
			cutoff = DefaultProrationCutoffDay
		}
		// Disbursed on or before the cutoff: the short first period ends at
		// next month's pinned day. After the cutoff the first period is
		// skipped and rolls to the month after next.
		offset := 1
		if in.DisbursedAt.Day() > cutoff {
			offset = 2
		}
		return monthDay(in.DisbursedAt, offset+seq-1, in.CustomDueDay)
	default: // EXACT_MONTHLY
		return monthDay(in.DisbursedAt, seq, in.DisbursedAt.Day())
	}
}

// monthDay returns the given day-of-month in base's month plus offset,
// clamping to the target month's length (31st -> 28th/29th). time.AddDate
// is deliberately avoided: it normalizes overflow into the next month
// instead of clamping.
func monthDay(base time.Time, offset, day int) time.Time {
	year, month, _ := base.Date()
	// Normalize via a first-of-month anchor, which AddDate cannot overflow.
	anchor := time.Date(year, month, 1, 0, 0, 0, 0, base.Location()).AddDate(0, offset, 0)
	if last := daysInMonth(anchor.Year(), anchor.Month()); day > last {
		day = last
	}
	return time.Date(anchor.Year(), anchor.Month(), day, 0, 0, 0, 0, base.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
