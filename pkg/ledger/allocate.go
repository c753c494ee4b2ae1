package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Application is the slice of a single payment applied to one installment.
type Application struct {
	InstallmentID uuid.UUID       `json:"installment_id"`
	Sequence      int             `json:"sequence"`
	LateFee       decimal.Decimal `json:"late_fee"`
	Interest      decimal.Decimal `json:"interest"`
	Principal     decimal.Decimal `json:"principal"`
}

// Total is the amount this application consumed.
func (a Application) Total() decimal.Decimal {
	return a.LateFee.Add(a.Interest).Add(a.Principal)
}

// TransactionBreakdown records how replay distributed one payment across
// installments, in due-date order, plus any banked prepayment credit.
type TransactionBreakdown struct {
	TransactionID   uuid.UUID       `json:"transaction_id"`
	Reference       string          `json:"reference,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Amount          decimal.Decimal `json:"amount"`
	Applications    []Application   `json:"applications"`
	UnappliedCredit decimal.Decimal `json:"unapplied_credit"`
}

// Allocate runs the waterfall for a single installment: late fee first,
// then interest, then principal, each capped by the bucket remainder. It is
// a greedy split, never proportional. The leftover carries to the next
// installment or, when none remain, becomes prepayment credit.
func Allocate(amount, lateFeeRemaining, interestRemaining, principalRemaining decimal.Decimal) (lateFee, interest, principal, leftover decimal.Decimal) {
	lateFee = decimal.Min(amount, lateFeeRemaining)
	amount = amount.Sub(lateFee)

	interest = decimal.Min(amount, interestRemaining)
	amount = amount.Sub(interest)

	principal = decimal.Min(amount, principalRemaining)
	leftover = amount.Sub(principal)
	return lateFee, interest, principal, leftover
}
