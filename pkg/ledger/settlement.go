package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loanledger/pkg/models"
	"loanledger/pkg/money"
)

// SettlementQuote is an early-settlement offer computed from a ledger
// snapshot. It is derived state: nothing is persisted until Finalize, and
// the embedded fingerprint ties it to the exact snapshot it was priced on.
type SettlementQuote struct {
	LoanID               uuid.UUID       `json:"loan_id"`
	AsOf                 time.Time       `json:"as_of"`
	OutstandingPrincipal decimal.Decimal `json:"outstanding_principal"`
	OutstandingInterest  decimal.Decimal `json:"outstanding_interest"`
	OutstandingLateFees  decimal.Decimal `json:"outstanding_late_fees"`
	InterestDiscount     decimal.Decimal `json:"interest_discount"`
	SettlementFee        decimal.Decimal `json:"settlement_fee"`
	TotalSettlement      decimal.Decimal `json:"total_settlement"`
	NetSavings           decimal.Decimal `json:"net_savings"`

	// Ledger fingerprint at quote time; Finalize refuses to proceed if the
	// ledger has moved since.
	TransactionCount  int             `json:"transaction_count"`
	LastTransactionID uuid.UUID       `json:"last_transaction_id,omitempty"`
	TotalPaid         decimal.Decimal `json:"total_paid"`
}

// Quote prices an early settlement as of a point in time:
//
//	total = unpaid principal + unpaid interest + unpaid late fees
//	        - interest discount + settlement fee
//
// The discount is the unearned portion of the unpaid interest, reversed
// with the same allocation method used at schedule generation. Rule of 78
// rebates totalInterest x k(k+1)/(n(n+1)) for k not-yet-due installments,
// unwinding the front-loaded weighting; straight line rebates k/n. The
// discount never exceeds the unpaid interest, so interest already earned
// to date is never discounted away.
func Quote(loan *models.Loan, view *LedgerView, settlementFee decimal.Decimal, asOf time.Time) *SettlementQuote {
	unpaidPrincipal := decimal.Zero
	unpaidInterest := decimal.Zero
	unpaidFees := decimal.Zero
	futureCount := 0

	for i := range view.Installments {
		state := &view.Installments[i]
		if state.Status == models.InstallmentStatusCompleted || state.Status == models.InstallmentStatusCancelled {
			continue
		}
		unpaidPrincipal = unpaidPrincipal.Add(state.ScheduledPrincipal.Sub(state.AppliedPrincipal))
		unpaidInterest = unpaidInterest.Add(state.ScheduledInterest.Sub(state.AppliedInterest))
		unpaidFees = unpaidFees.Add(state.AccruedLateFee.Sub(state.AppliedLateFee))
		if state.DueDate.After(asOf) {
			futureCount++
		}
	}

	discount := unearnedInterest(loan, futureCount)
	if discount.GreaterThan(unpaidInterest) {
		discount = unpaidInterest
	}

	total := unpaidPrincipal.Add(unpaidInterest).Add(unpaidFees).Sub(discount).Add(settlementFee)
	return &SettlementQuote{
		LoanID:               loan.ID,
		AsOf:                 asOf,
		OutstandingPrincipal: unpaidPrincipal,
		OutstandingInterest:  unpaidInterest,
		OutstandingLateFees:  unpaidFees,
		InterestDiscount:     discount,
		SettlementFee:        settlementFee,
		TotalSettlement:      total,
		NetSavings:           discount.Sub(settlementFee),
		TransactionCount:     view.TransactionCount,
		LastTransactionID:    view.LastTransactionID,
		TotalPaid:            view.TotalPaid,
	}
}

// unearnedInterest reverses the allocation method for k remaining
// not-yet-due installments out of a term of n.
func unearnedInterest(loan *models.Loan, k int) decimal.Decimal {
	if k <= 0 {
		return decimal.Zero
	}
	n := loan.TermMonths
	if k > n {
		k = n
	}
	totalInterest := loan.TotalInterest()

	if loan.Method == models.AllocationRuleOf78 {
		// Sum of the k smallest weights over the weight total:
		// (1 + 2 + ... + k) / (n(n+1)/2) = k(k+1) / (n(n+1)).
		num := decimal.NewFromInt(int64(k) * int64(k+1))
		den := decimal.NewFromInt(int64(n) * int64(n+1))
		return money.Round(totalInterest.Mul(num).Div(den))
	}
	return money.Round(totalInterest.
		Mul(decimal.NewFromInt(int64(k))).
		Div(decimal.NewFromInt(int64(n))))
}

// matchesLedger reports whether the ledger is still the snapshot the quote
// was priced on.
func (q *SettlementQuote) matchesLedger(view *LedgerView) bool {
	return q.TransactionCount == view.TransactionCount &&
		q.LastTransactionID == view.LastTransactionID &&
		q.TotalPaid.Equal(view.TotalPaid)
}

// Finalize accepts a quote: it verifies the ledger has not moved since the
// quote was priced, transitions the loan to PENDING_EARLY_SETTLEMENT and
// returns the IDs of the open installments to mark CANCELLED. This is the
// only path that cancels installments. A payment posted between quote and
// finalize fails with ErrStaleQuote; the caller re-quotes.
func Finalize(quote *SettlementQuote, loan *models.Loan, view *LedgerView, now time.Time) ([]uuid.UUID, error) {
	if quote.LoanID != loan.ID {
		return nil, fmt.Errorf("%w: quote is for loan %s, not %s", ErrStaleQuote, quote.LoanID, loan.ID)
	}
	if loan.Status != models.LoanStatusActive {
		return nil, fmt.Errorf("cannot finalize settlement for %s loan %s", loan.Status, loan.ID)
	}
	if !quote.matchesLedger(view) {
		return nil, fmt.Errorf("%w: ledger moved since quote at %s", ErrStaleQuote, quote.AsOf)
	}

	var cancelled []uuid.UUID
	for i := range view.Installments {
		state := &view.Installments[i]
		if state.Status == models.InstallmentStatusPending || state.Status == models.InstallmentStatusPartial {
			cancelled = append(cancelled, state.ID)
		}
	}

	loan.Status = models.LoanStatusPendingEarlySettlement
	loan.SettledAt = &now
	loan.UpdatedAt = now
	return cancelled, nil
}

// Discharge completes the lifecycle once the settlement (or final
// scheduled payment) has been received.
func Discharge(loan *models.Loan, now time.Time) error {
	switch loan.Status {
	case models.LoanStatusPendingEarlySettlement, models.LoanStatusPendingDischarge, models.LoanStatusActive:
		loan.Status = models.LoanStatusDischarged
		loan.DischargedAt = &now
		loan.UpdatedAt = now
		return nil
	default:
		return fmt.Errorf("cannot discharge %s loan %s", loan.Status, loan.ID)
	}
}

// FlagDefaultRisk marks the pre-default escalation state. Idempotent.
func FlagDefaultRisk(loan *models.Loan, now time.Time) {
	if loan.DefaultRiskFlaggedAt == nil {
		loan.DefaultRiskFlaggedAt = &now
	}
	loan.UpdatedAt = now
}

// MarkDefaulted records the default event; the classifier reports DEFAULT
// from here on regardless of payment state.
func MarkDefaulted(loan *models.Loan, now time.Time) {
	if loan.DefaultedAt == nil {
		loan.DefaultedAt = &now
	}
	loan.Status = models.LoanStatusDefaulted
	loan.UpdatedAt = now
}
