// Package ledger is the repayment engine: it replays a loan's append-only
// payment stream through the allocation waterfall and late-fee accrual
// rules and derives every figure the admin surfaces read. Replay is a pure
// function over an immutable snapshot plus an injected clock, so it is
// deterministic, idempotent and safe to run concurrently against
// independent snapshots.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loanledger/pkg/models"
)

// NextPayment is the earliest open installment with a remaining balance.
type NextPayment struct {
	InstallmentNumber int             `json:"installment_number"`
	DueDate           time.Time       `json:"due_date"`
	Amount            decimal.Decimal `json:"amount"`
}

// OverdueInstallment is one past-due installment with its fee breakdown,
// in the exact shape the dashboard and regulatory exports consume.
type OverdueInstallment struct {
	InstallmentNumber int             `json:"installment_number"`
	DueDate           time.Time       `json:"due_date"`
	DaysOverdue       int             `json:"days_overdue"`
	InGracePeriod     bool            `json:"in_grace_period"`
	LateFeeAmount     decimal.Decimal `json:"late_fee_amount"`
	LateFeesPaid      decimal.Decimal `json:"late_fees_paid"`
	TotalDue          decimal.Decimal `json:"total_due"`
}

// InstallmentState is the post-replay snapshot of one installment. The
// service layer persists these back; nothing else mutates installments.
type InstallmentState struct {
	ID                 uuid.UUID                `json:"id"`
	Sequence           int                      `json:"sequence"`
	DueDate            time.Time                `json:"due_date"`
	ScheduledPrincipal decimal.Decimal          `json:"scheduled_principal"`
	ScheduledInterest  decimal.Decimal          `json:"scheduled_interest"`
	AppliedPrincipal   decimal.Decimal          `json:"applied_principal"`
	AppliedInterest    decimal.Decimal          `json:"applied_interest"`
	AppliedLateFee     decimal.Decimal          `json:"applied_late_fee"`
	AccruedLateFee     decimal.Decimal          `json:"accrued_late_fee"` // charged liability as of AsOf
	Status             models.InstallmentStatus `json:"status"`
}

// LedgerView is the authoritative derived state of a loan. Presentation
// layers project it read-only; none of these fields may be recomputed ad
// hoc elsewhere.
type LedgerView struct {
	LoanID              uuid.UUID              `json:"loan_id"`
	AsOf                time.Time              `json:"as_of"`
	OutstandingBalance  decimal.Decimal        `json:"outstanding_balance"`
	TotalPaid           decimal.Decimal        `json:"total_paid"`
	UnappliedCredit     decimal.Decimal        `json:"unapplied_credit"`
	NextPayment         *NextPayment           `json:"next_payment,omitempty"`
	OverdueInstallments []OverdueInstallment   `json:"overdue_installments"`
	Installments        []InstallmentState     `json:"installments"`
	Breakdowns          []TransactionBreakdown `json:"breakdowns"`
	PolicyMissing       bool                   `json:"policy_missing,omitempty"`
	TransactionCount    int                    `json:"transaction_count"`
	LastTransactionID   uuid.UUID              `json:"last_transaction_id,omitempty"`
}

// Replay applies the loan's transactions in timestamp order through the
// allocation waterfall, accruing late fees as of each transaction's own
// timestamp, then re-accrues every still-open installment against now for
// the view. Two replays of the same snapshot yield identical views.
//
// Replay fails with ErrInconsistentLedgerState when the stream cannot be a
// truthful payment history: non-positive amounts, duplicate non-empty
// references (a double post), or stored applications exceeding what a
// bucket ever owed.
func Replay(loan *models.Loan, installments []models.Installment, transactions []models.PaymentTransaction, policy *models.GraceFeePolicy, now time.Time) (*LedgerView, error) {
	work := make([]models.Installment, len(installments))
	copy(work, installments)
	sort.Slice(work, func(i, j int) bool {
		if work[i].DueDate.Equal(work[j].DueDate) {
			return work[i].Sequence < work[j].Sequence
		}
		return work[i].DueDate.Before(work[j].DueDate)
	})

	for i := range work {
		if work[i].AppliedPrincipal.GreaterThan(work[i].ScheduledPrincipal) ||
			work[i].AppliedInterest.GreaterThan(work[i].ScheduledInterest) {
			return nil, fmt.Errorf("%w: installment %d arrived over-applied", ErrInconsistentLedgerState, work[i].Sequence)
		}
		// Replay rebuilds applied state from the transaction stream.
		work[i].AppliedPrincipal = decimal.Zero
		work[i].AppliedInterest = decimal.Zero
		work[i].AppliedLateFee = decimal.Zero
		if work[i].Status != models.InstallmentStatusCancelled {
			work[i].Status = models.InstallmentStatusPending
		}
	}

	txs := make([]models.PaymentTransaction, len(transactions))
	copy(txs, transactions)
	sort.Slice(txs, func(i, j int) bool {
		if txs[i].Timestamp.Equal(txs[j].Timestamp) {
			return txs[i].ID.String() < txs[j].ID.String()
		}
		return txs[i].Timestamp.Before(txs[j].Timestamp)
	})

	seenRefs := make(map[string]uuid.UUID, len(txs))
	for _, tx := range txs {
		if tx.Reference == "" {
			continue
		}
		if dup, ok := seenRefs[tx.Reference]; ok {
			return nil, fmt.Errorf("%w: reference %q posted by both %s and %s", ErrInconsistentLedgerState, tx.Reference, dup, tx.ID)
		}
		seenRefs[tx.Reference] = tx.ID
	}

	view := &LedgerView{
		LoanID:              loan.ID,
		AsOf:                now,
		TotalPaid:           decimal.Zero,
		UnappliedCredit:     decimal.Zero,
		OverdueInstallments: []OverdueInstallment{},
		Breakdowns:          make([]TransactionBreakdown, 0, len(txs)),
		PolicyMissing:       policy == nil,
		TransactionCount:    len(txs),
	}

	for _, tx := range txs {
		if tx.Amount.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("%w: transaction %s has non-positive amount %s", ErrInconsistentLedgerState, tx.ID, tx.Amount)
		}
		breakdown, err := applyTransaction(work, tx, policy)
		if err != nil {
			return nil, err
		}
		view.Breakdowns = append(view.Breakdowns, breakdown)
		view.TotalPaid = view.TotalPaid.Add(tx.Amount)
		view.UnappliedCredit = view.UnappliedCredit.Add(breakdown.UnappliedCredit)
		view.LastTransactionID = tx.ID
	}

	finishView(view, work, policy, now)
	return view, nil
}

// applyTransaction walks open installments in due-date order and drains the
// payment through the waterfall. Late-fee liability is assessed as of the
// transaction's own timestamp, not the current clock.
func applyTransaction(work []models.Installment, tx models.PaymentTransaction, policy *models.GraceFeePolicy) (TransactionBreakdown, error) {
	breakdown := TransactionBreakdown{
		TransactionID: tx.ID,
		Reference:     tx.Reference,
		Timestamp:     tx.Timestamp,
		Amount:        tx.Amount,
		Applications:  []Application{},
	}

	remaining := tx.Amount
	for i := range work {
		if remaining.IsZero() {
			break
		}
		inst := &work[i]
		if !inst.IsOpen() {
			continue
		}

		feeRem := lateFeeRemaining(inst, policy, tx.Timestamp)
		fee, interest, principal, leftover := Allocate(remaining, feeRem, inst.InterestRemaining(), inst.PrincipalRemaining())

		applied := fee.Add(interest).Add(principal)
		if applied.GreaterThan(remaining) {
			return TransactionBreakdown{}, fmt.Errorf("%w: transaction %s over-applied %s against installment %d", ErrInconsistentLedgerState, tx.ID, applied, inst.Sequence)
		}
		if applied.IsZero() {
			continue
		}

		inst.AppliedLateFee = inst.AppliedLateFee.Add(fee)
		inst.AppliedInterest = inst.AppliedInterest.Add(interest)
		inst.AppliedPrincipal = inst.AppliedPrincipal.Add(principal)
		inst.UpdatedAt = tx.Timestamp
		settleStatus(inst, policy, tx.Timestamp)

		breakdown.Applications = append(breakdown.Applications, Application{
			InstallmentID: inst.ID,
			Sequence:      inst.Sequence,
			LateFee:       fee,
			Interest:      interest,
			Principal:     principal,
		})
		remaining = leftover
	}

	// No open installment can absorb the rest: banked prepayment credit.
	breakdown.UnappliedCredit = remaining
	return breakdown, nil
}

// settleStatus marks an installment COMPLETED once all three buckets are
// fully applied as of t, PARTIAL once anything has been applied.
func settleStatus(inst *models.Installment, policy *models.GraceFeePolicy, t time.Time) {
	if inst.PrincipalRemaining().IsZero() &&
		inst.InterestRemaining().IsZero() &&
		lateFeeRemaining(inst, policy, t).IsZero() {
		inst.Status = models.InstallmentStatusCompleted
		return
	}
	if inst.AppliedPrincipal.Add(inst.AppliedInterest).Add(inst.AppliedLateFee).GreaterThan(decimal.Zero) {
		inst.Status = models.InstallmentStatusPartial
	}
}

// finishView re-accrues open installments against now and derives the
// totals, next payment and overdue set.
func finishView(view *LedgerView, work []models.Installment, policy *models.GraceFeePolicy, now time.Time) {
	outstanding := decimal.Zero
	view.Installments = make([]InstallmentState, 0, len(work))

	for i := range work {
		inst := &work[i]
		assessment := AccrueLateFee(inst, policy, now)

		state := InstallmentState{
			ID:                 inst.ID,
			Sequence:           inst.Sequence,
			DueDate:            inst.DueDate,
			ScheduledPrincipal: inst.ScheduledPrincipal,
			ScheduledInterest:  inst.ScheduledInterest,
			AppliedPrincipal:   inst.AppliedPrincipal,
			AppliedInterest:    inst.AppliedInterest,
			AppliedLateFee:     inst.AppliedLateFee,
			AccruedLateFee:     assessment.Charged,
			Status:             inst.Status,
		}
		view.Installments = append(view.Installments, state)

		if !inst.IsOpen() {
			continue
		}

		due := inst.PrincipalRemaining().
			Add(inst.InterestRemaining()).
			Add(lateFeeRemaining(inst, policy, now))
		outstanding = outstanding.Add(due)

		if view.NextPayment == nil && due.GreaterThan(decimal.Zero) {
			view.NextPayment = &NextPayment{
				InstallmentNumber: inst.Sequence,
				DueDate:           inst.DueDate,
				Amount:            due,
			}
		}

		// Overdue even when no policy accrues fees for it.
		if days := DaysOverdue(inst.DueDate, now); days >= 1 {
			view.OverdueInstallments = append(view.OverdueInstallments, OverdueInstallment{
				InstallmentNumber: inst.Sequence,
				DueDate:           inst.DueDate,
				DaysOverdue:       days,
				InGracePeriod:     assessment.InGracePeriod,
				LateFeeAmount:     assessment.Charged,
				LateFeesPaid:      inst.AppliedLateFee,
				TotalDue:          due,
			})
		}
	}

	view.OutstandingBalance = outstanding
}
