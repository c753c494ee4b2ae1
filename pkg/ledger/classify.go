package ledger

import "loanledger/pkg/models"

// Status is the single risk/status label the admin surfaces display.
type Status string

const (
	StatusDefault                Status = "DEFAULT"
	StatusDefaultRisk            Status = "DEFAULT_RISK"
	StatusPendingEarlySettlement Status = "PENDING_EARLY_SETTLEMENT"
	StatusPendingDischarge       Status = "PENDING_DISCHARGE"
	StatusDischarged             Status = "DISCHARGED"
	StatusLate                   Status = "LATE"
	StatusCurrent                Status = "CURRENT"
)

// Classify derives the display label with a strict priority: first match
// wins. A defaulted loan never shows as merely LATE, and a loan in a
// settlement or discharge state never shows payment lateness, however late
// its historical installments were.
func Classify(loan *models.Loan, view *LedgerView) Status {
	switch {
	case loan.DefaultedAt != nil || loan.Status == models.LoanStatusDefaulted:
		return StatusDefault
	case loan.DefaultRiskFlaggedAt != nil:
		return StatusDefaultRisk
	case loan.Status == models.LoanStatusPendingEarlySettlement:
		return StatusPendingEarlySettlement
	case loan.Status == models.LoanStatusPendingDischarge:
		return StatusPendingDischarge
	case loan.Status == models.LoanStatusDischarged:
		return StatusDischarged
	case view != nil && len(view.OverdueInstallments) > 0:
		return StatusLate
	default:
		return StatusCurrent
	}
}
