package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AllocationMethod is the rule used to split scheduled interest and
// principal across installments at disbursement.
type AllocationMethod string

const (
	AllocationRuleOf78     AllocationMethod = "RULE_OF_78"
	AllocationStraightLine AllocationMethod = "STRAIGHT_LINE"
)

func (m AllocationMethod) IsValid() bool {
	return m == AllocationRuleOf78 || m == AllocationStraightLine
}

// DueDateScheme controls how installment due dates are derived from the
// disbursement date.
type DueDateScheme string

const (
	DueDateExactMonthly DueDateScheme = "EXACT_MONTHLY"
	DueDateCustom       DueDateScheme = "CUSTOM_DATE"
)

func (s DueDateScheme) IsValid() bool {
	return s == DueDateExactMonthly || s == DueDateCustom
}

// LoanStatus is the persisted lifecycle state of a loan. The displayed
// risk label (LATE, DEFAULT_RISK, ...) is derived from the ledger, not
// stored here.
type LoanStatus string

const (
	LoanStatusActive                 LoanStatus = "ACTIVE"
	LoanStatusPendingEarlySettlement LoanStatus = "PENDING_EARLY_SETTLEMENT"
	LoanStatusPendingDischarge       LoanStatus = "PENDING_DISCHARGE"
	LoanStatusDischarged             LoanStatus = "DISCHARGED"
	LoanStatusDefaulted              LoanStatus = "DEFAULTED"
)

func (s LoanStatus) IsValid() bool {
	switch s {
	case LoanStatusActive, LoanStatusPendingEarlySettlement, LoanStatusPendingDischarge,
		LoanStatusDischarged, LoanStatusDefaulted:
		return true
	}
	return false
}

// IsTerminal reports whether the loan has left normal repayment.
func (s LoanStatus) IsTerminal() bool {
	return s == LoanStatusPendingEarlySettlement || s == LoanStatusPendingDischarge ||
		s == LoanStatusDischarged || s == LoanStatusDefaulted
}

// Loan is the aggregate root. Principal, rate and term are immutable after
// disbursement; only the status and the lifecycle timestamps change.
type Loan struct {
	ID                   uuid.UUID        `json:"id"`
	BorrowerKey          string           `json:"borrower_key"` // link to external borrower record
	Principal            decimal.Decimal  `json:"principal"`
	TotalAmount          decimal.Decimal  `json:"total_amount"`  // total repayable, >= principal
	InterestRate         decimal.Decimal  `json:"interest_rate"` // annual, percent
	TermMonths           int              `json:"term_months"`
	Method               AllocationMethod `json:"method"`
	Scheme               DueDateScheme    `json:"scheme"`
	CustomDueDay         int              `json:"custom_due_day,omitempty"`
	ProrationCutoffDay   int              `json:"proration_cutoff_day,omitempty"`
	PolicyID             *uuid.UUID       `json:"policy_id,omitempty"`
	DisbursedAt          time.Time        `json:"disbursed_at"`
	Status               LoanStatus       `json:"status"`
	DefaultRiskFlaggedAt *time.Time       `json:"default_risk_flagged_at,omitempty"`
	DefaultedAt          *time.Time       `json:"defaulted_at,omitempty"`
	SettledAt            *time.Time       `json:"settled_at,omitempty"`
	DischargedAt         *time.Time       `json:"discharged_at,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// TotalInterest is the scheduled interest over the whole term.
func (l *Loan) TotalInterest() decimal.Decimal {
	return l.TotalAmount.Sub(l.Principal)
}

// InstallmentStatus tracks how much of an installment has been applied.
type InstallmentStatus string

const (
	InstallmentStatusPending   InstallmentStatus = "PENDING"
	InstallmentStatusPartial   InstallmentStatus = "PARTIAL"
	InstallmentStatusCompleted InstallmentStatus = "COMPLETED"
	InstallmentStatusCancelled InstallmentStatus = "CANCELLED"
)

func (s InstallmentStatus) IsValid() bool {
	switch s {
	case InstallmentStatusPending, InstallmentStatusPartial,
		InstallmentStatusCompleted, InstallmentStatusCancelled:
		return true
	}
	return false
}

// Installment is one scheduled due-date entry. Installments are never
// deleted; early settlement marks the open ones CANCELLED.
type Installment struct {
	ID                 uuid.UUID         `json:"id"`
	LoanID             uuid.UUID         `json:"loan_id"`
	Sequence           int               `json:"sequence"` // 1-based
	DueDate            time.Time         `json:"due_date"`
	ScheduledPrincipal decimal.Decimal   `json:"scheduled_principal"`
	ScheduledInterest  decimal.Decimal   `json:"scheduled_interest"`
	AppliedPrincipal   decimal.Decimal   `json:"applied_principal"`
	AppliedInterest    decimal.Decimal   `json:"applied_interest"`
	AppliedLateFee     decimal.Decimal   `json:"applied_late_fee"`
	Status             InstallmentStatus `json:"status"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// IsOpen reports whether the installment can still receive allocations.
func (i *Installment) IsOpen() bool {
	return i.Status == InstallmentStatusPending || i.Status == InstallmentStatusPartial
}

// PrincipalRemaining is the scheduled principal not yet applied.
func (i *Installment) PrincipalRemaining() decimal.Decimal {
	return i.ScheduledPrincipal.Sub(i.AppliedPrincipal)
}

// InterestRemaining is the scheduled interest not yet applied.
func (i *Installment) InterestRemaining() decimal.Decimal {
	return i.ScheduledInterest.Sub(i.AppliedInterest)
}

// PaymentTransaction is an immutable, append-only payment event. The
// breakdown it produced across installments is recomputed by replay, not
// stored, so the ledger stays the single source of truth.
type PaymentTransaction struct {
	ID        uuid.UUID       `json:"id"`
	LoanID    uuid.UUID       `json:"loan_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"` // receipt/bank reference
	Timestamp time.Time       `json:"timestamp"`
}

// GraceFeePolicy is the product-level late-fee configuration. Either fee
// component may be zero/unset independently.
type GraceFeePolicy struct {
	ID               uuid.UUID       `json:"id"`
	Name             string          `json:"name"`
	LateFeeRate      decimal.Decimal `json:"late_fee_rate"`      // annualized percent, 0 disables
	FixedFeeAmount   decimal.Decimal `json:"fixed_fee_amount"`   // per charge, 0 disables
	FeeFrequencyDays int             `json:"fee_frequency_days"` // days between fixed charges
	GracePeriodDays  int             `json:"grace_period_days"`
}
