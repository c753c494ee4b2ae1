package store

import (
	"errors"

	"github.com/google/uuid"

	"loanledger/pkg/models"
)

// ErrNotFound is returned when a requested loan or policy does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the persistence collaborator the engine contract expects: it
// supplies immutable snapshots of a loan's aggregate and durably records
// the results of replay. Serializing concurrent writers per loan is the
// caller's job, not the store's.
type Storage interface {
	CreateLoan(loan *models.Loan, installments []models.Installment) error
	GetLoan(id uuid.UUID) (*models.Loan, error)
	UpdateLoan(loan *models.Loan) error
	GetAllLoans() ([]*models.Loan, error)
	GetActiveLoans() ([]*models.Loan, error)

	GetInstallments(loanID uuid.UUID) ([]models.Installment, error)
	UpdateInstallments(installments []models.Installment) error
	CancelInstallments(loan *models.Loan, ids []uuid.UUID) error

	CreateTransaction(tx *models.PaymentTransaction) error
	GetTransactions(loanID uuid.UUID) ([]models.PaymentTransaction, error)

	CreatePolicy(policy *models.GraceFeePolicy) error
	GetPolicy(id uuid.UUID) (*models.GraceFeePolicy, error)

	Close() error
}
