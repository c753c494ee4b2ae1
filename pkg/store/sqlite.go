package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"loanledger/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists loans, installments, transactions and policies.
// Decimal columns are TEXT so no precision is lost; transactions are
// append-only and installments change only through replay results.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database and initializes the schema.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if _, err = db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err = db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		late_fee_rate TEXT NOT NULL DEFAULT '0',
		fixed_fee_amount TEXT NOT NULL DEFAULT '0',
		fee_frequency_days INTEGER NOT NULL DEFAULT 0,
		grace_period_days INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		borrower_key TEXT NOT NULL,
		principal TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		term_months INTEGER NOT NULL,
		method TEXT NOT NULL,
		scheme TEXT NOT NULL,
		custom_due_day INTEGER NOT NULL DEFAULT 0,
		proration_cutoff_day INTEGER NOT NULL DEFAULT 0,
		policy_id TEXT,
		disbursed_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		default_risk_flagged_at DATETIME,
		defaulted_at DATETIME,
		settled_at DATETIME,
		discharged_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(policy_id) REFERENCES policies(id)
	);
	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		scheduled_principal TEXT NOT NULL,
		scheduled_interest TEXT NOT NULL,
		applied_principal TEXT NOT NULL DEFAULT '0',
		applied_interest TEXT NOT NULL DEFAULT '0',
		applied_late_fee TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_installments_loan ON installments(loan_id, seq);
	CREATE INDEX IF NOT EXISTS idx_transactions_loan ON transactions(loan_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateLoan stores a loan and its generated schedule atomically.
func (s *SQLiteStore) CreateLoan(loan *models.Loan, installments []models.Installment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO loans (id, borrower_key, principal, total_amount, interest_rate, term_months, method, scheme,
			custom_due_day, proration_cutoff_day, policy_id, disbursed_at, status,
			default_risk_flagged_at, defaulted_at, settled_at, discharged_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.BorrowerKey, loan.Principal, loan.TotalAmount, loan.InterestRate,
		loan.TermMonths, loan.Method, loan.Scheme, loan.CustomDueDay, loan.ProrationCutoffDay,
		uuidPtrString(loan.PolicyID), loan.DisbursedAt, loan.Status,
		loan.DefaultRiskFlaggedAt, loan.DefaultedAt, loan.SettledAt, loan.DischargedAt,
		loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}

	for i := range installments {
		inst := &installments[i]
		_, err = tx.Exec(
			`INSERT INTO installments (id, loan_id, seq, due_date, scheduled_principal, scheduled_interest,
				applied_principal, applied_interest, applied_late_fee, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID.String(), inst.LoanID.String(), inst.Sequence, inst.DueDate,
			inst.ScheduledPrincipal, inst.ScheduledInterest,
			inst.AppliedPrincipal, inst.AppliedInterest, inst.AppliedLateFee,
			inst.Status, inst.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create installment %d: %w", inst.Sequence, err)
		}
	}

	return tx.Commit()
}

const loanColumns = `id, borrower_key, principal, total_amount, interest_rate, term_months, method, scheme,
	custom_due_day, proration_cutoff_day, policy_id, disbursed_at, status,
	default_risk_flagged_at, defaulted_at, settled_at, discharged_at, created_at, updated_at`

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRow(`SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("loan %w", ErrNotFound)
	}
	return loan, err
}

// UpdateLoan persists status and lifecycle timestamp changes.
func (s *SQLiteStore) UpdateLoan(loan *models.Loan) error {
	result, err := s.db.Exec(
		`UPDATE loans SET status = ?, default_risk_flagged_at = ?, defaulted_at = ?, settled_at = ?,
			discharged_at = ?, updated_at = ? WHERE id = ?`,
		loan.Status, loan.DefaultRiskFlaggedAt, loan.DefaultedAt, loan.SettledAt,
		loan.DischargedAt, loan.UpdatedAt, loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	return requireRows(result, "loan")
}

// GetAllLoans retrieves all loans.
func (s *SQLiteStore) GetAllLoans() ([]*models.Loan, error) {
	return s.queryLoans(`SELECT ` + loanColumns + ` FROM loans ORDER BY created_at`)
}

// GetActiveLoans retrieves loans still in normal repayment.
func (s *SQLiteStore) GetActiveLoans() ([]*models.Loan, error) {
	return s.queryLoans(`SELECT ` + loanColumns + ` FROM loans WHERE status = 'ACTIVE' ORDER BY created_at`)
}

func (s *SQLiteStore) queryLoans(query string) ([]*models.Loan, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var idStr string
	var policyID sql.NullString
	var riskAt, defaultedAt, settledAt, dischargedAt sql.NullTime

	err := row.Scan(&idStr, &loan.BorrowerKey, &loan.Principal, &loan.TotalAmount, &loan.InterestRate,
		&loan.TermMonths, &loan.Method, &loan.Scheme, &loan.CustomDueDay, &loan.ProrationCutoffDay,
		&policyID, &loan.DisbursedAt, &loan.Status,
		&riskAt, &defaultedAt, &settledAt, &dischargedAt, &loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan loan row: %w", err)
	}

	loan.ID = uuid.MustParse(idStr)
	if policyID.Valid && policyID.String != "" {
		pid := uuid.MustParse(policyID.String)
		loan.PolicyID = &pid
	}
	loan.DefaultRiskFlaggedAt = nullTimePtr(riskAt)
	loan.DefaultedAt = nullTimePtr(defaultedAt)
	loan.SettledAt = nullTimePtr(settledAt)
	loan.DischargedAt = nullTimePtr(dischargedAt)
	return &loan, nil
}

// GetInstallments retrieves a loan's installments in sequence order.
func (s *SQLiteStore) GetInstallments(loanID uuid.UUID) ([]models.Installment, error) {
	rows, err := s.db.Query(
		`SELECT id, loan_id, seq, due_date, scheduled_principal, scheduled_interest,
			applied_principal, applied_interest, applied_late_fee, status, updated_at
		FROM installments WHERE loan_id = ? ORDER BY seq ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get installments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var installments []models.Installment
	for rows.Next() {
		var inst models.Installment
		var idStr, loanIDStr string
		if err := rows.Scan(&idStr, &loanIDStr, &inst.Sequence, &inst.DueDate,
			&inst.ScheduledPrincipal, &inst.ScheduledInterest,
			&inst.AppliedPrincipal, &inst.AppliedInterest, &inst.AppliedLateFee,
			&inst.Status, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		inst.ID = uuid.MustParse(idStr)
		inst.LoanID = uuid.MustParse(loanIDStr)
		installments = append(installments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return installments, nil
}

// UpdateInstallments persists post-replay installment state atomically.
func (s *SQLiteStore) UpdateInstallments(installments []models.Installment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range installments {
		inst := &installments[i]
		_, err = tx.Exec(
			`UPDATE installments SET applied_principal = ?, applied_interest = ?, applied_late_fee = ?,
				status = ?, updated_at = ? WHERE id = ?`,
			inst.AppliedPrincipal, inst.AppliedInterest, inst.AppliedLateFee,
			inst.Status, inst.UpdatedAt, inst.ID.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to update installment %d: %w", inst.Sequence, err)
		}
	}
	return tx.Commit()
}

// CancelInstallments marks the given installments CANCELLED and persists
// the loan's settlement transition in the same SQL transaction, so a
// finalize is all-or-nothing.
func (s *SQLiteStore) CancelInstallments(loan *models.Loan, ids []uuid.UUID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		_, err = tx.Exec(
			`UPDATE installments SET status = ?, updated_at = ? WHERE id = ?`,
			models.InstallmentStatusCancelled, loan.UpdatedAt, id.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to cancel installment %s: %w", id, err)
		}
	}

	result, err := tx.Exec(
		`UPDATE loans SET status = ?, settled_at = ?, updated_at = ? WHERE id = ?`,
		loan.Status, loan.SettledAt, loan.UpdatedAt, loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if err := requireRows(result, "loan"); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateTransaction appends a payment. Transactions are never updated or
// deleted.
func (s *SQLiteStore) CreateTransaction(txn *models.PaymentTransaction) error {
	_, err := s.db.Exec(
		`INSERT INTO transactions (id, loan_id, amount, reference, timestamp) VALUES (?, ?, ?, ?, ?)`,
		txn.ID.String(), txn.LoanID.String(), txn.Amount, txn.Reference, txn.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransactions retrieves a loan's payments in timestamp order.
func (s *SQLiteStore) GetTransactions(loanID uuid.UUID) ([]models.PaymentTransaction, error) {
	rows, err := s.db.Query(
		`SELECT id, loan_id, amount, reference, timestamp FROM transactions
		WHERE loan_id = ? ORDER BY timestamp ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var transactions []models.PaymentTransaction
	for rows.Next() {
		var txn models.PaymentTransaction
		var idStr, loanIDStr string
		if err := rows.Scan(&idStr, &loanIDStr, &txn.Amount, &txn.Reference, &txn.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		txn.ID = uuid.MustParse(idStr)
		txn.LoanID = uuid.MustParse(loanIDStr)
		transactions = append(transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return transactions, nil
}

// CreatePolicy stores a grace/fee policy.
func (s *SQLiteStore) CreatePolicy(policy *models.GraceFeePolicy) error {
	_, err := s.db.Exec(
		`INSERT INTO policies (id, name, late_fee_rate, fixed_fee_amount, fee_frequency_days, grace_period_days)
		VALUES (?, ?, ?, ?, ?, ?)`,
		policy.ID.String(), policy.Name, policy.LateFeeRate, policy.FixedFeeAmount,
		policy.FeeFrequencyDays, policy.GracePeriodDays,
	)
	if err != nil {
		return fmt.Errorf("failed to create policy: %w", err)
	}
	return nil
}

// GetPolicy retrieves a grace/fee policy by its ID.
func (s *SQLiteStore) GetPolicy(id uuid.UUID) (*models.GraceFeePolicy, error) {
	var policy models.GraceFeePolicy
	var idStr string
	row := s.db.QueryRow(
		`SELECT id, name, late_fee_rate, fixed_fee_amount, fee_frequency_days, grace_period_days
		FROM policies WHERE id = ?`, id.String())
	err := row.Scan(&idStr, &policy.Name, &policy.LateFeeRate, &policy.FixedFeeAmount,
		&policy.FeeFrequencyDays, &policy.GracePeriodDays)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("policy %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	policy.ID = uuid.MustParse(idStr)
	return &policy, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func requireRows(result sql.Result, entity string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %w", entity, ErrNotFound)
	}
	return nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func uuidPtrString(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}
