package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"loanledger/pkg/config"
	"loanledger/pkg/ledger"
	"loanledger/pkg/models"
	"loanledger/pkg/schedule"
	"loanledger/pkg/store"
)

// Server wires the repayment engine to its persistence collaborator. The
// engine itself is pure; the server owns the two things it cannot: durable
// storage and per-loan writer serialization.
type Server struct {
	storage store.Storage
	log     *logrus.Logger
	cfg     *config.Config
	now     func() time.Time // injected clock, fixed in tests
	locks   sync.Map         // loan ID -> *sync.Mutex
}

func NewServer(s store.Storage, log *logrus.Logger, cfg *config.Config) *Server {
	return &Server{
		storage: s,
		log:     log,
		cfg:     cfg,
		now:     time.Now,
	}
}

// lockLoan serializes writers per aggregate. Payments and settlement
// finalization for the same loan never interleave; reads replay against a
// snapshot and take no lock.
func (s *Server) lockLoan(id uuid.UUID) func() {
	m, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Server) routes(router *mux.Router) {
	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/ledger", s.ledgerHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/settlement/quote", s.quoteHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/settlement/finalize", s.finalizeHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/discharge", s.dischargeHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/flag-default-risk", s.flagDefaultRiskHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/default", s.markDefaultedHandler).Methods("POST")
	router.HandleFunc("/policies", s.createPolicyHandler).Methods("POST")
}

// aggregate is the immutable snapshot the engine computes over.
type aggregate struct {
	loan         *models.Loan
	installments []models.Installment
	transactions []models.PaymentTransaction
	policy       *models.GraceFeePolicy
}

func (s *Server) loadAggregate(loanID uuid.UUID) (*aggregate, error) {
	loan, err := s.storage.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	installments, err := s.storage.GetInstallments(loanID)
	if err != nil {
		return nil, err
	}
	transactions, err := s.storage.GetTransactions(loanID)
	if err != nil {
		return nil, err
	}
	var policy *models.GraceFeePolicy
	if loan.PolicyID != nil {
		policy, err = s.storage.GetPolicy(*loan.PolicyID)
		if err != nil {
			return nil, err
		}
	}
	return &aggregate{loan: loan, installments: installments, transactions: transactions, policy: policy}, nil
}

func (s *Server) replay(agg *aggregate) (*ledger.LedgerView, error) {
	view, err := ledger.Replay(agg.loan, agg.installments, agg.transactions, agg.policy, s.now())
	if err != nil {
		return nil, err
	}
	if view.PolicyMissing {
		s.log.WithError(ledger.ErrPolicyMissing).WithField("loan_id", agg.loan.ID).Warn("late fees accrue as zero")
	}
	return view, nil
}

// persistReplay writes post-replay installment state back to storage.
func (s *Server) persistReplay(agg *aggregate, view *ledger.LedgerView) error {
	updated := make([]models.Installment, 0, len(view.Installments))
	for _, state := range view.Installments {
		updated = append(updated, models.Installment{
			ID:               state.ID,
			LoanID:           agg.loan.ID,
			Sequence:         state.Sequence,
			AppliedPrincipal: state.AppliedPrincipal,
			AppliedInterest:  state.AppliedInterest,
			AppliedLateFee:   state.AppliedLateFee,
			Status:           state.Status,
			UpdatedAt:        view.AsOf,
		})
	}
	return s.storage.UpdateInstallments(updated)
}

type createLoanRequest struct {
	BorrowerKey        string                  `json:"borrower_key"`
	Principal          decimal.Decimal         `json:"principal"`
	TotalAmount        decimal.Decimal         `json:"total_amount"`
	InterestRate       decimal.Decimal         `json:"interest_rate"`
	TermMonths         int                     `json:"term_months"`
	Method             models.AllocationMethod `json:"method"`
	Scheme             models.DueDateScheme    `json:"scheme"`
	CustomDueDay       int                     `json:"custom_due_day"`
	ProrationCutoffDay int                     `json:"proration_cutoff_day"`
	PolicyID           *uuid.UUID              `json:"policy_id"`
	DisbursedAt        *time.Time              `json:"disbursed_at"`
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := s.now()
	disbursedAt := now
	if req.DisbursedAt != nil {
		disbursedAt = *req.DisbursedAt
	}

	loan := &models.Loan{
		ID:                 uuid.New(),
		BorrowerKey:        req.BorrowerKey,
		Principal:          req.Principal,
		TotalAmount:        req.TotalAmount,
		InterestRate:       req.InterestRate,
		TermMonths:         req.TermMonths,
		Method:             req.Method,
		Scheme:             req.Scheme,
		CustomDueDay:       req.CustomDueDay,
		ProrationCutoffDay: req.ProrationCutoffDay,
		PolicyID:           req.PolicyID,
		DisbursedAt:        disbursedAt,
		Status:             models.LoanStatusActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	installments, err := schedule.Generate(schedule.GenerateInput{
		LoanID:             loan.ID,
		Principal:          loan.Principal,
		TotalAmount:        loan.TotalAmount,
		TermMonths:         loan.TermMonths,
		DisbursedAt:        loan.DisbursedAt,
		Method:             loan.Method,
		Scheme:             loan.Scheme,
		CustomDueDay:       loan.CustomDueDay,
		ProrationCutoffDay: loan.ProrationCutoffDay,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.storage.CreateLoan(loan, installments); err != nil {
		s.writeError(w, err)
		return
	}

	s.log.WithFields(logrus.Fields{
		"loan_id":   loan.ID,
		"principal": loan.Principal,
		"term":      loan.TermMonths,
		"method":    loan.Method,
	}).Info("loan disbursed")

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"loan":         loan,
		"installments": installments,
	})
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.storage.GetAllLoans()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.loanID(w, r)
	if !ok {
		return
	}

	agg, err := s.loadAggregate(loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.replay(agg)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"loan":   agg.loan,
		"status": ledger.Classify(agg.loan, view),
	})
}

func (s *Server) ledgerHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.loanID(w, r)
	if !ok {
		return
	}

	agg, err := s.loadAggregate(loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.replay(agg)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ledger": view,
		"status": ledger.Classify(agg.loan, view),
	})
}

type recordPaymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
	Timestamp *time.Time      `json:"timestamp"`
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.loanID(w, r)
	if !ok {
		return
	}

	var req recordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	unlock := s.lockLoan(loanID)
	defer unlock()

	agg, err := s.loadAggregate(loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if agg.loan.Status != models.LoanStatusActive && agg.loan.Status != models.LoanStatusPendingEarlySettlement {
		http.Error(w, "loan does not accept payments", http.StatusConflict)
		return
	}

	timestamp := s.now()
	if req.Timestamp != nil {
		timestamp = *req.Timestamp
	}
	txn := models.PaymentTransaction{
		ID:        uuid.New(),
		LoanID:    loanID,
		Amount:    req.Amount,
		Reference: req.Reference,
		Timestamp: timestamp,
	}

	// Validate by replaying with the candidate transaction included before
	// anything is written.
	candidate := append(append([]models.PaymentTransaction{}, agg.transactions...), txn)
	view, err := ledger.Replay(agg.loan, agg.installments, candidate, agg.policy, s.now())
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.storage.CreateTransaction(&txn); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.persistReplay(agg, view); err != nil {
		s.writeError(w, err)
		return
	}

	var breakdown *ledger.TransactionBreakdown
	for i := range view.Breakdowns {
		if view.Breakdowns[i].TransactionID == txn.ID {
			breakdown = &view.Breakdowns[i]
			break
		}
	}

	s.log.WithFields(logrus.Fields{
		"loan_id":   loanID,
		"amount":    txn.Amount,
		"reference": txn.Reference,
	}).Info("payment recorded")

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"transaction": txn,
		"breakdown":   breakdown,
		"ledger":      view,
	})
}

func (s *Server) quoteHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.loanID(w, r)
	if !ok {
		return
	}

	agg, err := s.loadAggregate(loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.replay(agg)
	if err != nil {
		s.writeError(w, err)
		return
	}

	quote := ledger.Quote(agg.loan, view, s.cfg.SettlementFee, s.now())
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) finalizeHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.loanID(w, r)
	if !ok {
		return
	}

	var quote ledger.SettlementQuote
	if err := json.NewDecoder(r.Body).Decode(&quote); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	unlock := s.lockLoan(loanID)
	defer unlock()

	agg, err := s.loadAggregate(loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.replay(agg)
	if err != nil {
		s.writeError(w, err)
		return
	}

	cancelled, err := ledger.Finalize(&quote, agg.loan, view, s.now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.storage.CancelInstallments(agg.loan, cancelled); err != nil {
		s.writeError(w, err)
		return
	}

	s.log.WithFields(logrus.Fields{
		"loan_id":   loanID,
		"total":     quote.TotalSettlement,
		"discount":  quote.InterestDiscount,
		"cancelled": len(cancelled),
	}).Info("early settlement finalized")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"loan":                   agg.loan,
		"cancelled_installments": cancelled,
	})
}

func (s *Server) dischargeHandler(w http.ResponseWriter, r *http.Request) {
	s.transitionLoan(w, r, func(loan *models.Loan, now time.Time) error {
		return ledger.Discharge(loan, now)
	})
}

func (s *Server) flagDefaultRiskHandler(w http.ResponseWriter, r *http.Request) {
	s.transitionLoan(w, r, func(loan *models.Loan, now time.Time) error {
		ledger.FlagDefaultRisk(loan, now)
		return nil
	})
}

func (s *Server) markDefaultedHandler(w http.ResponseWriter, r *http.Request) {
	s.transitionLoan(w, r, func(loan *models.Loan, now time.Time) error {
		ledger.MarkDefaulted(loan, now)
		return nil
	})
}

func (s *Server) transitionLoan(w http.ResponseWriter, r *http.Request, apply func(*models.Loan, time.Time) error) {
	loanID, ok := s.loanID(w, r)
	if !ok {
		return
	}

	unlock := s.lockLoan(loanID)
	defer unlock()

	loan, err := s.storage.GetLoan(loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := apply(loan, s.now()); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.storage.UpdateLoan(loan); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

type createPolicyRequest struct {
	Name             string          `json:"name"`
	LateFeeRate      decimal.Decimal `json:"late_fee_rate"`
	FixedFeeAmount   decimal.Decimal `json:"fixed_fee_amount"`
	FeeFrequencyDays int             `json:"fee_frequency_days"`
	GracePeriodDays  int             `json:"grace_period_days"`
}

func (s *Server) createPolicyHandler(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	policy := &models.GraceFeePolicy{
		ID:               uuid.New(),
		Name:             req.Name,
		LateFeeRate:      req.LateFeeRate,
		FixedFeeAmount:   req.FixedFeeAmount,
		FeeFrequencyDays: req.FeeFrequencyDays,
		GracePeriodDays:  req.GracePeriodDays,
	}
	if err := s.storage.CreatePolicy(policy); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, policy)
}

func (s *Server) loanID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid loan ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schedule.ErrInvalidScheduleInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrStaleQuote):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrInconsistentLedgerState):
		// Data-integrity failure: surface it and stop automatic processing
		// for this loan.
		s.log.WithError(err).Error("ledger replay failed; loan needs manual review")
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		s.log.WithError(err).Error("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
