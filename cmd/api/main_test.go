package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"loanledger/pkg/config"
	"loanledger/pkg/ledger"
	"loanledger/pkg/models"
	"loanledger/pkg/store"
)

var testDisbursedAt = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	server *Server
	router *mux.Router
	clock  *time.Time
}

func setupTestServer(t *testing.T, dbFile string) *testEnv {
	t.Helper()
	os.Remove(dbFile)
	t.Cleanup(func() { os.Remove(dbFile) })

	s, err := store.NewSQLiteStore(dbFile)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{
		SettlementFee:   decimal.RequireFromString("100"),
		DefaultRiskDays: 90,
	}

	clock := testDisbursedAt
	server := NewServer(s, log, cfg)
	server.now = func() time.Time { return clock }

	router := mux.NewRouter()
	server.routes(router)
	return &testEnv{server: server, router: router, clock: &clock}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

type createLoanResponse struct {
	Loan         models.Loan          `json:"loan"`
	Installments []models.Installment `json:"installments"`
}

func createTestLoan(t *testing.T, e *testEnv) createLoanResponse {
	t.Helper()
	rr := e.do(t, "POST", "/loans", map[string]interface{}{
		"borrower_key":  "borrower-1",
		"principal":     "12000",
		"total_amount":  "13200",
		"interest_rate": "10",
		"term_months":   12,
		"method":        "RULE_OF_78",
		"scheme":        "EXACT_MONTHLY",
		"disbursed_at":  testDisbursedAt,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp createLoanResponse
	decodeBody(t, rr, &resp)
	return resp
}

func TestCreateLoanEndpoint(t *testing.T) {
	e := setupTestServer(t, "test_api_create.db")

	resp := createTestLoan(t, e)
	if len(resp.Installments) != 12 {
		t.Fatalf("Expected 12 installments, got %d", len(resp.Installments))
	}
	if resp.Loan.Status != models.LoanStatusActive {
		t.Errorf("Expected ACTIVE, got %s", resp.Loan.Status)
	}

	// Rule of 78 front-loads interest: first share 1200 x 12/78.
	first := resp.Installments[0]
	if !first.ScheduledInterest.Equal(decimal.RequireFromString("184.62")) {
		t.Errorf("Expected first interest 184.62, got %s", first.ScheduledInterest)
	}
	if !first.ScheduledPrincipal.Equal(decimal.RequireFromString("915.38")) {
		t.Errorf("Expected first principal 915.38, got %s", first.ScheduledPrincipal)
	}
}

func TestCreateLoanEndpoint_RejectsInvalidTerm(t *testing.T) {
	e := setupTestServer(t, "test_api_invalid.db")

	rr := e.do(t, "POST", "/loans", map[string]interface{}{
		"borrower_key":  "borrower-1",
		"principal":     "12000",
		"total_amount":  "13200",
		"interest_rate": "10",
		"term_months":   0,
		"method":        "RULE_OF_78",
		"scheme":        "EXACT_MONTHLY",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rr.Code)
	}
}

func TestLedgerEndpoint(t *testing.T) {
	e := setupTestServer(t, "test_api_ledger.db")
	loan := createTestLoan(t, e).Loan

	rr := e.do(t, "GET", "/loans/"+loan.ID.String()+"/ledger", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Ledger ledger.LedgerView `json:"ledger"`
		Status ledger.Status     `json:"status"`
	}
	decodeBody(t, rr, &resp)

	if resp.Status != ledger.StatusCurrent {
		t.Errorf("Expected CURRENT, got %s", resp.Status)
	}
	if !resp.Ledger.OutstandingBalance.Equal(decimal.RequireFromString("13200")) {
		t.Errorf("Expected balance 13200, got %s", resp.Ledger.OutstandingBalance)
	}
	if resp.Ledger.NextPayment == nil || resp.Ledger.NextPayment.InstallmentNumber != 1 {
		t.Errorf("Expected next payment on installment 1, got %+v", resp.Ledger.NextPayment)
	}

	rr = e.do(t, "GET", "/loans/00000000-0000-0000-0000-000000000001/ledger", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown loan, got %d", rr.Code)
	}
}

func TestRecordPaymentEndpoint(t *testing.T) {
	e := setupTestServer(t, "test_api_payment.db")
	created := createTestLoan(t, e)
	loanID := created.Loan.ID.String()

	// Move the clock to installment #1's due date.
	*e.clock = created.Installments[0].DueDate

	rr := e.do(t, "POST", "/loans/"+loanID+"/payments", map[string]interface{}{
		"amount":    "1100",
		"reference": "RCP-001",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Transaction models.PaymentTransaction    `json:"transaction"`
		Breakdown   *ledger.TransactionBreakdown `json:"breakdown"`
		Ledger      ledger.LedgerView            `json:"ledger"`
	}
	decodeBody(t, rr, &resp)

	if resp.Breakdown == nil || len(resp.Breakdown.Applications) != 1 {
		t.Fatalf("Expected a single-installment breakdown, got %+v", resp.Breakdown)
	}
	app := resp.Breakdown.Applications[0]
	if !app.Interest.Equal(decimal.RequireFromString("184.62")) {
		t.Errorf("Expected interest 184.62, got %s", app.Interest)
	}
	if !app.Principal.Equal(decimal.RequireFromString("915.38")) {
		t.Errorf("Expected principal 915.38, got %s", app.Principal)
	}
	if !resp.Ledger.OutstandingBalance.Equal(decimal.RequireFromString("12100")) {
		t.Errorf("Expected balance 12100, got %s", resp.Ledger.OutstandingBalance)
	}
	if resp.Ledger.Installments[0].Status != models.InstallmentStatusCompleted {
		t.Errorf("Expected installment 1 COMPLETED, got %s", resp.Ledger.Installments[0].Status)
	}

	// Applied state survives a fresh read.
	rr = e.do(t, "GET", "/loans/"+loanID+"/ledger", nil)
	var after struct {
		Ledger ledger.LedgerView `json:"ledger"`
	}
	decodeBody(t, rr, &after)
	if !after.Ledger.TotalPaid.Equal(decimal.RequireFromString("1100")) {
		t.Errorf("Expected total paid 1100, got %s", after.Ledger.TotalPaid)
	}
}

func TestRecordPaymentEndpoint_RejectsNonPositive(t *testing.T) {
	e := setupTestServer(t, "test_api_badpayment.db")
	loanID := createTestLoan(t, e).Loan.ID.String()

	rr := e.do(t, "POST", "/loans/"+loanID+"/payments", map[string]interface{}{
		"amount":    "-10",
		"reference": "RCP-002",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rr.Code)
	}
}

func TestSettlementFlow(t *testing.T) {
	e := setupTestServer(t, "test_api_settlement.db")
	created := createTestLoan(t, e)
	loanID := created.Loan.ID.String()

	*e.clock = created.Installments[0].DueDate
	rr := e.do(t, "POST", "/loans/"+loanID+"/payments", map[string]interface{}{
		"amount":    "1100",
		"reference": "RCP-010",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Payment failed: %d %s", rr.Code, rr.Body.String())
	}

	*e.clock = created.Installments[0].DueDate.AddDate(0, 0, 5)
	rr = e.do(t, "POST", "/loans/"+loanID+"/settlement/quote", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Quote failed: %d %s", rr.Code, rr.Body.String())
	}

	var quote ledger.SettlementQuote
	decodeBody(t, rr, &quote)
	if !quote.TotalSettlement.Equal(decimal.RequireFromString("11184.62")) {
		t.Errorf("Expected total 11184.62, got %s", quote.TotalSettlement)
	}
	if !quote.InterestDiscount.Equal(decimal.RequireFromString("1015.38")) {
		t.Errorf("Expected discount 1015.38, got %s", quote.InterestDiscount)
	}

	rr = e.do(t, "POST", "/loans/"+loanID+"/settlement/finalize", quote)
	if rr.Code != http.StatusOK {
		t.Fatalf("Finalize failed: %d %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Loan      models.Loan `json:"loan"`
		Cancelled []string    `json:"cancelled_installments"`
	}
	decodeBody(t, rr, &resp)
	if resp.Loan.Status != models.LoanStatusPendingEarlySettlement {
		t.Errorf("Expected PENDING_EARLY_SETTLEMENT, got %s", resp.Loan.Status)
	}
	if len(resp.Cancelled) != 11 {
		t.Errorf("Expected 11 cancelled installments, got %d", len(resp.Cancelled))
	}

	// Discharge completes the lifecycle.
	rr = e.do(t, "POST", "/loans/"+loanID+"/discharge", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Discharge failed: %d %s", rr.Code, rr.Body.String())
	}
	var discharged models.Loan
	decodeBody(t, rr, &discharged)
	if discharged.Status != models.LoanStatusDischarged {
		t.Errorf("Expected DISCHARGED, got %s", discharged.Status)
	}
}

func TestSettlementFinalize_StaleQuote(t *testing.T) {
	e := setupTestServer(t, "test_api_stale.db")
	created := createTestLoan(t, e)
	loanID := created.Loan.ID.String()

	*e.clock = created.Installments[0].DueDate
	rr := e.do(t, "POST", "/loans/"+loanID+"/settlement/quote", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Quote failed: %d %s", rr.Code, rr.Body.String())
	}
	var quote ledger.SettlementQuote
	decodeBody(t, rr, &quote)

	// A payment posts after the quote was issued.
	rr = e.do(t, "POST", "/loans/"+loanID+"/payments", map[string]interface{}{
		"amount":    "500",
		"reference": "RCP-020",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Payment failed: %d %s", rr.Code, rr.Body.String())
	}

	rr = e.do(t, "POST", "/loans/"+loanID+"/settlement/finalize", quote)
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected 409 for stale quote, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestFlagDefaultRiskAndDefaultEndpoints(t *testing.T) {
	e := setupTestServer(t, "test_api_risk.db")
	loanID := createTestLoan(t, e).Loan.ID.String()

	rr := e.do(t, "POST", "/loans/"+loanID+"/flag-default-risk", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Flag failed: %d %s", rr.Code, rr.Body.String())
	}
	var flagged models.Loan
	decodeBody(t, rr, &flagged)
	if flagged.DefaultRiskFlaggedAt == nil {
		t.Error("Expected DefaultRiskFlaggedAt to be set")
	}

	rr = e.do(t, "GET", "/loans/"+loanID, nil)
	var statusResp struct {
		Status ledger.Status `json:"status"`
	}
	decodeBody(t, rr, &statusResp)
	if statusResp.Status != ledger.StatusDefaultRisk {
		t.Errorf("Expected DEFAULT_RISK, got %s", statusResp.Status)
	}

	rr = e.do(t, "POST", "/loans/"+loanID+"/default", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Default failed: %d %s", rr.Code, rr.Body.String())
	}

	rr = e.do(t, "GET", "/loans/"+loanID, nil)
	decodeBody(t, rr, &statusResp)
	if statusResp.Status != ledger.StatusDefault {
		t.Errorf("Expected DEFAULT, got %s", statusResp.Status)
	}
}

func TestDailySweep_FlagsDefaultRiskAtThreshold(t *testing.T) {
	e := setupTestServer(t, "test_api_sweep.db")

	atRisk := createTestLoan(t, e)

	// A second loan disbursed a day later sits at 89 days overdue when the
	// sweep runs.
	rr := e.do(t, "POST", "/loans", map[string]interface{}{
		"borrower_key":  "borrower-2",
		"principal":     "12000",
		"total_amount":  "13200",
		"interest_rate": "10",
		"term_months":   12,
		"method":        "RULE_OF_78",
		"scheme":        "EXACT_MONTHLY",
		"disbursed_at":  testDisbursedAt.AddDate(0, 0, 1),
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Loan creation failed: %d %s", rr.Code, rr.Body.String())
	}
	var younger createLoanResponse
	decodeBody(t, rr, &younger)

	// Exactly DefaultRiskDays overdue: the boundary is inclusive.
	*e.clock = atRisk.Installments[0].DueDate.AddDate(0, 0, e.server.cfg.DefaultRiskDays)
	e.server.runDailySweep()

	flagged, err := e.server.storage.GetLoan(atRisk.Loan.ID)
	if err != nil {
		t.Fatalf("Failed to get loan: %v", err)
	}
	if flagged.DefaultRiskFlaggedAt == nil {
		t.Fatal("Expected loan at the threshold to be flagged")
	}
	if !flagged.DefaultRiskFlaggedAt.Equal(*e.clock) {
		t.Errorf("Expected flag timestamp %v, got %v", *e.clock, flagged.DefaultRiskFlaggedAt)
	}

	rr = e.do(t, "GET", "/loans/"+atRisk.Loan.ID.String(), nil)
	var statusResp struct {
		Status ledger.Status `json:"status"`
	}
	decodeBody(t, rr, &statusResp)
	if statusResp.Status != ledger.StatusDefaultRisk {
		t.Errorf("Expected DEFAULT_RISK, got %s", statusResp.Status)
	}

	// One day short of the threshold: late, but not flagged.
	unflagged, err := e.server.storage.GetLoan(younger.Loan.ID)
	if err != nil {
		t.Fatalf("Failed to get loan: %v", err)
	}
	if unflagged.DefaultRiskFlaggedAt != nil {
		t.Errorf("Loan 89 days overdue should not be flagged, got %v", unflagged.DefaultRiskFlaggedAt)
	}

	// Re-running the sweep keeps the original flag timestamp.
	first := *flagged.DefaultRiskFlaggedAt
	*e.clock = e.clock.AddDate(0, 0, 1)
	e.server.runDailySweep()
	again, err := e.server.storage.GetLoan(atRisk.Loan.ID)
	if err != nil {
		t.Fatalf("Failed to get loan: %v", err)
	}
	if !again.DefaultRiskFlaggedAt.Equal(first) {
		t.Errorf("Expected flag timestamp to stay %v, got %v", first, again.DefaultRiskFlaggedAt)
	}
}

func TestDailySweep_SkipsInconsistentLedger(t *testing.T) {
	e := setupTestServer(t, "test_api_sweep_skip.db")

	corrupted := createTestLoan(t, e)
	healthy := createTestLoan(t, e)

	// A double-posted reference written straight to the store: replay for
	// this loan must fail, and the sweep must move on.
	for i := 0; i < 2; i++ {
		txn := &models.PaymentTransaction{
			ID:        uuid.New(),
			LoanID:    corrupted.Loan.ID,
			Amount:    decimal.RequireFromString("100"),
			Reference: "RCP-DUP",
			Timestamp: testDisbursedAt.AddDate(0, 0, i),
		}
		if err := e.server.storage.CreateTransaction(txn); err != nil {
			t.Fatalf("Failed to create transaction: %v", err)
		}
	}

	*e.clock = corrupted.Installments[0].DueDate.AddDate(0, 0, e.server.cfg.DefaultRiskDays)
	e.server.runDailySweep()

	skipped, err := e.server.storage.GetLoan(corrupted.Loan.ID)
	if err != nil {
		t.Fatalf("Failed to get loan: %v", err)
	}
	if skipped.DefaultRiskFlaggedAt != nil {
		t.Error("Corrupted loan must not be auto-flagged")
	}

	flagged, err := e.server.storage.GetLoan(healthy.Loan.ID)
	if err != nil {
		t.Fatalf("Failed to get loan: %v", err)
	}
	if flagged.DefaultRiskFlaggedAt == nil {
		t.Error("Healthy loan should still be flagged")
	}
}

func TestPolicyAttachedLoanAccruesLateFees(t *testing.T) {
	e := setupTestServer(t, "test_api_latefee.db")

	rr := e.do(t, "POST", "/policies", map[string]interface{}{
		"name":               "standard",
		"late_fee_rate":      "0",
		"fixed_fee_amount":   "50",
		"fee_frequency_days": 7,
		"grace_period_days":  7,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Policy creation failed: %d %s", rr.Code, rr.Body.String())
	}
	var policy models.GraceFeePolicy
	decodeBody(t, rr, &policy)

	rr = e.do(t, "POST", "/loans", map[string]interface{}{
		"borrower_key":  "borrower-2",
		"principal":     "12000",
		"total_amount":  "13200",
		"interest_rate": "10",
		"term_months":   12,
		"method":        "RULE_OF_78",
		"scheme":        "EXACT_MONTHLY",
		"disbursed_at":  testDisbursedAt,
		"policy_id":     policy.ID,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Loan creation failed: %d %s", rr.Code, rr.Body.String())
	}
	var created createLoanResponse
	decodeBody(t, rr, &created)

	// Ten days past due: one fixed charge, and the loan reads LATE.
	*e.clock = created.Installments[0].DueDate.AddDate(0, 0, 10)
	rr = e.do(t, "GET", "/loans/"+created.Loan.ID.String()+"/ledger", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Ledger failed: %d %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Ledger ledger.LedgerView `json:"ledger"`
		Status ledger.Status     `json:"status"`
	}
	decodeBody(t, rr, &resp)
	if resp.Status != ledger.StatusLate {
		t.Errorf("Expected LATE, got %s", resp.Status)
	}
	if len(resp.Ledger.OverdueInstallments) != 1 {
		t.Fatalf("Expected 1 overdue installment, got %d", len(resp.Ledger.OverdueInstallments))
	}
	od := resp.Ledger.OverdueInstallments[0]
	if !od.LateFeeAmount.Equal(decimal.RequireFromString("50")) {
		t.Errorf("Expected late fee 50, got %s", od.LateFeeAmount)
	}
	if !resp.Ledger.OutstandingBalance.Equal(decimal.RequireFromString("13250")) {
		t.Errorf("Expected balance 13250, got %s", resp.Ledger.OutstandingBalance)
	}
}
