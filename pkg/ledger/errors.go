package ledger

import "errors"

var (
	// ErrInconsistentLedgerState means replaying the transaction stream
	// would apply more to a bucket than it ever owed. This signals upstream
	// data corruption or a double-posted transaction; it is surfaced, never
	// clamped, and automatic processing for the loan must stop.
	ErrInconsistentLedgerState = errors.New("inconsistent ledger state")

	// ErrStaleQuote means a settlement finalize raced with a new payment.
	// The caller re-quotes and retries.
	ErrStaleQuote = errors.New("settlement quote is stale")

	// ErrPolicyMissing marks a loan with no grace/fee policy. Accrual
	// treats it as zero fee; callers log it instead of guessing a default.
	ErrPolicyMissing = errors.New("grace/fee policy missing")
)
