package main

import (
	"errors"

	"github.com/sirupsen/logrus"

	"loanledger/pkg/ledger"
)

// runDailySweep classifies every active loan and escalates the ones whose
// oldest overdue installment has passed the default-risk threshold. A loan
// that fails replay is reported and skipped; automatic processing must not
// continue on a corrupted ledger.
func (s *Server) runDailySweep() {
	loans, err := s.storage.GetActiveLoans()
	if err != nil {
		s.log.WithError(err).Error("sweep: failed to list active loans")
		return
	}

	var late, flagged, failed int
	for _, loan := range loans {
		agg, err := s.loadAggregate(loan.ID)
		if err != nil {
			s.log.WithError(err).WithField("loan_id", loan.ID).Error("sweep: failed to load loan")
			failed++
			continue
		}

		view, err := s.replay(agg)
		if err != nil {
			if errors.Is(err, ledger.ErrInconsistentLedgerState) {
				s.log.WithError(err).WithField("loan_id", loan.ID).Error("sweep: ledger inconsistent, loan needs manual review")
			} else {
				s.log.WithError(err).WithField("loan_id", loan.ID).Error("sweep: replay failed")
			}
			failed++
			continue
		}

		status := ledger.Classify(agg.loan, view)
		if status == ledger.StatusLate {
			late++
		}

		maxOverdue := 0
		for _, od := range view.OverdueInstallments {
			if od.DaysOverdue > maxOverdue {
				maxOverdue = od.DaysOverdue
			}
		}
		if maxOverdue >= s.cfg.DefaultRiskDays && agg.loan.DefaultRiskFlaggedAt == nil {
			unlock := s.lockLoan(loan.ID)
			ledger.FlagDefaultRisk(agg.loan, s.now())
			err := s.storage.UpdateLoan(agg.loan)
			unlock()
			if err != nil {
				s.log.WithError(err).WithField("loan_id", loan.ID).Error("sweep: failed to flag default risk")
				failed++
				continue
			}
			flagged++
			s.log.WithFields(logrus.Fields{
				"loan_id":      loan.ID,
				"days_overdue": maxOverdue,
			}).Warn("sweep: loan flagged as default risk")
		}
	}

	s.log.WithFields(logrus.Fields{
		"active":  len(loans),
		"late":    late,
		"flagged": flagged,
		"failed":  failed,
	}).Info("daily sweep complete")
}
