// internal/circulation/loans.go
package circulation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"schoollib/internal/policy"
)

// CreateLoan lends a specific copy to a borrower. termDays of zero selects the default term.
func (s *service) CreateLoan(ctx context.Context, borrowerID, copyID uuid.UUID, termDays int) (_ *Loan, err error) {
	ctx, span := s.startSpan(ctx, "circulation.create_loan",
		attribute.String("borrower.id", borrowerID.String()),
		attribute.String("copy.id", copyID.String()),
		attribute.Int("term.days", termDays),
	)
	defer func() { endSpan(span, err) }()

	if termDays == 0 {
		termDays = s.defaultTerm
	}
	term, err := policy.ResolveTerm(termDays)
	if err != nil {
		return nil, err
	}

	release, err := s.lock(ctx, copyLockKey(copyID))
	if err != nil {
		return nil, err
	}
	defer release()

	// Step 1: the copy must be free by its loan history
	state, err := s.ledger.State(ctx, copyID)
	if err != nil {
		return nil, err
	}
	if !state.AvailableByHistory() {
		return nil, ErrCopyUnavailable
	}

	// Step 2: the borrower must not have overdue loans
	today := s.clock.Today()
	overdue, err := s.store.HasOverdueLoans(ctx, borrowerID, today)
	if err != nil {
		return nil, fmt.Errorf("check overdue loans: %w", err)
	}
	if overdue {
		return nil, ErrBorrowerHasOverdueLoans
	}

	loan := Loan{
		ID:          uuid.New(),
		BorrowerID:  borrowerID,
		CopyID:      copyID,
		RequestDate: today,
		DueDate:     policy.DueDate(today, term),
	}

	if err := s.openLoan(ctx, s.begin("create_loan"), loan); err != nil {
		return nil, err
	}

	s.loansOpened.Add(ctx, 1)
	s.logger.Info(logMsgLoanOpened, logAttrLoanID, loan.ID.String(), logAttrCopyID, copyID.String())
	s.record(ctx, loan.ID, aggregateLoan, EventLoanOpened, LoanOpenedEvent{
		LoanID:     loan.ID,
		BorrowerID: borrowerID,
		CopyID:     copyID,
		DueDate:    loan.DueDate,
	})

	return &loan, nil
}

// openLoan inserts the loan and flips the copy to unavailable, registering
// compensations on uow. The caller holds the copy lock.
func (s *service) openLoan(ctx context.Context, uow *unitOfWork, loan Loan) error {
	if err := s.store.InsertLoan(ctx, loan); err != nil {
		if errors.Is(err, ErrConflict) {
			return ErrCopyUnavailable
		}
		return fmt.Errorf("insert loan: %w", err)
	}
	uow.onRollback("delete loan", func(ctx context.Context) error {
		return s.store.DeleteLoan(ctx, loan.ID)
	})

	if err := s.ledger.MarkUnavailable(ctx, loan.CopyID); err != nil {
		return uow.rollback(ctx, fmt.Errorf("mark copy unavailable: %w", err))
	}
	uow.onRollback("mark copy available", func(ctx context.Context) error {
		return s.ledger.MarkAvailable(ctx, loan.CopyID)
	})

	return nil
}

// CloseLoan returns a loan and frees its copy.
func (s *service) CloseLoan(ctx context.Context, loanID uuid.UUID) (_ *Loan, err error) {
	ctx, span := s.startSpan(ctx, "circulation.close_loan", attribute.String("loan.id", loanID.String()))
	defer func() { endSpan(span, err) }()

	loan, err := s.getLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}

	release, err := s.lock(ctx, copyLockKey(loan.CopyID))
	if err != nil {
		return nil, err
	}
	defer release()

	// re-read under the lock, a concurrent return may have won
	loan, err = s.getLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if !loan.IsActive() {
		return nil, ErrLoanAlreadyReturned
	}

	state, err := s.ledger.State(ctx, loan.CopyID)
	if err != nil {
		return nil, err
	}

	today := s.clock.Today()
	uow := s.begin("close_loan")

	if err := s.store.SetLoanReturnDate(ctx, loan.ID, &today); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrLoanAlreadyReturned
		}
		return nil, fmt.Errorf("set return date: %w", err)
	}
	uow.onRollback("reopen loan", func(ctx context.Context) error {
		return s.store.SetLoanReturnDate(ctx, loan.ID, nil)
	})

	// other active loans on the copy mean the history itself has drifted; the
	// flag follows the history
	stillLent := len(state.ActiveLoans) > 1
	if stillLent {
		s.logger.Warn(logMsgExtraActiveLoans,
			logAttrCopyID, loan.CopyID.String(),
			logAttrActiveLoans, len(state.ActiveLoans)-1)
		err = s.ledger.MarkUnavailable(ctx, loan.CopyID)
	} else {
		err = s.ledger.MarkAvailable(ctx, loan.CopyID)
	}
	if err != nil {
		return nil, uow.rollback(ctx, fmt.Errorf("update copy availability: %w", err))
	}

	loan.ReturnDate = &today

	s.loansClosed.Add(ctx, 1)
	s.logger.Info(logMsgLoanClosed, logAttrLoanID, loan.ID.String(), logAttrCopyID, loan.CopyID.String())
	s.record(ctx, loan.ID, aggregateLoan, EventLoanClosed, LoanClosedEvent{
		LoanID:     loan.ID,
		CopyID:     loan.CopyID,
		ReturnDate: today,
	})

	return &loan, nil
}

func (s *service) getLoan(ctx context.Context, loanID uuid.UUID) (Loan, error) {
	loan, err := s.store.GetLoan(ctx, loanID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Loan{}, ErrLoanNotFound
		}
		return Loan{}, fmt.Errorf("get loan: %w", err)
	}
	return loan, nil
}
