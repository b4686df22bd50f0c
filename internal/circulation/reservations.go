// internal/circulation/reservations.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"schoollib/internal/policy"
)

// SelectionPath names the rule that picked a copy for a reservation.
type SelectionPath string

const (
	PathNone SelectionPath = ""
	// PathConsistent: flagged available and free by history.
	PathConsistent SelectionPath = "consistent"
	// PathReconciled: flagged available but history shows an active loan, which is closed first.
	PathReconciled SelectionPath = "reconciled"
	// PathFallback: free by history although flagged unavailable.
	PathFallback SelectionPath = "fallback"
)

func (p SelectionPath) rank() int {
	switch p {
	case PathConsistent:
		return 0
	case PathReconciled:
		return 1
	case PathFallback:
		return 2
	default:
		return 3
	}
}

// classify applies the selection rules to one copy. Only the most recent loan
// counts as the history signal.
func classify(s CopyState) SelectionPath {
	active := s.LatestLoanActive()

	switch {
	case s.Copy.Available && !active:
		return PathConsistent
	case s.Copy.Available && active:
		return PathReconciled
	case !active:
		return PathFallback
	default:
		return PathNone
	}
}

type candidate struct {
	copyID uuid.UUID
	path   SelectionPath
}

// rankCandidates orders the eligible copies by selection rule, keeping store order within a rule.
func rankCandidates(states []CopyState) []candidate {
	out := make([]candidate, 0, len(states))
	for _, st := range states {
		if p := classify(st); p != PathNone {
			out = append(out, candidate{copyID: st.Copy.ID, path: p})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].path.rank() < out[j].path.rank() })
	return out
}

// errCandidateGone signals that a copy stopped qualifying between snapshot and commit.
var errCandidateGone = errors.New("candidate no longer eligible")

// ApproveReservation converts a pending reservation into a loan on some copy of its title.
// The overdue-borrower block of CreateLoan does not apply here.
func (s *service) ApproveReservation(ctx context.Context, reservationID uuid.UUID) (_ *Approval, err error) {
	ctx, span := s.startSpan(ctx, "circulation.approve_reservation",
		attribute.String("reservation.id", reservationID.String()))
	defer func() { endSpan(span, err) }()

	release, err := s.lock(ctx, reservationLockKey(reservationID))
	if err != nil {
		return nil, err
	}
	defer release()

	// Step 1: load and guard against double approval
	res, err := s.pendingReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	// Step 2: enumerate copies of the title
	copies, err := s.store.CopiesOfTitle(ctx, res.TitleID)
	if err != nil {
		return nil, fmt.Errorf("list copies: %w", err)
	}
	if len(copies) == 0 {
		return nil, ErrNoCopiesExist
	}

	// Steps 3-4: snapshot of flags and loan history
	states := make([]CopyState, 0, len(copies))
	activeLoans := 0
	for _, c := range copies {
		st, err := s.ledger.StateOf(ctx, c)
		if err != nil {
			return nil, err
		}
		if st.LatestLoanActive() {
			activeLoans++
		}
		states = append(states, st)
	}

	// Step 5: try candidates in rule order, re-validating each under its lock
	for _, cand := range rankCandidates(states) {
		approval, err := s.approveOnCopy(ctx, res, cand.copyID)
		if errors.Is(err, errCandidateGone) {
			s.logger.Debug(logMsgCandidateSkipped,
				logAttrReservationID, res.ID.String(),
				logAttrCopyID, cand.copyID.String(),
				logAttrPath, string(cand.path))
			continue
		}
		if err != nil {
			return nil, err
		}

		span.SetAttributes(attribute.String("selection.path", string(approval.Path)))
		s.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("path", string(approval.Path))))
		s.loansOpened.Add(ctx, 1)
		s.logger.Info(logMsgReservationApproved,
			logAttrReservationID, res.ID.String(),
			logAttrLoanID, approval.Loan.ID.String(),
			logAttrCopyID, approval.Loan.CopyID.String(),
			logAttrPath, string(approval.Path))
		s.record(ctx, approval.Loan.ID, aggregateLoan, EventLoanOpened, LoanOpenedEvent{
			LoanID:        approval.Loan.ID,
			BorrowerID:    approval.Loan.BorrowerID,
			CopyID:        approval.Loan.CopyID,
			ReservationID: approval.Loan.ReservationID,
			DueDate:       approval.Loan.DueDate,
		})
		s.record(ctx, res.ID, aggregateReservation, EventReservationApproved, ReservationDecidedEvent{
			ReservationID: res.ID,
			Status:        ReservationApproved,
			LoanID:        &approval.Loan.ID,
			Path:          approval.Path,
		})

		return approval, nil
	}

	return nil, &NoCopyAvailableError{
		TitleID:     res.TitleID,
		CopiesTotal: len(copies),
		ActiveLoans: activeLoans,
	}
}

// approveOnCopy re-validates one copy under its lock and, if it still
// qualifies, lends it against the reservation.
func (s *service) approveOnCopy(ctx context.Context, res Reservation, copyID uuid.UUID) (*Approval, error) {
	release, err := s.lock(ctx, copyLockKey(copyID))
	if errors.Is(err, ErrLockTimeout) {
		// busy with another operation, try the next copy
		s.logger.Debug(logMsgCandidateBusy,
			logAttrReservationID, res.ID.String(),
			logAttrCopyID, copyID.String())
		return nil, errCandidateGone
	}
	if err != nil {
		return nil, err
	}
	defer release()

	state, err := s.ledger.State(ctx, copyID)
	if errors.Is(err, ErrCopyNotFound) {
		return nil, errCandidateGone
	}
	if err != nil {
		return nil, err
	}

	path := classify(state)
	if path == PathNone {
		return nil, errCandidateGone
	}

	today := s.clock.Today()

	if path == PathReconciled {
		if err := s.closeStaleLoan(ctx, *state.LatestLoan, today); err != nil {
			s.logger.Warn(logMsgStaleLoanNotClosed,
				logAttrCopyID, copyID.String(),
				logAttrLoanID, state.LatestLoan.ID.String(),
				logAttrError, err.Error())
			return nil, errCandidateGone
		}
	}

	loan := Loan{
		ID:            uuid.New(),
		BorrowerID:    res.BorrowerID,
		CopyID:        copyID,
		ReservationID: &res.ID,
		RequestDate:   today,
		DueDate:       policy.DueDate(today, policy.DefaultTermDays),
	}

	uow := s.begin("approve_reservation")
	if err := s.openLoan(ctx, uow, loan); err != nil {
		if errors.Is(err, ErrCopyUnavailable) {
			// an older loan is still open on this copy
			return nil, errCandidateGone
		}
		return nil, err
	}

	err = s.store.UpdateReservation(ctx, res.ID, ReservationPending, ReservationApproved, &loan.ID)
	if err != nil {
		cause := fmt.Errorf("approve reservation: %w", err)
		if errors.Is(err, ErrConflict) {
			cause = ErrReservationAlreadyProcessed
		}
		return nil, uow.rollback(ctx, cause)
	}

	res.Status = ReservationApproved
	res.LoanID = &loan.ID

	return &Approval{Loan: loan, Reservation: res, Path: path}, nil
}

// closeStaleLoan repairs a copy flagged available whose latest loan never got a return date.
func (s *service) closeStaleLoan(ctx context.Context, stale Loan, today time.Time) error {
	if err := s.store.SetLoanReturnDate(ctx, stale.ID, &today); err != nil {
		return err
	}

	s.repairs.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "stale_loan")))
	s.logger.Warn(logMsgStaleLoanClosed,
		logAttrCopyID, stale.CopyID.String(),
		logAttrLoanID, stale.ID.String())
	s.record(ctx, stale.CopyID, aggregateCopy, EventStaleLoanClosed, LedgerRepairedEvent{
		CopyID:    stale.CopyID,
		LoanID:    &stale.ID,
		Available: true,
		Reason:    "copy flagged available while its latest loan was open",
	})

	return nil
}

// RejectReservation declines a pending reservation.
func (s *service) RejectReservation(ctx context.Context, reservationID uuid.UUID) (_ *Reservation, err error) {
	ctx, span := s.startSpan(ctx, "circulation.reject_reservation",
		attribute.String("reservation.id", reservationID.String()))
	defer func() { endSpan(span, err) }()

	release, err := s.lock(ctx, reservationLockKey(reservationID))
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := s.pendingReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateReservation(ctx, res.ID, ReservationPending, ReservationRejected, nil); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrReservationAlreadyProcessed
		}
		return nil, fmt.Errorf("reject reservation: %w", err)
	}
	res.Status = ReservationRejected

	s.logger.Info(logMsgReservationRejected, logAttrReservationID, res.ID.String())
	s.record(ctx, res.ID, aggregateReservation, EventReservationRejected, ReservationDecidedEvent{
		ReservationID: res.ID,
		Status:        ReservationRejected,
	})

	return &res, nil
}

func (s *service) pendingReservation(ctx context.Context, reservationID uuid.UUID) (Reservation, error) {
	res, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Reservation{}, ErrReservationNotFound
		}
		return Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	if res.Status != ReservationPending {
		return Reservation{}, ErrReservationAlreadyProcessed
	}
	return res, nil
}
