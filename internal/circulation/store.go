// internal/circulation/store.go
package circulation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Errors returned by Store implementations.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("conflicting write")
)

// Store is the persistence collaborator. Every method is individually atomic;
// no cross-entity transaction is assumed.
type Store interface {
	// Lock serialises work on one key until release is called. It blocks until
	// the lock is free or ctx is done.
	Lock(ctx context.Context, key string) (release func(), err error)

	GetCopy(ctx context.Context, copyID uuid.UUID) (Copy, error)
	CopiesOfTitle(ctx context.Context, titleID uuid.UUID) ([]Copy, error)
	ListCopies(ctx context.Context) ([]Copy, error)
	SetCopyAvailable(ctx context.Context, copyID uuid.UUID, available bool) error

	GetLoan(ctx context.Context, loanID uuid.UUID) (Loan, error)
	// LoansForCopy returns the copy's loan history ordered by request date.
	LoansForCopy(ctx context.Context, copyID uuid.UUID) ([]Loan, error)
	// HasOverdueLoans reports an active loan of the borrower due before today.
	HasOverdueLoans(ctx context.Context, borrowerID uuid.UUID, today time.Time) (bool, error)
	// InsertLoan fails with ErrConflict if the copy already has an active loan.
	InsertLoan(ctx context.Context, loan Loan) error
	// SetLoanReturnDate closes (returnDate != nil) an active loan or reopens
	// (returnDate == nil) a returned one. The wrong starting state is ErrConflict.
	SetLoanReturnDate(ctx context.Context, loanID uuid.UUID, returnDate *time.Time) error
	DeleteLoan(ctx context.Context, loanID uuid.UUID) error

	GetReservation(ctx context.Context, reservationID uuid.UUID) (Reservation, error)
	// UpdateReservation moves a reservation from one status to another.
	// A reservation not currently in from is ErrConflict.
	UpdateReservation(ctx context.Context, reservationID uuid.UUID, from, to ReservationStatus, loanID *uuid.UUID) error
}

// Journal records circulation events for audit. Failures never fail an operation.
type Journal interface {
	Record(ctx context.Context, aggregateID uuid.UUID, aggregateType, eventType string, payload any) error
}

// Logger interface for operational messages, repairs and compensation failures.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func copyLockKey(copyID uuid.UUID) string {
	return "copy:" + copyID.String()
}

func reservationLockKey(reservationID uuid.UUID) string {
	return "reservation:" + reservationID.String()
}
