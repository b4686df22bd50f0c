// internal/circulation/service.go
package circulation

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the operations the circulation core offers to handlers.
type Service interface {
	CreateLoan(ctx context.Context, borrowerID, copyID uuid.UUID, termDays int) (*Loan, error)
	CloseLoan(ctx context.Context, loanID uuid.UUID) (*Loan, error)
	ApproveReservation(ctx context.Context, reservationID uuid.UUID) (*Approval, error)
	RejectReservation(ctx context.Context, reservationID uuid.UUID) (*Reservation, error)
	IsCopyAvailable(ctx context.Context, copyID uuid.UUID) (bool, error)
	InspectCopy(ctx context.Context, copyID uuid.UUID) (*CopyState, error)
	ReconcileCopies(ctx context.Context) (*SweepReport, error)
}
