// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"
)

// Title groups the physical copies of one catalogued book.
type Title struct {
	ID   uuid.UUID `json:"id"`
	ISBN string    `json:"isbn,omitempty"`
	Name string    `json:"name"`
}

// Copy is one physical, independently loanable instance of a Title.
// Available is a projection of the loan history, not the source of truth.
type Copy struct {
	ID        uuid.UUID `json:"id"`
	TitleID   uuid.UUID `json:"title_id"`
	Condition string    `json:"condition,omitempty"`
	Available bool      `json:"available"`
}

// Loan is one borrowing transaction. A nil ReturnDate means the loan is active.
type Loan struct {
	ID            uuid.UUID  `json:"id"`
	BorrowerID    uuid.UUID  `json:"borrower_id"`
	CopyID        uuid.UUID  `json:"copy_id"`
	ReservationID *uuid.UUID `json:"reservation_id,omitempty"`
	RequestDate   time.Time  `json:"request_date"`
	DueDate       time.Time  `json:"due_date"`
	ReturnDate    *time.Time `json:"return_date,omitempty"`
}

// IsActive reports whether the loan has not been returned.
func (l Loan) IsActive() bool {
	return l.ReturnDate == nil
}

type ReservationStatus string

const (
	ReservationPending  ReservationStatus = "pending"
	ReservationApproved ReservationStatus = "approved"
	ReservationRejected ReservationStatus = "rejected"
)

// Reservation is a borrower's request for a Title rather than a specific copy.
type Reservation struct {
	ID          uuid.UUID         `json:"id"`
	BorrowerID  uuid.UUID         `json:"borrower_id"`
	TitleID     uuid.UUID         `json:"title_id"`
	Status      ReservationStatus `json:"status"`
	RequestedAt time.Time         `json:"requested_at"`
	LoanID      *uuid.UUID        `json:"loan_id,omitempty"`
}

// Approval is the outcome of approving a reservation.
type Approval struct {
	Loan        Loan          `json:"loan"`
	Reservation Reservation   `json:"reservation"`
	Path        SelectionPath `json:"path"`
}

// SweepReport summarises a reconciliation sweep over all copies.
type SweepReport struct {
	Checked        int         `json:"checked"`
	Repaired       int         `json:"repaired"`
	Failed         int         `json:"failed"`
	RepairedCopies []uuid.UUID `json:"repaired_copies,omitempty"`
}

// Journal event types.
const (
	EventLoanOpened          = "LoanOpened"
	EventLoanClosed          = "LoanClosed"
	EventReservationApproved = "ReservationApproved"
	EventReservationRejected = "ReservationRejected"
	EventStaleLoanClosed     = "StaleLoanClosed"
	EventCopyFlagRepaired    = "CopyFlagRepaired"

	aggregateLoan        = "loan"
	aggregateReservation = "reservation"
	aggregateCopy        = "copy"
)

// LoanOpenedEvent is recorded when a loan is created.
type LoanOpenedEvent struct {
	LoanID        uuid.UUID  `json:"loan_id"`
	BorrowerID    uuid.UUID  `json:"borrower_id"`
	CopyID        uuid.UUID  `json:"copy_id"`
	ReservationID *uuid.UUID `json:"reservation_id,omitempty"`
	DueDate       time.Time  `json:"due_date"`
}

// LoanClosedEvent is recorded when a loan is returned.
type LoanClosedEvent struct {
	LoanID     uuid.UUID `json:"loan_id"`
	CopyID     uuid.UUID `json:"copy_id"`
	ReturnDate time.Time `json:"return_date"`
}

// ReservationDecidedEvent is recorded when a reservation leaves pending.
type ReservationDecidedEvent struct {
	ReservationID uuid.UUID         `json:"reservation_id"`
	Status        ReservationStatus `json:"status"`
	LoanID        *uuid.UUID        `json:"loan_id,omitempty"`
	Path          SelectionPath     `json:"path,omitempty"`
}

// LedgerRepairedEvent is recorded for every consistency correction.
type LedgerRepairedEvent struct {
	CopyID    uuid.UUID  `json:"copy_id"`
	LoanID    *uuid.UUID `json:"loan_id,omitempty"`
	Available bool       `json:"available"`
	Reason    string     `json:"reason"`
}
