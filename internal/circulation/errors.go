// internal/circulation/errors.go
package circulation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"schoollib/internal/policy"
)

// Precondition violations.
var (
	ErrCopyUnavailable             = errors.New("copy is not available")
	ErrBorrowerHasOverdueLoans     = errors.New("borrower has overdue loans")
	ErrLoanAlreadyReturned         = errors.New("loan already returned")
	ErrReservationAlreadyProcessed = errors.New("reservation already processed")
	ErrNoCopiesExist               = errors.New("title has no copies")
	ErrNoCopyAvailable             = errors.New("no copy available")
	ErrInvalidTerm                 = policy.ErrInvalidTerm
)

// Not-found errors.
var (
	ErrLoanNotFound        = errors.New("loan not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrCopyNotFound        = errors.New("copy not found")
)

var (
	// ErrInternalInconsistency marks a failed compensation; operators must intervene.
	ErrInternalInconsistency = errors.New("internal inconsistency")
	// ErrLockTimeout is returned when a copy or reservation stays locked past the deadline.
	ErrLockTimeout = errors.New("resource busy, lock not acquired")
)

// NoCopyAvailableError carries the diagnostics gathered while looking for a copy.
type NoCopyAvailableError struct {
	TitleID     uuid.UUID `json:"title_id"`
	CopiesTotal int       `json:"copies_total"`
	ActiveLoans int       `json:"active_loans"`
}

func (e *NoCopyAvailableError) Error() string {
	return fmt.Sprintf("no copy available for title %s: %d copies, %d active loans detected",
		e.TitleID, e.CopiesTotal, e.ActiveLoans)
}

func (e *NoCopyAvailableError) Is(target error) bool {
	return target == ErrNoCopyAvailable
}

// InconsistencyError reports a multi-step write whose compensation failed.
type InconsistencyError struct {
	Op      string
	Cause   error
	UndoErr error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("%s: %v; compensation failed: %v", e.Op, e.Cause, e.UndoErr)
}

func (e *InconsistencyError) Is(target error) bool {
	return target == ErrInternalInconsistency
}

func (e *InconsistencyError) Unwrap() []error {
	return []error{e.Cause, e.UndoErr}
}
