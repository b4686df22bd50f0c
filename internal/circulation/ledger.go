// internal/circulation/ledger.go
package circulation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CopyState is a copy's availability flag next to what its loan history says.
type CopyState struct {
	Copy        Copy   `json:"copy"`
	LatestLoan  *Loan  `json:"latest_loan,omitempty"`
	ActiveLoans []Loan `json:"active_loans,omitempty"`
}

// AvailableByHistory is the authoritative availability: no loan on the copy is active.
func (s CopyState) AvailableByHistory() bool {
	return len(s.ActiveLoans) == 0
}

// LatestLoanActive reports whether the most recent loan is still open.
func (s CopyState) LatestLoanActive() bool {
	return s.LatestLoan != nil && s.LatestLoan.IsActive()
}

// Drifted reports a flag that disagrees with the loan history.
func (s CopyState) Drifted() bool {
	return s.Copy.Available != s.AvailableByHistory()
}

// project derives a copy's state from its loan history, ordered by request date.
func project(c Copy, history []Loan) CopyState {
	s := CopyState{Copy: c}

	for i := range history {
		loan := history[i]
		if loan.IsActive() {
			s.ActiveLoans = append(s.ActiveLoans, loan)
		}
		if s.LatestLoan == nil || !loan.RequestDate.Before(s.LatestLoan.RequestDate) {
			s.LatestLoan = &loan
		}
	}

	return s
}

// Ledger is the copy availability ledger. The flag on Copy is a cache of the
// loan history; callers pair every loan write with a flag write.
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// State loads a copy and projects its loan history.
func (l *Ledger) State(ctx context.Context, copyID uuid.UUID) (CopyState, error) {
	c, err := l.store.GetCopy(ctx, copyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return CopyState{}, ErrCopyNotFound
		}
		return CopyState{}, fmt.Errorf("get copy: %w", err)
	}

	return l.StateOf(ctx, c)
}

// StateOf projects the loan history of an already loaded copy.
func (l *Ledger) StateOf(ctx context.Context, c Copy) (CopyState, error) {
	history, err := l.store.LoansForCopy(ctx, c.ID)
	if err != nil {
		return CopyState{}, fmt.Errorf("load loan history: %w", err)
	}

	return project(c, history), nil
}

// IsAvailable reports whether no loan on the copy is active.
func (l *Ledger) IsAvailable(ctx context.Context, copyID uuid.UUID) (bool, error) {
	s, err := l.State(ctx, copyID)
	if err != nil {
		return false, err
	}
	return s.AvailableByHistory(), nil
}

func (l *Ledger) MarkUnavailable(ctx context.Context, copyID uuid.UUID) error {
	return l.store.SetCopyAvailable(ctx, copyID, false)
}

func (l *Ledger) MarkAvailable(ctx context.Context, copyID uuid.UUID) error {
	return l.store.SetCopyAvailable(ctx, copyID, true)
}
