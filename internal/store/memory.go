// internal/store/memory.go
package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"schoollib/internal/circulation"
	"schoollib/internal/policy"
)

// Memory is an in-process circulation store. It enforces the same
// constraints as the postgres schema, including one active loan per copy.
type Memory struct {
	mu           sync.RWMutex
	titles       map[uuid.UUID]circulation.Title
	copies       map[uuid.UUID]circulation.Copy
	copyOrder    []uuid.UUID
	loans        map[uuid.UUID]circulation.Loan
	loanOrder    []uuid.UUID
	reservations map[uuid.UUID]circulation.Reservation

	locks  *keyLocks
	writes atomic.Int64
}

func NewMemory() *Memory {
	return &Memory{
		titles:       make(map[uuid.UUID]circulation.Title),
		copies:       make(map[uuid.UUID]circulation.Copy),
		loans:        make(map[uuid.UUID]circulation.Loan),
		reservations: make(map[uuid.UUID]circulation.Reservation),
		locks:        newKeyLocks(),
	}
}

// Writes counts the mutating Store calls that changed state.
func (m *Memory) Writes() int64 {
	return m.writes.Load()
}

// AddTitle registers a title. Administrative, not counted as a write.
func (m *Memory) AddTitle(t circulation.Title) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titles[t.ID] = t
}

// AddCopy registers a copy with whatever flag it carries.
func (m *Memory) AddCopy(c circulation.Copy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.copies[c.ID]; !ok {
		m.copyOrder = append(m.copyOrder, c.ID)
	}
	m.copies[c.ID] = c
}

// AddLoan stores a loan as-is, bypassing every check. Used to load history,
// including histories that have drifted from the flags.
func (m *Memory) AddLoan(l circulation.Loan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loans[l.ID]; !ok {
		m.loanOrder = append(m.loanOrder, l.ID)
	}
	m.loans[l.ID] = l
}

// AddReservation stores a reservation as-is.
func (m *Memory) AddReservation(r circulation.Reservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[r.ID] = r
}

func (m *Memory) Lock(ctx context.Context, key string) (func(), error) {
	return m.locks.acquire(ctx, key)
}

func (m *Memory) GetCopy(_ context.Context, copyID uuid.UUID) (circulation.Copy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.copies[copyID]
	if !ok {
		return circulation.Copy{}, circulation.ErrNotFound
	}
	return c, nil
}

func (m *Memory) CopiesOfTitle(_ context.Context, titleID uuid.UUID) ([]circulation.Copy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []circulation.Copy
	for _, id := range m.copyOrder {
		if c := m.copies[id]; c.TitleID == titleID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) ListCopies(_ context.Context) ([]circulation.Copy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]circulation.Copy, 0, len(m.copyOrder))
	for _, id := range m.copyOrder {
		out = append(out, m.copies[id])
	}
	return out, nil
}

func (m *Memory) SetCopyAvailable(_ context.Context, copyID uuid.UUID, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.copies[copyID]
	if !ok {
		return circulation.ErrNotFound
	}
	c.Available = available
	m.copies[copyID] = c
	m.writes.Add(1)
	return nil
}

func (m *Memory) GetLoan(_ context.Context, loanID uuid.UUID) (circulation.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.loans[loanID]
	if !ok {
		return circulation.Loan{}, circulation.ErrNotFound
	}
	return l, nil
}

func (m *Memory) LoansForCopy(_ context.Context, copyID uuid.UUID) ([]circulation.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []circulation.Loan
	for _, id := range m.loanOrder {
		if l, ok := m.loans[id]; ok && l.CopyID == copyID {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RequestDate.Before(out[j].RequestDate) })
	return out, nil
}

func (m *Memory) HasOverdueLoans(_ context.Context, borrowerID uuid.UUID, today time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, l := range m.loans {
		if l.BorrowerID == borrowerID && l.IsActive() && policy.IsOverdue(l.DueDate, today) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) InsertLoan(_ context.Context, loan circulation.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.copies[loan.CopyID]; !ok {
		return circulation.ErrNotFound
	}
	if _, ok := m.loans[loan.ID]; ok {
		return circulation.ErrConflict
	}
	if loan.IsActive() && m.hasActiveLoanLocked(loan.CopyID, uuid.Nil) {
		return circulation.ErrConflict
	}

	m.loans[loan.ID] = loan
	m.loanOrder = append(m.loanOrder, loan.ID)
	m.writes.Add(1)
	return nil
}

func (m *Memory) SetLoanReturnDate(_ context.Context, loanID uuid.UUID, returnDate *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.loans[loanID]
	if !ok {
		return circulation.ErrNotFound
	}

	if returnDate != nil {
		if !l.IsActive() {
			return circulation.ErrConflict
		}
		d := *returnDate
		l.ReturnDate = &d
	} else {
		if l.IsActive() || m.hasActiveLoanLocked(l.CopyID, l.ID) {
			return circulation.ErrConflict
		}
		l.ReturnDate = nil
	}

	m.loans[loanID] = l
	m.writes.Add(1)
	return nil
}

func (m *Memory) DeleteLoan(_ context.Context, loanID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.loans[loanID]; !ok {
		return circulation.ErrNotFound
	}
	delete(m.loans, loanID)
	for i, id := range m.loanOrder {
		if id == loanID {
			m.loanOrder = append(m.loanOrder[:i], m.loanOrder[i+1:]...)
			break
		}
	}
	m.writes.Add(1)
	return nil
}

func (m *Memory) GetReservation(_ context.Context, reservationID uuid.UUID) (circulation.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reservations[reservationID]
	if !ok {
		return circulation.Reservation{}, circulation.ErrNotFound
	}
	return r, nil
}

func (m *Memory) UpdateReservation(_ context.Context, reservationID uuid.UUID, from, to circulation.ReservationStatus, loanID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[reservationID]
	if !ok {
		return circulation.ErrNotFound
	}
	if r.Status != from {
		return circulation.ErrConflict
	}
	r.Status = to
	r.LoanID = loanID
	m.reservations[reservationID] = r
	m.writes.Add(1)
	return nil
}

// DriftedCopies lists copies whose flag disagrees with their loan history.
func (m *Memory) DriftedCopies(_ context.Context) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []uuid.UUID
	for _, id := range m.copyOrder {
		if m.copies[id].Available == m.hasActiveLoanLocked(id, uuid.Nil) {
			out = append(out, id)
		}
	}
	return out, nil
}

// ActiveLoanCount returns the number of open loans on a copy.
func (m *Memory) ActiveLoanCount(copyID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, l := range m.loans {
		if l.CopyID == copyID && l.IsActive() {
			n++
		}
	}
	return n
}

func (m *Memory) hasActiveLoanLocked(copyID, except uuid.UUID) bool {
	for id, l := range m.loans {
		if id != except && l.CopyID == copyID && l.IsActive() {
			return true
		}
	}
	return false
}
