package circulation_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"schoollib/internal/circulation"
	"schoollib/internal/policy"
	"schoollib/internal/store"
)

var (
	today    = time.Date(2024, time.September, 2, 0, 0, 0, 0, time.UTC)
	errFault = errors.New("injected store fault")
)

// faultyStore fails chosen store calls. Everything else goes to the memory store.
type faultyStore struct {
	*store.Memory

	mu    sync.Mutex
	calls map[string]int
	rules map[string]int

	// onHistoryRead runs before the nth LoansForCopy call, outside any store lock.
	onHistoryRead func(n int, copyID uuid.UUID)
}

func newFaultyStore(m *store.Memory) *faultyStore {
	return &faultyStore{Memory: m, calls: make(map[string]int), rules: make(map[string]int)}
}

// failOn makes the nth call (1-based) to op fail; zero fails every call.
func (f *faultyStore) failOn(op string, nth int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[op] = nth
}

func (f *faultyStore) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[op]++
	nth, ok := f.rules[op]
	if !ok {
		return nil
	}
	if nth == 0 || nth == f.calls[op] {
		return errFault
	}
	return nil
}

func (f *faultyStore) LoansForCopy(ctx context.Context, copyID uuid.UUID) ([]circulation.Loan, error) {
	f.mu.Lock()
	f.calls["LoansForCopy"]++
	n, hook := f.calls["LoansForCopy"], f.onHistoryRead
	f.mu.Unlock()

	if hook != nil {
		hook(n, copyID)
	}
	return f.Memory.LoansForCopy(ctx, copyID)
}

func (f *faultyStore) SetCopyAvailable(ctx context.Context, copyID uuid.UUID, available bool) error {
	if err := f.check("SetCopyAvailable"); err != nil {
		return err
	}
	return f.Memory.SetCopyAvailable(ctx, copyID, available)
}

func (f *faultyStore) InsertLoan(ctx context.Context, loan circulation.Loan) error {
	if err := f.check("InsertLoan"); err != nil {
		return err
	}
	return f.Memory.InsertLoan(ctx, loan)
}

func (f *faultyStore) SetLoanReturnDate(ctx context.Context, loanID uuid.UUID, returnDate *time.Time) error {
	if err := f.check("SetLoanReturnDate"); err != nil {
		return err
	}
	return f.Memory.SetLoanReturnDate(ctx, loanID, returnDate)
}

func (f *faultyStore) DeleteLoan(ctx context.Context, loanID uuid.UUID) error {
	if err := f.check("DeleteLoan"); err != nil {
		return err
	}
	return f.Memory.DeleteLoan(ctx, loanID)
}

func (f *faultyStore) UpdateReservation(ctx context.Context, id uuid.UUID, from, to circulation.ReservationStatus, loanID *uuid.UUID) error {
	if err := f.check("UpdateReservation"); err != nil {
		return err
	}
	return f.Memory.UpdateReservation(ctx, id, from, to, loanID)
}

type recordedEvent struct {
	aggregateID uuid.UUID
	eventType   string
	payload     any
}

type recordingJournal struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (j *recordingJournal) Record(_ context.Context, aggregateID uuid.UUID, _, eventType string, payload any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.events = append(j.events, recordedEvent{aggregateID: aggregateID, eventType: eventType, payload: payload})
	return nil
}

func (j *recordingJournal) types() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.events))
	for _, e := range j.events {
		out = append(out, e.eventType)
	}
	return out
}

type testEnv struct {
	mem     *store.Memory
	faults  *faultyStore
	clock   *policy.FixedClock
	journal *recordingJournal
	svc     circulation.Service
}

func newTestEnv(t testing.TB, opts ...circulation.Option) *testEnv {
	t.Helper()

	mem := store.NewMemory()
	env := &testEnv{
		mem:     mem,
		faults:  newFaultyStore(mem),
		clock:   policy.NewFixedClock(today),
		journal: &recordingJournal{},
	}

	base := []circulation.Option{
		circulation.WithClock(env.clock),
		circulation.WithJournal(env.journal),
		circulation.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		circulation.WithLockTimeout(time.Second),
	}
	env.svc = circulation.NewService(env.faults, append(base, opts...)...)
	return env
}

func (e *testEnv) addTitle(copies int) (circulation.Title, []circulation.Copy) {
	title := circulation.Title{ID: uuid.New(), Name: "The Hobbit"}
	e.mem.AddTitle(title)

	out := make([]circulation.Copy, 0, copies)
	for range copies {
		c := circulation.Copy{ID: uuid.New(), TitleID: title.ID, Condition: "good", Available: true}
		e.mem.AddCopy(c)
		out = append(out, c)
	}
	return title, out
}

func (e *testEnv) addReservation(titleID uuid.UUID) circulation.Reservation {
	r := circulation.Reservation{
		ID:          uuid.New(),
		BorrowerID:  uuid.New(),
		TitleID:     titleID,
		Status:      circulation.ReservationPending,
		RequestedAt: today,
	}
	e.mem.AddReservation(r)
	return r
}

// addLoan loads a loan straight into history. returned is nil for an active loan.
func (e *testEnv) addLoan(borrowerID, copyID uuid.UUID, requested time.Time, returned *time.Time) circulation.Loan {
	l := circulation.Loan{
		ID:          uuid.New(),
		BorrowerID:  borrowerID,
		CopyID:      copyID,
		RequestDate: requested,
		DueDate:     policy.DueDate(requested, policy.DefaultTermDays),
		ReturnDate:  returned,
	}
	e.mem.AddLoan(l)
	return l
}

// setFlag overwrites a copy's flag without touching its history.
func (e *testEnv) setFlag(t require.TestingT, copyID uuid.UUID, available bool) {
	c := e.copy(t, copyID)
	c.Available = available
	e.mem.AddCopy(c)
}

func (e *testEnv) copy(t require.TestingT, copyID uuid.UUID) circulation.Copy {
	c, err := e.mem.GetCopy(context.Background(), copyID)
	require.NoError(t, err)
	return c
}

func (e *testEnv) loan(t require.TestingT, loanID uuid.UUID) circulation.Loan {
	l, err := e.mem.GetLoan(context.Background(), loanID)
	require.NoError(t, err)
	return l
}

func (e *testEnv) reservation(t require.TestingT, id uuid.UUID) circulation.Reservation {
	r, err := e.mem.GetReservation(context.Background(), id)
	require.NoError(t, err)
	return r
}

// requireConsistent checks that every flag matches its history and that no copy has two active loans.
func (e *testEnv) requireConsistent(t require.TestingT) {
	copies, err := e.mem.ListCopies(context.Background())
	require.NoError(t, err)

	for _, c := range copies {
		active := e.mem.ActiveLoanCount(c.ID)
		require.LessOrEqual(t, active, 1, "copy %s has %d active loans", c.ID, active)
		require.Equal(t, active == 0, c.Available, "copy %s flag disagrees with history", c.ID)
	}
}

func ptr[T any](v T) *T {
	return &v
}
