package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoollib/internal/circulation"
)

// fixture loads reference data into a store under test.
type fixture interface {
	circulation.Store
	title(t *testing.T, title circulation.Title)
	copy(t *testing.T, c circulation.Copy)
	reservation(t *testing.T, r circulation.Reservation)
	drifted(t *testing.T) []uuid.UUID
}

var day = time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

func seedTitle(t *testing.T, f fixture, copies int) (circulation.Title, []circulation.Copy) {
	t.Helper()

	title := circulation.Title{ID: uuid.New(), ISBN: "978-0-00-000000-0", Name: "Go in Practice"}
	f.title(t, title)

	out := make([]circulation.Copy, 0, copies)
	for range copies {
		c := circulation.Copy{ID: uuid.New(), TitleID: title.ID, Condition: "good", Available: true}
		f.copy(t, c)
		out = append(out, c)
	}
	return title, out
}

func newLoan(copyID uuid.UUID, requested time.Time) circulation.Loan {
	return circulation.Loan{
		ID:          uuid.New(),
		BorrowerID:  uuid.New(),
		CopyID:      copyID,
		RequestDate: requested,
		DueDate:     requested.AddDate(0, 0, 14),
	}
}

func runContract(t *testing.T, newFixture func(t *testing.T) fixture) {
	ctx := context.Background()

	t.Run("get copy and list by title", func(t *testing.T) {
		f := newFixture(t)
		title, copies := seedTitle(t, f, 3)

		got, err := f.GetCopy(ctx, copies[1].ID)
		require.NoError(t, err)
		assert.Equal(t, copies[1], got)

		byTitle, err := f.CopiesOfTitle(ctx, title.ID)
		require.NoError(t, err)
		assert.Equal(t, copies, byTitle)

		_, err = f.GetCopy(ctx, uuid.New())
		assert.ErrorIs(t, err, circulation.ErrNotFound)
	})

	t.Run("set copy flag", func(t *testing.T) {
		f := newFixture(t)
		_, copies := seedTitle(t, f, 1)

		require.NoError(t, f.SetCopyAvailable(ctx, copies[0].ID, false))
		got, err := f.GetCopy(ctx, copies[0].ID)
		require.NoError(t, err)
		assert.False(t, got.Available)

		assert.ErrorIs(t, f.SetCopyAvailable(ctx, uuid.New(), true), circulation.ErrNotFound)
	})

	t.Run("one active loan per copy", func(t *testing.T) {
		f := newFixture(t)
		_, copies := seedTitle(t, f, 1)

		first := newLoan(copies[0].ID, day)
		require.NoError(t, f.InsertLoan(ctx, first))

		second := newLoan(copies[0].ID, day)
		assert.ErrorIs(t, f.InsertLoan(ctx, second), circulation.ErrConflict)

		returned := day.AddDate(0, 0, 3)
		require.NoError(t, f.SetLoanReturnDate(ctx, first.ID, &returned))
		assert.NoError(t, f.InsertLoan(ctx, second))
	})

	t.Run("close and reopen guards", func(t *testing.T) {
		f := newFixture(t)
		_, copies := seedTitle(t, f, 1)

		loan := newLoan(copies[0].ID, day)
		require.NoError(t, f.InsertLoan(ctx, loan))

		assert.ErrorIs(t, f.SetLoanReturnDate(ctx, loan.ID, nil), circulation.ErrConflict)

		returned := day.AddDate(0, 0, 1)
		require.NoError(t, f.SetLoanReturnDate(ctx, loan.ID, &returned))
		assert.ErrorIs(t, f.SetLoanReturnDate(ctx, loan.ID, &returned), circulation.ErrConflict)

		got, err := f.GetLoan(ctx, loan.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ReturnDate)
		assert.True(t, returned.Equal(*got.ReturnDate))

		require.NoError(t, f.SetLoanReturnDate(ctx, loan.ID, nil))
		got, err = f.GetLoan(ctx, loan.ID)
		require.NoError(t, err)
		assert.Nil(t, got.ReturnDate)

		assert.ErrorIs(t, f.SetLoanReturnDate(ctx, uuid.New(), &returned), circulation.ErrNotFound)
	})

	t.Run("history ordered by request date", func(t *testing.T) {
		f := newFixture(t)
		_, copies := seedTitle(t, f, 1)

		later := newLoan(copies[0].ID, day.AddDate(0, 0, 10))
		earlier := newLoan(copies[0].ID, day)
		returned := day.AddDate(0, 0, 2)
		earlier.ReturnDate = &returned

		require.NoError(t, f.InsertLoan(ctx, later))
		require.NoError(t, f.InsertLoan(ctx, earlier))

		history, err := f.LoansForCopy(ctx, copies[0].ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, earlier.ID, history[0].ID)
		assert.Equal(t, later.ID, history[1].ID)
	})

	t.Run("delete loan", func(t *testing.T) {
		f := newFixture(t)
		_, copies := seedTitle(t, f, 1)

		loan := newLoan(copies[0].ID, day)
		require.NoError(t, f.InsertLoan(ctx, loan))
		require.NoError(t, f.DeleteLoan(ctx, loan.ID))

		_, err := f.GetLoan(ctx, loan.ID)
		assert.ErrorIs(t, err, circulation.ErrNotFound)
		assert.ErrorIs(t, f.DeleteLoan(ctx, loan.ID), circulation.ErrNotFound)
	})

	t.Run("overdue means due before today", func(t *testing.T) {
		f := newFixture(t)
		_, copies := seedTitle(t, f, 1)

		loan := newLoan(copies[0].ID, day)
		require.NoError(t, f.InsertLoan(ctx, loan))

		overdue, err := f.HasOverdueLoans(ctx, loan.BorrowerID, loan.DueDate)
		require.NoError(t, err)
		assert.False(t, overdue)

		overdue, err = f.HasOverdueLoans(ctx, loan.BorrowerID, loan.DueDate.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.True(t, overdue)

		overdue, err = f.HasOverdueLoans(ctx, uuid.New(), loan.DueDate.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.False(t, overdue)
	})

	t.Run("reservation transitions", func(t *testing.T) {
		f := newFixture(t)
		title, _ := seedTitle(t, f, 1)

		res := circulation.Reservation{
			ID:          uuid.New(),
			BorrowerID:  uuid.New(),
			TitleID:     title.ID,
			Status:      circulation.ReservationPending,
			RequestedAt: day,
		}
		f.reservation(t, res)

		loanID := uuid.New()
		require.NoError(t, f.UpdateReservation(ctx, res.ID, circulation.ReservationPending, circulation.ReservationApproved, &loanID))
		err := f.UpdateReservation(ctx, res.ID, circulation.ReservationPending, circulation.ReservationRejected, nil)
		assert.ErrorIs(t, err, circulation.ErrConflict)

		got, err := f.GetReservation(ctx, res.ID)
		require.NoError(t, err)
		assert.Equal(t, circulation.ReservationApproved, got.Status)
		require.NotNil(t, got.LoanID)
		assert.Equal(t, loanID, *got.LoanID)

		_, err = f.GetReservation(ctx, uuid.New())
		assert.ErrorIs(t, err, circulation.ErrNotFound)
	})

	t.Run("drifted copies", func(t *testing.T) {
		f := newFixture(t)
		_, copies := seedTitle(t, f, 3)

		// copies[0]: lent but flagged available
		require.NoError(t, f.InsertLoan(ctx, newLoan(copies[0].ID, day)))
		// copies[1]: free but flagged unavailable
		require.NoError(t, f.SetCopyAvailable(ctx, copies[1].ID, false))

		assert.ElementsMatch(t, []uuid.UUID{copies[0].ID, copies[1].ID}, f.drifted(t))
	})

	t.Run("lock excludes and honours context", func(t *testing.T) {
		f := newFixture(t)
		key := "copy:" + uuid.NewString()

		release, err := f.Lock(ctx, key)
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = f.Lock(waitCtx, key)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		other, err := f.Lock(ctx, "copy:"+uuid.NewString())
		require.NoError(t, err)
		other()

		release()
		again, err := f.Lock(ctx, key)
		require.NoError(t, err)
		again()
	})

	t.Run("lock serialises critical sections", func(t *testing.T) {
		f := newFixture(t)
		key := "copy:" + uuid.NewString()

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			inside  int
			maxSeen int
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				release, err := f.Lock(ctx, key)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				inside++
				maxSeen = max(maxSeen, inside)
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				release()
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, maxSeen)
	})
}
