// internal/store/postgres.go
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"schoollib/internal/circulation"
)

//go:embed schema.sql
var schemaSQL string

const (
	dialectPostgres = "postgres"

	tableTitles       = "titles"
	tableCopies       = "copies"
	tableLoans        = "loans"
	tableReservations = "reservations"

	pgUniqueViolation = "23505"

	lockPollBase = 5 * time.Millisecond
	lockPollMax  = 100 * time.Millisecond
	unlockWait   = 2 * time.Second

	// DefaultLockConns bounds the connections that hold advisory locks.
	DefaultLockConns = 32
)

// driftedCopiesSQL lists copies whose flag disagrees with their open loans.
const driftedCopiesSQL = `
	SELECT c.id
	FROM copies c
	WHERE c.available = EXISTS (
		SELECT 1 FROM loans l WHERE l.copy_id = c.id AND l.return_date IS NULL
	)
	ORDER BY c.seq`

var loanColumns = []any{"id", "borrower_id", "copy_id", "reservation_id", "request_date", "due_date", "return_date"}

// Postgres is the circulation store backed by a pgx pool. Per-key locks are
// session-level advisory locks, each held on a connection of a separate lock
// pool, so held locks never take connections away from queries.
type Postgres struct {
	Db      *pgxpool.Pool
	locks   *pgxpool.Pool
	dialect goqu.DialectWrapper
}

type postgresOptions struct {
	lockConns int32
}

// PostgresOption configures NewPostgres.
type PostgresOption func(*postgresOptions)

// WithLockConns sets how many advisory locks may be held at once.
func WithLockConns(n int) PostgresOption {
	return func(o *postgresOptions) {
		if n > 0 {
			o.lockConns = int32(n)
		}
	}
}

func NewPostgres(ctx context.Context, connString string, opts ...PostgresOption) (*Postgres, error) {
	o := postgresOptions{lockConns: DefaultLockConns}
	for _, opt := range opts {
		opt(&o)
	}

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	lockConfig := config.Copy()
	lockConfig.MaxConns = o.lockConns
	lockConfig.MinConns = 0

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	locks, err := pgxpool.NewWithConfig(ctx, lockConfig)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to create lock pool: %w", err)
	}

	return &Postgres{Db: pool, locks: locks, dialect: goqu.Dialect(dialectPostgres)}, nil
}

func (p *Postgres) Close() {
	p.locks.Close()
	p.Db.Close()
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Lock takes the advisory lock for key. Waiting for a free lock connection
// counts against ctx like waiting for the lock itself.
func (p *Postgres) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := p.locks.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}

	id := advisoryKey(key)
	for attempt := 0; ; attempt++ {
		var ok bool
		if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&ok); err != nil {
			conn.Release()
			return nil, fmt.Errorf("try advisory lock: %w", err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(lockBackoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			conn.Release()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), unlockWait)
		defer cancel()

		if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock($1)", id); err != nil {
			// closing the session drops every advisory lock it holds
			_ = conn.Conn().Close(unlockCtx)
		}
		conn.Release()
	}, nil
}

func (p *Postgres) GetCopy(ctx context.Context, copyID uuid.UUID) (circulation.Copy, error) {
	sql, args, err := p.dialect.From(tableCopies).
		Select("id", "title_id", "condition", "available").
		Where(goqu.C("id").Eq(copyID)).
		Prepared(true).ToSQL()
	if err != nil {
		return circulation.Copy{}, err
	}

	var c circulation.Copy
	err = p.Db.QueryRow(ctx, sql, args...).Scan(&c.ID, &c.TitleID, &c.Condition, &c.Available)
	if err != nil {
		return circulation.Copy{}, mapErr(err)
	}
	return c, nil
}

func (p *Postgres) CopiesOfTitle(ctx context.Context, titleID uuid.UUID) ([]circulation.Copy, error) {
	return p.queryCopies(ctx, p.dialect.From(tableCopies).Where(goqu.C("title_id").Eq(titleID)))
}

func (p *Postgres) ListCopies(ctx context.Context) ([]circulation.Copy, error) {
	return p.queryCopies(ctx, p.dialect.From(tableCopies))
}

func (p *Postgres) queryCopies(ctx context.Context, ds *goqu.SelectDataset) ([]circulation.Copy, error) {
	sql, args, err := ds.Select("id", "title_id", "condition", "available").
		Order(goqu.C("seq").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := p.Db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var copies []circulation.Copy
	for rows.Next() {
		var c circulation.Copy
		if err := rows.Scan(&c.ID, &c.TitleID, &c.Condition, &c.Available); err != nil {
			return nil, err
		}
		copies = append(copies, c)
	}
	return copies, rows.Err()
}

func (p *Postgres) SetCopyAvailable(ctx context.Context, copyID uuid.UUID, available bool) error {
	sql, args, err := p.dialect.Update(tableCopies).
		Set(goqu.Record{"available": available, "updated_at": goqu.L("NOW()")}).
		Where(goqu.C("id").Eq(copyID)).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	return p.execOne(ctx, sql, args)
}

func (p *Postgres) GetLoan(ctx context.Context, loanID uuid.UUID) (circulation.Loan, error) {
	sql, args, err := p.dialect.From(tableLoans).
		Select(loanColumns...).
		Where(goqu.C("id").Eq(loanID)).
		Prepared(true).ToSQL()
	if err != nil {
		return circulation.Loan{}, err
	}

	l, err := scanLoan(p.Db.QueryRow(ctx, sql, args...))
	if err != nil {
		return circulation.Loan{}, mapErr(err)
	}
	return l, nil
}

func (p *Postgres) LoansForCopy(ctx context.Context, copyID uuid.UUID) ([]circulation.Loan, error) {
	sql, args, err := p.dialect.From(tableLoans).
		Select(loanColumns...).
		Where(goqu.C("copy_id").Eq(copyID)).
		Order(goqu.C("request_date").Asc(), goqu.C("seq").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := p.Db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loans []circulation.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

func (p *Postgres) HasOverdueLoans(ctx context.Context, borrowerID uuid.UUID, today time.Time) (bool, error) {
	sql, args, err := p.dialect.From(tableLoans).
		Select(goqu.COUNT("*")).
		Where(
			goqu.C("borrower_id").Eq(borrowerID),
			goqu.C("return_date").IsNull(),
			goqu.C("due_date").Lt(today),
		).
		Prepared(true).ToSQL()
	if err != nil {
		return false, err
	}

	var n int64
	if err := p.Db.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Postgres) InsertLoan(ctx context.Context, loan circulation.Loan) error {
	sql, args, err := p.dialect.Insert(tableLoans).
		Rows(goqu.Record{
			"id":             loan.ID,
			"borrower_id":    loan.BorrowerID,
			"copy_id":        loan.CopyID,
			"reservation_id": nullable(loan.ReservationID),
			"request_date":   loan.RequestDate,
			"due_date":       loan.DueDate,
			"return_date":    nullable(loan.ReturnDate),
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}

	if _, err := p.Db.Exec(ctx, sql, args...); err != nil {
		return mapErr(err)
	}
	return nil
}

func (p *Postgres) SetLoanReturnDate(ctx context.Context, loanID uuid.UUID, returnDate *time.Time) error {
	guard := goqu.C("return_date").IsNull()
	if returnDate == nil {
		guard = goqu.C("return_date").IsNotNull()
	}

	sql, args, err := p.dialect.Update(tableLoans).
		Set(goqu.Record{"return_date": nullable(returnDate)}).
		Where(goqu.C("id").Eq(loanID), guard).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}

	tag, err := p.Db.Exec(ctx, sql, args...)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// nothing matched: either the loan is missing or it was in the wrong state
	if _, err := p.GetLoan(ctx, loanID); err != nil {
		return err
	}
	return circulation.ErrConflict
}

func (p *Postgres) DeleteLoan(ctx context.Context, loanID uuid.UUID) error {
	sql, args, err := p.dialect.Delete(tableLoans).
		Where(goqu.C("id").Eq(loanID)).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	return p.execOne(ctx, sql, args)
}

func (p *Postgres) GetReservation(ctx context.Context, reservationID uuid.UUID) (circulation.Reservation, error) {
	sql, args, err := p.dialect.From(tableReservations).
		Select("id", "borrower_id", "title_id", "status", "requested_at", "loan_id").
		Where(goqu.C("id").Eq(reservationID)).
		Prepared(true).ToSQL()
	if err != nil {
		return circulation.Reservation{}, err
	}

	var r circulation.Reservation
	var status string
	err = p.Db.QueryRow(ctx, sql, args...).Scan(&r.ID, &r.BorrowerID, &r.TitleID, &status, &r.RequestedAt, &r.LoanID)
	if err != nil {
		return circulation.Reservation{}, mapErr(err)
	}
	r.Status = circulation.ReservationStatus(status)
	return r, nil
}

func (p *Postgres) UpdateReservation(ctx context.Context, reservationID uuid.UUID, from, to circulation.ReservationStatus, loanID *uuid.UUID) error {
	sql, args, err := p.dialect.Update(tableReservations).
		Set(goqu.Record{"status": string(to), "loan_id": nullable(loanID)}).
		Where(goqu.C("id").Eq(reservationID), goqu.C("status").Eq(string(from))).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}

	tag, err := p.Db.Exec(ctx, sql, args...)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := p.GetReservation(ctx, reservationID); err != nil {
		return err
	}
	return circulation.ErrConflict
}

// AddTitle, AddCopy and AddReservation are administrative inserts used by
// tooling and tests.
func (p *Postgres) AddTitle(ctx context.Context, t circulation.Title) error {
	return p.insert(ctx, tableTitles, goqu.Record{"id": t.ID, "isbn": t.ISBN, "name": t.Name})
}

func (p *Postgres) AddCopy(ctx context.Context, c circulation.Copy) error {
	return p.insert(ctx, tableCopies, goqu.Record{
		"id":        c.ID,
		"title_id":  c.TitleID,
		"condition": c.Condition,
		"available": c.Available,
	})
}

func (p *Postgres) AddReservation(ctx context.Context, r circulation.Reservation) error {
	requestedAt := r.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now().UTC()
	}
	status := r.Status
	if status == "" {
		status = circulation.ReservationPending
	}
	return p.insert(ctx, tableReservations, goqu.Record{
		"id":           r.ID,
		"borrower_id":  r.BorrowerID,
		"title_id":     r.TitleID,
		"status":       string(status),
		"requested_at": requestedAt,
		"loan_id":      nullable(r.LoanID),
	})
}

// DriftedCopies lists copies whose flag disagrees with their loan history.
func (p *Postgres) DriftedCopies(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := p.Db.Query(ctx, driftedCopiesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) insert(ctx context.Context, table string, rec goqu.Record) error {
	sql, args, err := p.dialect.Insert(table).Rows(rec).Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	if _, err := p.Db.Exec(ctx, sql, args...); err != nil {
		return mapErr(err)
	}
	return nil
}

func (p *Postgres) execOne(ctx context.Context, sql string, args []any) error {
	tag, err := p.Db.Exec(ctx, sql, args...)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return circulation.ErrNotFound
	}
	return nil
}

// nullable unwraps optional columns so that a nil pointer is written as NULL.
func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

func scanLoan(row pgx.Row) (circulation.Loan, error) {
	var l circulation.Loan
	err := row.Scan(&l.ID, &l.BorrowerID, &l.CopyID, &l.ReservationID, &l.RequestDate, &l.DueDate, &l.ReturnDate)
	return l, err
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return circulation.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", circulation.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func advisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// lockBackoff doubles from lockPollBase up to lockPollMax with 30% jitter.
func lockBackoff(attempt int) time.Duration {
	d := lockPollBase << min(attempt, 5)
	if d > lockPollMax {
		d = lockPollMax
	}
	jitter := float64(d) * 0.3 * (rand.Float64()*2 - 1)
	return d + time.Duration(jitter)
}
