// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"schoollib/internal/policy"
)

const (
	defaultLockTimeout = 2 * time.Second

	logMsgLoanOpened          = "loan opened"
	logMsgLoanClosed          = "loan closed"
	logMsgReservationApproved = "reservation approved"
	logMsgReservationRejected = "reservation rejected"
	logMsgStaleLoanClosed     = "closed stale loan on copy flagged available"
	logMsgStaleLoanNotClosed  = "could not close stale loan, treating copy as unavailable"
	logMsgCandidateSkipped    = "candidate copy changed since snapshot, skipping"
	logMsgCandidateBusy       = "candidate copy locked by another operation, skipping"
	logMsgFlagRepaired        = "repaired drifted availability flag"
	logMsgFlagRepairFailed    = "availability flag repair failed"
	logMsgExtraActiveLoans    = "copy still has active loans after return"
	logMsgCompensated         = "rolled back partial write"
	logMsgCompensationFailed  = "compensating write failed"
	logMsgJournalFailed       = "journal append failed"
	logAttrOperation          = "operation"
	logAttrStep               = "step"
	logAttrError              = "error"
	logAttrCopyID             = "copy_id"
	logAttrLoanID             = "loan_id"
	logAttrReservationID      = "reservation_id"
	logAttrPath               = "path"
	logAttrActiveLoans        = "active_loans"
)

// service implements the Service interface.
type service struct {
	store       Store
	ledger      *Ledger
	clock       policy.Clock
	journal     Journal
	logger      Logger
	tracer      trace.Tracer
	lockTimeout time.Duration
	defaultTerm int

	loansOpened   metric.Int64Counter
	loansClosed   metric.Int64Counter
	approvals     metric.Int64Counter
	repairs       metric.Int64Counter
	compensations metric.Int64Counter
}

// Option configures the circulation service.
type Option func(*service)

func WithClock(clock policy.Clock) Option {
	return func(s *service) { s.clock = clock }
}

func WithJournal(journal Journal) Option {
	return func(s *service) { s.journal = journal }
}

func WithLogger(logger Logger) Option {
	return func(s *service) { s.logger = logger }
}

// WithLockTimeout bounds how long an operation waits for a busy copy or reservation.
func WithLockTimeout(d time.Duration) Option {
	return func(s *service) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithDefaultTerm sets the term used by CreateLoan when none is requested.
func WithDefaultTerm(days int) Option {
	return func(s *service) {
		if days > 0 {
			s.defaultTerm = days
		}
	}
}

// NewService creates a new circulation service instance.
func NewService(store Store, opts ...Option) Service {
	return newService(store, opts...)
}

func newService(store Store, opts ...Option) *service {
	s := &service{
		store:       store,
		ledger:      NewLedger(store),
		clock:       policy.SystemClock{},
		logger:      slog.Default(),
		tracer:      otel.Tracer("schoollib/circulation"),
		lockTimeout: defaultLockTimeout,
		defaultTerm: policy.DefaultTermDays,
	}
	for _, opt := range opts {
		opt(s)
	}

	meter := otel.Meter("schoollib/circulation")
	s.loansOpened = counter(meter, "circulation.loans.opened", "Loans created, directly or by approval")
	s.loansClosed = counter(meter, "circulation.loans.closed", "Loans returned")
	s.approvals = counter(meter, "circulation.reservations.approved", "Reservations converted to loans")
	s.repairs = counter(meter, "circulation.ledger.repairs", "Availability corrections applied")
	s.compensations = counter(meter, "circulation.compensations", "Multi-step writes rolled back")

	return s
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

// lock acquires key within the lock timeout and maps a timeout to ErrLockTimeout.
func (s *service) lock(ctx context.Context, key string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	release, err := s.store.Lock(lockCtx, key)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return release, nil
}

func (s *service) begin(op string) *unitOfWork {
	return &unitOfWork{
		op:     op,
		logger: s.logger,
		onUndo: func() { s.compensations.Add(context.Background(), 1, metric.WithAttributes(attribute.String("operation", op))) },
	}
}

// record appends to the journal; a failed append is logged and otherwise ignored.
func (s *service) record(ctx context.Context, aggregateID uuid.UUID, aggregateType, eventType string, payload any) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(ctx, aggregateID, aggregateType, eventType, payload); err != nil {
		s.logger.Warn(logMsgJournalFailed, "event_type", eventType, logAttrError, err.Error())
	}
}

func (s *service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// IsCopyAvailable answers from the loan history, not the cached flag.
func (s *service) IsCopyAvailable(ctx context.Context, copyID uuid.UUID) (available bool, err error) {
	ctx, span := s.startSpan(ctx, "circulation.is_copy_available", attribute.String("copy.id", copyID.String()))
	defer func() { endSpan(span, err) }()

	return s.ledger.IsAvailable(ctx, copyID)
}

func (s *service) InspectCopy(ctx context.Context, copyID uuid.UUID) (state *CopyState, err error) {
	ctx, span := s.startSpan(ctx, "circulation.inspect_copy", attribute.String("copy.id", copyID.String()))
	defer func() { endSpan(span, err) }()

	st, err := s.ledger.State(ctx, copyID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("copy.drifted", st.Drifted()))
	return &st, nil
}
