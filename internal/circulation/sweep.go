// internal/circulation/sweep.go
package circulation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ReconcileCopies re-derives every copy's flag from its loan history and
// rewrites the flags that drifted. Loans are never touched: the history is
// the source of truth. A copy that cannot be checked is counted and skipped.
func (s *service) ReconcileCopies(ctx context.Context) (_ *SweepReport, err error) {
	ctx, span := s.startSpan(ctx, "circulation.reconcile_copies")
	defer func() { endSpan(span, err) }()

	copies, err := s.store.ListCopies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list copies: %w", err)
	}

	report := &SweepReport{}
	for _, c := range copies {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		report.Checked++
		repaired, err := s.reconcileCopy(ctx, c.ID)
		if err != nil {
			report.Failed++
			s.logger.Error(logMsgFlagRepairFailed, logAttrCopyID, c.ID.String(), logAttrError, err.Error())
			continue
		}
		if repaired {
			report.Repaired++
			report.RepairedCopies = append(report.RepairedCopies, c.ID)
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.checked", report.Checked),
		attribute.Int("sweep.repaired", report.Repaired),
		attribute.Int("sweep.failed", report.Failed),
	)
	return report, nil
}

func (s *service) reconcileCopy(ctx context.Context, copyID uuid.UUID) (bool, error) {
	release, err := s.lock(ctx, copyLockKey(copyID))
	if err != nil {
		return false, err
	}
	defer release()

	state, err := s.ledger.State(ctx, copyID)
	if err != nil {
		return false, err
	}
	if !state.Drifted() {
		return false, nil
	}

	want := state.AvailableByHistory()
	if err := s.store.SetCopyAvailable(ctx, copyID, want); err != nil {
		return false, err
	}

	s.repairs.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "flag_drift")))
	s.logger.Warn(logMsgFlagRepaired,
		logAttrCopyID, copyID.String(),
		"available", want,
		logAttrActiveLoans, len(state.ActiveLoans))
	s.record(ctx, copyID, aggregateCopy, EventCopyFlagRepaired, LedgerRepairedEvent{
		CopyID:    copyID,
		Available: want,
		Reason:    "availability flag disagreed with loan history",
	})

	return true, nil
}
