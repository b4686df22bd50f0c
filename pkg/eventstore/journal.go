package eventstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const journalAttempts = 3

// Journal appends circulation events to the event store. Each append goes
// after the aggregate's current version; a lost race is retried.
type Journal struct {
	store  *EventStore
	source string
}

func NewJournal(store *EventStore, source string) *Journal {
	return &Journal{store: store, source: source}
}

func (j *Journal) Record(ctx context.Context, aggregateID uuid.UUID, aggregateType, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}

	metadata := map[string]any{"source": j.source}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		metadata["trace_id"] = sc.TraceID().String()
	}

	event := Event{EventType: eventType, EventData: data, Metadata: metadata}

	for attempt := 1; ; attempt++ {
		err = j.store.AppendEvents(ctx, aggregateID, aggregateType, AnyVersion, []Event{event})
		if !errors.Is(err, ErrConcurrencyConflict) || attempt == journalAttempts {
			return err
		}
	}
}
