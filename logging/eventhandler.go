package logging

import (
	"context"
	"log/slog"

	cqrs "github.com/terraskye/cqrs"
)

// WithLoggingMiddleware logs the start and outcome of every event handled by next.
func WithLoggingMiddleware(logger *slog.Logger, next cqrs.EventHandlerFunc) cqrs.EventHandlerFunc {
	return func(ctx context.Context, event cqrs.Event) error {
		l := logger.With(
			"eventId", event.ID,
			"eventType", event.Type,
			"aggregateId", event.AggregateID,
			"causation", cqrs.CausationFromContext(ctx),
		)
		if event.AggregateVersion != nil {
			l = l.With("version", *event.AggregateVersion)
		}
		if event.SagaID != "" {
			l = l.With("sagaId", event.SagaID)
		}

		l.DebugContext(ctx, "event processing started")

		err := next(ctx, event)

		if err != nil {
			l.ErrorContext(ctx, "error processing event", "error", err)
		} else {
			l.DebugContext(ctx, "event processed successfully")
		}

		return err
	}
}
