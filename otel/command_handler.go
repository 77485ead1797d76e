package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	cqrs "github.com/terraskye/cqrs"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WithCommandTelemetry wraps a command handler with OpenTelemetry tracing and metrics.
//
// Each command gets an internal span named "command.handle {type}" carrying the
// command type, aggregate id and saga id. Metrics recorded:
//   - CommandsInFlight: incremented for the duration of the call.
//   - CommandsDuration: handling time in milliseconds.
//   - CommandsHandled / CommandsFailed: outcome counters.
//   - ConcurrencyConflicts: errors matching cqrs.ErrConcurrency.
//
// Example Usage:
//
//	bus.OnCommand("placeOrder", otel.WithCommandTelemetry(handler.Handle))
func WithCommandTelemetry(next cqrs.CommandHandlerFunc, options ...Option) cqrs.CommandHandlerFunc {
	cfg := newConfig(options)

	return func(ctx context.Context, cmd cqrs.Command) error {
		typeAttr := metric.WithAttributes(AttrCommandType.String(cmd.Type))
		attr := cfg.attributes(ctx,
			AttrCommandType.String(cmd.Type),
			AttrAggregateID.String(cmd.AggregateID),
		)
		if cmd.SagaID != "" {
			attr = append(attr, AttrSagaID.String(cmd.SagaID))
		}

		ctx, span := tracer.Start(ctx, cfg.operation(ctx, fmt.Sprintf("command.handle %s", cmd.Type)),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attr...),
		)
		defer span.End()

		CommandsInFlight.Add(ctx, 1, typeAttr)
		defer CommandsInFlight.Add(ctx, -1, typeAttr)

		startTime := time.Now()
		err := next(ctx, cmd)
		CommandsDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), typeAttr)

		if err != nil {
			var conflict *cqrs.ConcurrencyError
			if errors.As(err, &conflict) {
				ConcurrencyConflicts.Add(ctx, 1, typeAttr)
				span.AddEvent("concurrency_conflict", trace.WithAttributes(
					AttrAggregateID.String(conflict.AggregateID),
					AttrAggregateVersion.Int64(int64(conflict.Version)),
				))
			}
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			CommandsFailed.Add(ctx, 1, typeAttr)
			return err
		}

		span.SetStatus(codes.Ok, "")
		CommandsHandled.Add(ctx, 1, typeAttr)
		return nil
	}
}
