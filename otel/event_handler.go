package otel

import (
	"context"
	"fmt"
	"time"

	cqrs "github.com/terraskye/cqrs"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WithEventTelemetry wraps an event handler with an "events.handle {type}" span
// and the EventBusHandled, EventBusDuration and EventBusErrors metrics.
func WithEventTelemetry(next cqrs.EventHandlerFunc, options ...Option) cqrs.EventHandlerFunc {
	cfg := newConfig(options)

	return func(ctx context.Context, event cqrs.Event) error {
		typeAttr := metric.WithAttributes(AttrEventType.String(event.Type))

		ctx, span := tracer.Start(ctx, cfg.operation(ctx, fmt.Sprintf("events.handle %s", event.Type)),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(cfg.attributes(ctx, eventAttributes(event)...)...),
		)
		defer span.End()

		EventBusHandled.Add(ctx, 1, typeAttr)

		startTime := time.Now()
		err := next(ctx, event)
		EventBusDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), typeAttr)

		if err != nil {
			EventBusErrors.Add(ctx, 1, typeAttr)
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}
}
