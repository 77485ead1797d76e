package otel

import (
	"context"
	"fmt"

	cqrs "github.com/terraskye/cqrs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var _ cqrs.EventBus = (*TelemetryEventBus)(nil)

// TelemetryEventBus wraps an EventBus with OpenTelemetry tracing and metrics.
//
// Publish starts a producer span and writes its trace context into the event
// context. Subscribed handlers read it back and start a consumer span linked to
// the producer, so a trace follows an event from the command that caused it
// into every handler, even across processes sharing a transport.
type TelemetryEventBus struct {
	next cqrs.EventBus
	cfg  *config
}

// WithEventBusTelemetry wraps an EventBus with OpenTelemetry tracing and metrics.
// The result implements cqrs.QueueProvider when next does.
//
// Example Usage:
//
//	bus := otel.WithEventBusTelemetry(memory.NewBus(),
//	    otel.WithAttributes(attribute.String("service", "orders")),
//	)
func WithEventBusTelemetry(next cqrs.EventBus, options ...Option) cqrs.EventBus {
	bus := &TelemetryEventBus{
		next: next,
		cfg:  newConfig(options),
	}
	if provider, ok := next.(cqrs.QueueProvider); ok {
		return &telemetryQueueBus{TelemetryEventBus: bus, provider: provider}
	}
	return bus
}

// Publish delivers event through the wrapped bus inside a producer span.
func (t *TelemetryEventBus) Publish(ctx context.Context, event cqrs.Event) error {
	ctx, span := tracer.Start(ctx, t.cfg.operation(ctx, fmt.Sprintf("events.publish %s", event.Type)),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(t.cfg.attributes(ctx, eventAttributes(event)...)...),
	)
	defer span.End()

	event.Context = injectCarrier(ctx, event.Context)

	EventBusPublished.Add(ctx, 1, metric.WithAttributes(AttrEventType.String(event.Type)))

	if err := t.next.Publish(ctx, event); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Subscribe registers handler wrapped in a consumer span named
// "subscription.receive {type}" and an inner "events.handle {type}" span.
func (t *TelemetryEventBus) Subscribe(eventType string, handler cqrs.EventHandlerFunc) (func(), error) {
	inner := WithEventTelemetry(handler)

	return t.next.Subscribe(eventType, func(ctx context.Context, event cqrs.Event) error {
		// Extract the SpanContext from the original trace
		producerCtx := otel.GetTextMapPropagator().Extract(context.Background(), extractCarrier(event.Context))
		producer := trace.SpanContextFromContext(producerCtx)

		var links []trace.Link
		if producer.IsValid() {
			links = append(links, trace.Link{
				SpanContext: producer,
				Attributes: []attribute.KeyValue{
					attribute.String("link.reason", "event.consumed.from.bus"),
				},
			})
		}

		ctx, span := tracer.Start(ctx, fmt.Sprintf("subscription.receive %s", eventType),
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithLinks(links...),
			trace.WithAttributes(t.cfg.attributes(ctx, eventAttributes(event)...)...),
		)
		defer span.End()

		if err := inner(ctx, event); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	})
}

// telemetryQueueBus is returned for buses supporting named queues.
type telemetryQueueBus struct {
	*TelemetryEventBus
	provider cqrs.QueueProvider
}

var _ cqrs.QueueProvider = (*telemetryQueueBus)(nil)

// Queue wraps the named queue of the underlying bus. Its spans carry the queue
// name as subscriber name.
func (t *telemetryQueueBus) Queue(name string) cqrs.EventBus {
	cfg := *t.cfg
	cfg.Attributes = append([]attribute.KeyValue{AttrSubscriberName.String(name)}, t.cfg.Attributes...)
	return &TelemetryEventBus{next: t.provider.Queue(name), cfg: &cfg}
}

func eventAttributes(event cqrs.Event) []attribute.KeyValue {
	attr := []attribute.KeyValue{
		AttrEventType.String(event.Type),
		AttrEventID.String(event.ID),
	}
	if event.AggregateID != "" {
		attr = append(attr, AttrAggregateID.String(event.AggregateID))
	}
	if event.AggregateVersion != nil {
		attr = append(attr, AttrAggregateVersion.Int64(int64(*event.AggregateVersion)))
	}
	if event.SagaID != "" {
		attr = append(attr, AttrSagaID.String(event.SagaID))
	}
	return attr
}

// injectCarrier returns a copy of meta holding the trace context of ctx.
func injectCarrier(ctx context.Context, meta cqrs.Metadata) cqrs.Metadata {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	out := make(cqrs.Metadata, len(meta)+len(carrier))
	for k, v := range meta {
		out[k] = v
	}
	for k, v := range carrier {
		out[k] = v
	}
	return out
}

func extractCarrier(meta cqrs.Metadata) propagation.MapCarrier {
	carrier := make(propagation.MapCarrier, len(meta))
	for k, v := range meta {
		if s, ok := v.(string); ok && s != "" {
			carrier[k] = s
		}
	}
	return carrier
}
