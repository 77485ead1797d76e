package otel_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cqrs "github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/eventbus/memory"
	memstore "github.com/terraskye/cqrs/eventstore/memory"
	cqrsotel "github.com/terraskye/cqrs/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// The package tracer binds to the global provider once, so all tests share one exporter.
var exporter = tracetest.NewInMemoryExporter()

func TestMain(m *testing.M) {
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)))
	otel.SetTextMapPropagator(propagation.TraceContext{})
	os.Exit(m.Run())
}

func spans(t *testing.T) tracetest.SpanStubs {
	t.Helper()
	t.Cleanup(exporter.Reset)
	return exporter.GetSpans()
}

func findSpan(t *testing.T, stubs tracetest.SpanStubs, name string) tracetest.SpanStub {
	t.Helper()
	for _, s := range stubs {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("span %q not recorded; got %v", name, spanNames(stubs))
	return tracetest.SpanStub{}
}

func spanNames(stubs tracetest.SpanStubs) []string {
	names := make([]string, len(stubs))
	for i, s := range stubs {
		names[i] = s.Name
	}
	return names
}

func hasAttribute(s tracetest.SpanStub, kv attribute.KeyValue) bool {
	for _, a := range s.Attributes {
		if a == kv {
			return true
		}
	}
	return false
}

func TestWithCommandTelemetry(t *testing.T) {
	exporter.Reset()
	handler := cqrsotel.WithCommandTelemetry(func(ctx context.Context, cmd cqrs.Command) error {
		assert.True(t, trace.SpanContextFromContext(ctx).IsValid(), "handler runs inside the span")
		return nil
	})

	require.NoError(t, handler(t.Context(), cqrs.Command{Type: "placeOrder", AggregateID: "order-1"}))

	span := findSpan(t, spans(t), "command.handle placeOrder")
	assert.Equal(t, trace.SpanKindInternal, span.SpanKind)
	assert.Equal(t, codes.Ok, span.Status.Code)
	assert.True(t, hasAttribute(span, cqrsotel.AttrAggregateID.String("order-1")))
}

func TestWithCommandTelemetry_Conflict(t *testing.T) {
	exporter.Reset()
	conflict := &cqrs.ConcurrencyError{AggregateID: "order-1", Version: 3}
	handler := cqrsotel.WithCommandTelemetry(func(context.Context, cqrs.Command) error {
		return conflict
	}, cqrsotel.WithOperation("orders.place"))

	err := handler(t.Context(), cqrs.Command{Type: "placeOrder", AggregateID: "order-1"})
	assert.ErrorIs(t, err, cqrs.ErrConcurrency)

	span := findSpan(t, spans(t), "orders.place")
	assert.Equal(t, codes.Error, span.Status.Code)
	require.NotEmpty(t, span.Events)
	assert.Equal(t, "concurrency_conflict", span.Events[0].Name)
}

func TestWithEventTelemetry(t *testing.T) {
	exporter.Reset()
	boom := errors.New("boom")
	handler := cqrsotel.WithEventTelemetry(func(context.Context, cqrs.Event) error { return boom },
		cqrsotel.WithAttributes(attribute.String("service", "orders")))

	event := cqrs.Event{ID: "event-1", Type: "orderPlaced", AggregateID: "order-1", AggregateVersion: cqrs.Version(1)}
	assert.ErrorIs(t, handler(t.Context(), event), boom)

	span := findSpan(t, spans(t), "events.handle orderPlaced")
	assert.Equal(t, codes.Error, span.Status.Code)
	assert.True(t, hasAttribute(span, attribute.String("service", "orders")))
	assert.True(t, hasAttribute(span, cqrsotel.AttrAggregateVersion.Int64(1)))
}

func TestEventBusTelemetry_LinksConsumerToProducer(t *testing.T) {
	exporter.Reset()
	bus := cqrsotel.WithEventBusTelemetry(memory.NewBus())

	received := make(chan cqrs.Event, 1)
	_, err := bus.Subscribe("orderPlaced", func(_ context.Context, event cqrs.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	meta := cqrs.Metadata{"tenant": "acme"}
	require.NoError(t, bus.Publish(t.Context(), cqrs.Event{ID: "event-1", Type: "orderPlaced", AggregateID: "order-1", Context: meta}))

	event := <-received
	assert.Equal(t, "acme", event.Context["tenant"])
	assert.Contains(t, event.Context, "traceparent")
	assert.NotContains(t, meta, "traceparent", "publishing does not mutate the caller's metadata")

	stubs := spans(t)
	producer := findSpan(t, stubs, "events.publish orderPlaced")
	consumer := findSpan(t, stubs, "subscription.receive orderPlaced")
	inner := findSpan(t, stubs, "events.handle orderPlaced")

	assert.Equal(t, trace.SpanKindProducer, producer.SpanKind)
	assert.Equal(t, trace.SpanKindConsumer, consumer.SpanKind)
	require.Len(t, consumer.Links, 1)
	assert.Equal(t, producer.SpanContext.SpanID(), consumer.Links[0].SpanContext.SpanID())
	assert.Equal(t, consumer.SpanContext.SpanID(), inner.Parent.SpanID())
}

func TestEventBusTelemetry_Queues(t *testing.T) {
	exporter.Reset()
	bus := cqrsotel.WithEventBusTelemetry(memory.NewBus())

	provider, ok := bus.(cqrs.QueueProvider)
	require.True(t, ok, "a memory bus keeps its queues when wrapped")

	handled := 0
	_, err := provider.Queue("billing").Subscribe("orderPlaced", func(context.Context, cqrs.Event) error {
		handled++
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(t.Context(), cqrs.Event{ID: "event-1", Type: "orderPlaced", AggregateID: "order-1"}))
	assert.Equal(t, 1, handled)

	consumer := findSpan(t, spans(t), "subscription.receive orderPlaced")
	assert.True(t, hasAttribute(consumer, cqrsotel.AttrSubscriberName.String("billing")))
}

type busOnly struct{ cqrs.EventBus }

func TestEventBusTelemetry_WithoutQueues(t *testing.T) {
	bus := cqrsotel.WithEventBusTelemetry(busOnly{memory.NewBus()})
	_, ok := bus.(cqrs.QueueProvider)
	assert.False(t, ok)
}

func TestStorageTelemetry_CommitStampsMetadata(t *testing.T) {
	exporter.Reset()
	storage := cqrsotel.WithStorageTelemetry(memstore.NewStorage())
	_, ok := storage.(cqrs.SnapshotStorage)
	require.True(t, ok, "snapshot support is preserved")

	ctx := cqrs.WithEvent(t.Context(), cqrs.Event{ID: "cause-1", Type: "paymentReceived"})
	committed, err := storage.CommitEvents(ctx, cqrs.EventSet{
		{Type: "orderPlaced", AggregateID: "order-1", AggregateVersion: cqrs.Version(1)},
	})
	require.NoError(t, err)
	require.Len(t, committed, 1)
	assert.Equal(t, "cause-1", committed[0].Context["causationId"])
	assert.NotEmpty(t, committed[0].Context["correlationId"])

	span := findSpan(t, spans(t), "EventStorage.CommitEvents")
	assert.Equal(t, trace.SpanKindClient, span.SpanKind)
	assert.Equal(t, span.SpanContext.TraceID().String(), committed[0].Context["correlationId"])
}

func TestStorageTelemetry_IterationSpan(t *testing.T) {
	exporter.Reset()
	inner := memstore.NewStorage()
	_, err := inner.CommitEvents(t.Context(), cqrs.EventSet{
		{Type: "orderPlaced", AggregateID: "order-1", AggregateVersion: cqrs.Version(1)},
		{Type: "orderShipped", AggregateID: "order-1", AggregateVersion: cqrs.Version(2)},
	})
	require.NoError(t, err)

	storage := cqrsotel.WithStorageTelemetry(inner)
	it, err := storage.GetAggregateEvents(t.Context(), "order-1", cqrs.AggregateEventsOptions{})
	require.NoError(t, err)
	assert.Empty(t, exporter.GetSpans(), "the span starts with the first read")

	events, err := it.All(t.Context())
	require.NoError(t, err)
	assert.Len(t, events, 2)

	span := findSpan(t, spans(t), "EventStorage.GetAggregateEvents")
	assert.True(t, hasAttribute(span, cqrsotel.AttrEventCount.Int64(2)))
	assert.Equal(t, codes.Ok, span.Status.Code)
}

func TestStorageTelemetry_ClosedEarly(t *testing.T) {
	exporter.Reset()
	inner := memstore.NewStorage()
	_, err := inner.CommitEvents(t.Context(), cqrs.EventSet{
		{Type: "orderPlaced", AggregateID: "order-1", AggregateVersion: cqrs.Version(1)},
		{Type: "orderShipped", AggregateID: "order-1", AggregateVersion: cqrs.Version(2)},
	})
	require.NoError(t, err)

	it, err := cqrsotel.WithStorageTelemetry(inner).GetEvents(t.Context(), nil, cqrs.EventFilter{})
	require.NoError(t, err)
	require.True(t, it.Next(t.Context()))
	require.NoError(t, it.Close())

	span := findSpan(t, spans(t), "EventStorage.GetEvents")
	assert.True(t, hasAttribute(span, cqrsotel.AttrEventCount.Int64(1)))
}

type revertingStage struct {
	reverted int
}

func (s *revertingStage) Process(_ context.Context, batch cqrs.DispatchBatch) (cqrs.DispatchBatch, error) {
	return batch, nil
}

func (s *revertingStage) Revert(context.Context, cqrs.DispatchBatch) error {
	s.reverted++
	return nil
}

func TestPipelineTelemetry(t *testing.T) {
	exporter.Reset()
	stage := &revertingStage{}
	wrapped := cqrsotel.WithPipelineTelemetry(stage, cqrsotel.WithOperation("outbox"))

	batch := cqrs.DispatchBatch{Events: cqrs.EventSet{{ID: "event-1", Type: "orderPlaced", AggregateID: "order-1"}}}
	out, err := wrapped.Process(t.Context(), batch)
	require.NoError(t, err)
	assert.Equal(t, batch, out)

	reverter, ok := wrapped.(cqrs.PipelineReverter)
	require.True(t, ok)
	require.NoError(t, reverter.Revert(t.Context(), batch))
	assert.Equal(t, 1, stage.reverted)

	stubs := spans(t)
	findSpan(t, stubs, "pipeline.process outbox")
	findSpan(t, stubs, "pipeline.revert outbox")

	plain := cqrsotel.WithPipelineTelemetry(cqrs.PipelineProcessorFunc(func(_ context.Context, b cqrs.DispatchBatch) (cqrs.DispatchBatch, error) {
		return b, nil
	}))
	_, ok = plain.(cqrs.PipelineReverter)
	assert.False(t, ok)
}
