package otel

import (
	cqrs "github.com/terraskye/cqrs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/terraskye/cqrs"
)

// Semantic attribute keys following OpenTelemetry conventions
const (
	// Command attributes
	AttrCommandType = attribute.Key("cqrs.command.type")
	AttrAggregateID = attribute.Key("cqrs.aggregate.id")
	AttrSagaID      = attribute.Key("cqrs.saga.id")

	// Aggregate attributes
	AttrAggregateVersion = attribute.Key("cqrs.aggregate.version")

	// Event attributes
	AttrEventType  = attribute.Key("cqrs.event.type")
	AttrEventID    = attribute.Key("cqrs.event.id")
	AttrEventCount = attribute.Key("cqrs.events.count")
	AttrEventTypes = attribute.Key("cqrs.events.types")

	// EventBus attributes
	AttrSubscriberName = attribute.Key("cqrs.subscriber.name")

	// Pipeline attributes
	AttrStage = attribute.Key("cqrs.pipeline.stage")

	// Operation attributes
	AttrOperation = attribute.Key("cqrs.operation")
)

var (
	meter  = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(cqrs.InstrumentationVersion))
	tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(cqrs.InstrumentationVersion))

	// Command metrics
	CommandsHandled, _ = meter.Int64Counter(
		"cqrs.commands.handled",
		metric.WithDescription("Total number of commands handled"),
		metric.WithUnit("{command}"),
	)

	CommandsDuration, _ = meter.Float64Histogram(
		"cqrs.commands.duration",
		metric.WithDescription("Command handling duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)

	CommandsInFlight, _ = meter.Int64UpDownCounter(
		"cqrs.commands.in_flight",
		metric.WithDescription("Number of commands currently being processed"),
		metric.WithUnit("{command}"),
	)

	CommandsFailed, _ = meter.Int64Counter(
		"cqrs.commands.failed",
		metric.WithDescription("Number of failed commands"),
		metric.WithUnit("{command}"),
	)

	// Event metrics
	EventsCommitted, _ = meter.Int64Counter(
		"cqrs.events.committed",
		metric.WithDescription("Number of events committed to storage"),
		metric.WithUnit("{event}"),
	)

	EventsLoaded, _ = meter.Int64Counter(
		"cqrs.events.loaded",
		metric.WithDescription("Number of events read from storage"),
		metric.WithUnit("{event}"),
	)

	// EventBus metrics
	EventBusPublished, _ = meter.Int64Counter(
		"cqrs.eventbus.published",
		metric.WithDescription("Number of events published to the event bus"),
		metric.WithUnit("{event}"),
	)

	EventBusHandled, _ = meter.Int64Counter(
		"cqrs.eventbus.handled",
		metric.WithDescription("Number of events handled by subscribers"),
		metric.WithUnit("{event}"),
	)

	EventBusErrors, _ = meter.Int64Counter(
		"cqrs.eventbus.errors",
		metric.WithDescription("Number of event handler errors"),
		metric.WithUnit("{error}"),
	)

	EventBusDuration, _ = meter.Float64Histogram(
		"cqrs.eventbus.duration",
		metric.WithDescription("Event handler duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	// Storage metrics
	StorageCommits, _ = meter.Int64Counter(
		"cqrs.storage.commits",
		metric.WithDescription("Number of commit operations"),
		metric.WithUnit("{operation}"),
	)

	StorageReads, _ = meter.Int64Counter(
		"cqrs.storage.reads",
		metric.WithDescription("Number of read operations"),
		metric.WithUnit("{operation}"),
	)

	StorageDuration, _ = meter.Float64Histogram(
		"cqrs.storage.duration",
		metric.WithDescription("Storage operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	StorageErrors, _ = meter.Int64Counter(
		"cqrs.storage.errors",
		metric.WithDescription("Number of storage errors"),
		metric.WithUnit("{error}"),
	)

	// Pipeline metrics
	PipelineBatches, _ = meter.Int64Counter(
		"cqrs.pipeline.batches",
		metric.WithDescription("Number of batches processed by a pipeline stage"),
		metric.WithUnit("{batch}"),
	)

	PipelineReverts, _ = meter.Int64Counter(
		"cqrs.pipeline.reverts",
		metric.WithDescription("Number of batches reverted by a pipeline stage"),
		metric.WithUnit("{batch}"),
	)

	PipelineDuration, _ = meter.Float64Histogram(
		"cqrs.pipeline.duration",
		metric.WithDescription("Pipeline stage processing duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	// System metrics
	ConcurrencyConflicts, _ = meter.Int64Counter(
		"cqrs.concurrency.conflicts",
		metric.WithDescription("Number of optimistic concurrency conflicts"),
		metric.WithUnit("{conflict}"),
	)
)
