package otel

import (
	"context"
	"io"
	"time"

	cqrs "github.com/terraskye/cqrs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var _ cqrs.EventStorage = (*TelemetryStorage)(nil)

// TelemetryStorage wraps an EventStorage with spans and metrics. CommitEvents
// stamps every event with the causation id and trace context of the caller.
type TelemetryStorage struct {
	next cqrs.EventStorage
	cfg  *config
}

type telemetrySnapshotStorage struct {
	*TelemetryStorage
	snapshots cqrs.SnapshotStorage
}

var _ cqrs.SnapshotStorage = (*telemetrySnapshotStorage)(nil)

// WithStorageTelemetry wraps next. The result implements cqrs.SnapshotStorage
// when next does.
func WithStorageTelemetry(next cqrs.EventStorage, options ...Option) cqrs.EventStorage {
	t := &TelemetryStorage{next: next, cfg: newConfig(options)}
	if snapshots, ok := next.(cqrs.SnapshotStorage); ok {
		return &telemetrySnapshotStorage{TelemetryStorage: t, snapshots: snapshots}
	}
	return t
}

func (t *TelemetryStorage) GetNewID(ctx context.Context) (string, error) {
	return t.next.GetNewID(ctx)
}

// CommitEvents with metrics + span
func (t *TelemetryStorage) CommitEvents(ctx context.Context, events cqrs.EventSet) (cqrs.EventSet, error) {
	attr := t.cfg.attributes(ctx,
		AttrOperation.String("commit"),
		AttrEventCount.Int(len(events)),
		AttrEventTypes.StringSlice(events.Types()),
	)
	if len(events) > 0 && events[0].AggregateID != "" {
		attr = append(attr, AttrAggregateID.String(events[0].AggregateID))
	}

	ctx, span := tracer.Start(ctx, t.cfg.operation(ctx, "EventStorage.CommitEvents"),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attr...),
	)
	defer span.End()

	{
		causationID := cqrs.CausationFromContext(ctx)
		stamped := make(cqrs.EventSet, len(events))
		for i, event := range events {
			event.Context = injectCarrier(ctx, event.Context)
			if causationID != "" {
				event.Context["causationId"] = causationID
			}
			if span.SpanContext().HasTraceID() {
				event.Context["correlationId"] = span.SpanContext().TraceID().String()
			}
			stamped[i] = event
		}
		events = stamped
	}

	start := time.Now()
	committed, err := t.next.CommitEvents(ctx, events)
	StorageDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(AttrOperation.String("commit")),
	)
	StorageCommits.Add(ctx, 1)

	if err != nil {
		StorageErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("commit")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	EventsCommitted.Add(ctx, int64(len(committed)))
	span.SetStatus(codes.Ok, "")
	return committed, nil
}

func (t *TelemetryStorage) GetAggregateEvents(ctx context.Context, aggregateID string, opts cqrs.AggregateEventsOptions) (*cqrs.Iterator[cqrs.Event], error) {
	it, err := t.next.GetAggregateEvents(ctx, aggregateID, opts)
	return t.traceRead(ctx, "EventStorage.GetAggregateEvents", it, err, AttrAggregateID.String(aggregateID))
}

func (t *TelemetryStorage) GetSagaEvents(ctx context.Context, sagaID string, opts cqrs.SagaEventsOptions) (*cqrs.Iterator[cqrs.Event], error) {
	it, err := t.next.GetSagaEvents(ctx, sagaID, opts)
	return t.traceRead(ctx, "EventStorage.GetSagaEvents", it, err, AttrSagaID.String(sagaID))
}

func (t *TelemetryStorage) GetEvents(ctx context.Context, eventTypes []string, filter cqrs.EventFilter) (*cqrs.Iterator[cqrs.Event], error) {
	it, err := t.next.GetEvents(ctx, eventTypes, filter)
	return t.traceRead(ctx, "EventStorage.GetEvents", it, err, AttrEventTypes.StringSlice(eventTypes))
}

// traceRead wraps it so that a span covers the whole iteration. The span starts
// with the first call to Next and ends once the sequence is exhausted or closed.
func (t *TelemetryStorage) traceRead(ctx context.Context, name string, it *cqrs.Iterator[cqrs.Event], err error, attrs ...attribute.KeyValue) (*cqrs.Iterator[cqrs.Event], error) {
	op := metric.WithAttributes(AttrOperation.String(name))
	StorageReads.Add(ctx, 1, op)
	if err != nil {
		StorageErrors.Add(ctx, 1, op)
		return nil, err
	}

	attrs = t.cfg.attributes(ctx, attrs...)

	var (
		span      trace.Span
		started   bool
		startedAt time.Time
		loaded    int64
	)
	end := func(ctx context.Context, err error) {
		if span == nil {
			return
		}
		span.SetAttributes(AttrEventCount.Int64(loaded))
		StorageDuration.Record(ctx, float64(time.Since(startedAt).Milliseconds()), op)
		if err != nil {
			StorageErrors.Add(ctx, 1, op)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		span = nil
	}

	return cqrs.NewIteratorFunc(func(ctx context.Context) (cqrs.Event, error) {
		if !started {
			started = true
			startedAt = time.Now()
			_, span = tracer.Start(ctx, name,
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(attrs...),
			)
		}

		if !it.Next(ctx) {
			err := it.Err()
			end(ctx, err)
			if err != nil {
				return cqrs.Event{}, err
			}
			return cqrs.Event{}, io.EOF
		}

		loaded++
		EventsLoaded.Add(ctx, 1)
		return it.Value(), nil
	}).WithClose(func() error {
		end(context.Background(), nil)
		return it.Close()
	}), nil
}

func (t *telemetrySnapshotStorage) GetAggregateSnapshot(ctx context.Context, aggregateID string) (*cqrs.Event, error) {
	ctx, span := tracer.Start(ctx, "SnapshotStorage.GetAggregateSnapshot",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx, AttrAggregateID.String(aggregateID))...),
	)
	defer span.End()

	snapshot, err := t.snapshots.GetAggregateSnapshot(ctx, aggregateID)
	if err != nil {
		StorageErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("snapshot.get")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if snapshot != nil && snapshot.AggregateVersion != nil {
		span.SetAttributes(AttrAggregateVersion.Int64(int64(*snapshot.AggregateVersion)))
	}
	span.SetStatus(codes.Ok, "")
	return snapshot, nil
}

func (t *telemetrySnapshotStorage) SaveAggregateSnapshot(ctx context.Context, snapshot cqrs.Event) error {
	attr := []attribute.KeyValue{AttrAggregateID.String(snapshot.AggregateID)}
	if snapshot.AggregateVersion != nil {
		attr = append(attr, AttrAggregateVersion.Int64(int64(*snapshot.AggregateVersion)))
	}
	ctx, span := tracer.Start(ctx, "SnapshotStorage.SaveAggregateSnapshot",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx, attr...)...),
	)
	defer span.End()

	if err := t.snapshots.SaveAggregateSnapshot(ctx, snapshot); err != nil {
		StorageErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("snapshot.save")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
