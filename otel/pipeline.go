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

type telemetryProcessor struct {
	next  cqrs.PipelineProcessor
	stage string
	cfg   *config
}

type telemetryReverter struct {
	*telemetryProcessor
	reverter cqrs.PipelineReverter
}

// WithPipelineTelemetry wraps a dispatch pipeline stage. The stage is named
// after WithOperation, or after the processor type when no operation is set.
// The result implements cqrs.PipelineReverter when next does.
func WithPipelineTelemetry(next cqrs.PipelineProcessor, options ...Option) cqrs.PipelineProcessor {
	cfg := newConfig(options)
	stage := cfg.Operation
	if stage == "" {
		stage = fmt.Sprintf("%T", next)
	}
	p := &telemetryProcessor{next: next, stage: stage, cfg: cfg}
	if reverter, ok := next.(cqrs.PipelineReverter); ok {
		return &telemetryReverter{telemetryProcessor: p, reverter: reverter}
	}
	return p
}

func (p *telemetryProcessor) Process(ctx context.Context, batch cqrs.DispatchBatch) (cqrs.DispatchBatch, error) {
	stageAttr := metric.WithAttributes(AttrStage.String(p.stage))

	ctx, span := tracer.Start(ctx, fmt.Sprintf("pipeline.process %s", p.stage),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(p.cfg.attributes(ctx,
			AttrStage.String(p.stage),
			AttrEventCount.Int(len(batch.Events)),
			AttrEventTypes.StringSlice(batch.Events.Types()),
		)...),
	)
	defer span.End()

	start := time.Now()
	out, err := p.next.Process(ctx, batch)
	PipelineDuration.Record(ctx, float64(time.Since(start).Milliseconds()), stageAttr)
	PipelineBatches.Add(ctx, 1, stageAttr)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func (p *telemetryReverter) Revert(ctx context.Context, batch cqrs.DispatchBatch) error {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("pipeline.revert %s", p.stage),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(p.cfg.attributes(ctx,
			AttrStage.String(p.stage),
			AttrEventCount.Int(len(batch.Events)),
		)...),
	)
	defer span.End()

	PipelineReverts.Add(ctx, 1, metric.WithAttributes(AttrStage.String(p.stage)))

	if err := p.reverter.Revert(ctx, batch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
