package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rom8726/loom"
)

var _ loom.Plugin = (*TelemetryPlugin)(nil)

type spanEntry struct {
	span      trace.Span
	createdAt time.Time
}

type runCtxEntry struct {
	ctx       context.Context
	span      trace.Span
	createdAt time.Time
	suspended bool
}

// TelemetryPlugin opens one span per run and a child span per step
// invocation, from enqueue to completion.
type TelemetryPlugin struct {
	loom.BasePlugin

	tracer       trace.Tracer
	mu           sync.RWMutex
	spans        map[string]*spanEntry
	runs         map[string]*runCtxEntry
	defaultTTL   time.Duration
	suspendedTTL time.Duration
}

type TelemetryOption func(*TelemetryPlugin)

func WithDefaultTTL(ttl time.Duration) TelemetryOption {
	return func(p *TelemetryPlugin) {
		p.defaultTTL = ttl
	}
}

// WithSuspendedTTL bounds how long a run span waiting on a resume is kept.
func WithSuspendedTTL(ttl time.Duration) TelemetryOption {
	return func(p *TelemetryPlugin) {
		p.suspendedTTL = ttl
	}
}

func New(tracer trace.Tracer, opts ...TelemetryOption) *TelemetryPlugin {
	if tracer == nil {
		tracer = otel.Tracer("loom")
	}

	plugin := &TelemetryPlugin{
		BasePlugin:   loom.NewBasePlugin("telemetry", loom.PriorityHigh),
		tracer:       tracer,
		spans:        make(map[string]*spanEntry),
		runs:         make(map[string]*runCtxEntry),
		defaultTTL:   1 * time.Hour,
		suspendedTTL: 24 * time.Hour,
	}

	for _, opt := range opts {
		opt(plugin)
	}

	return plugin
}

func (p *TelemetryPlugin) OnRunStart(ctx context.Context, run *loom.Run) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	runCtx, span := p.tracer.Start(ctx, fmt.Sprintf("run.%s", run.FnName), trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.fn_name", run.FnName),
		attribute.String("run.fn_handle", run.FnHandle),
	)

	p.runs[run.ID] = &runCtxEntry{
		ctx:       runCtx,
		span:      span,
		createdAt: time.Now(),
	}

	p.cleanupExpired()

	return nil
}

func (p *TelemetryPlugin) OnRunFinish(ctx context.Context, run *loom.Run) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.runs[run.ID]
	if !ok {
		return nil
	}
	entry.span.SetAttributes(
		attribute.String("run.status", string(run.Status)),
		attribute.Int64("run.max_order", run.MaxOrder),
	)
	entry.span.SetStatus(codes.Ok, "run finished")
	entry.span.End()
	delete(p.runs, run.ID)

	return nil
}

func (p *TelemetryPlugin) OnStepStart(ctx context.Context, run *loom.Run, target loom.Target, workID loom.WorkID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stepCtx := ctx
	if entry, ok := p.runs[run.ID]; ok {
		stepCtx = entry.ctx
	}

	_, span := p.tracer.Start(stepCtx, fmt.Sprintf("step.%s", target.ID), trace.WithSpanKind(trace.SpanKindInternal))

	attrs := []attribute.KeyValue{
		attribute.String("run.id", run.ID),
		attribute.String("run.fn_name", run.FnName),
		attribute.String("step.id", target.ID),
		attribute.String("step.branch", target.Branch),
		attribute.Int("step.index", target.Index),
		attribute.String("step.target_kind", string(target.Kind)),
		attribute.String("step.work_id", string(workID)),
	}
	if target.Kind == loom.TargetKindSubscriber {
		attrs = append(attrs, attribute.String("step.event", target.Event))
	}
	span.SetAttributes(attrs...)

	p.spans[spanKey(run.ID, target)] = &spanEntry{span: span, createdAt: time.Now()}

	p.cleanupExpired()

	return nil
}

func (p *TelemetryPlugin) OnStepComplete(
	ctx context.Context,
	run *loom.Run,
	target loom.Target,
	state *loom.StepState,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := spanKey(run.ID, target)
	entry, ok := p.spans[key]
	if !ok {
		return nil
	}
	delete(p.spans, key)

	entry.span.SetAttributes(
		attribute.String("step.status", string(state.State.Status)),
		attribute.Int64("step.order", state.Order),
		attribute.Int64("step.order_at_start", state.OrderAtStart),
	)

	switch state.State.Status {
	case loom.StepStatusFailed:
		entry.span.SetAttributes(attribute.String("step.error", state.State.Error))
		entry.span.SetStatus(codes.Error, "step failed")
	case loom.StepStatusSuspended:
		if runEntry, ok := p.runs[run.ID]; ok {
			runEntry.suspended = true
		}
		entry.span.SetStatus(codes.Ok, "step suspended")
	default:
		entry.span.SetStatus(codes.Ok, "step completed")
	}
	entry.span.End()

	return nil
}

func (p *TelemetryPlugin) OnStepResume(ctx context.Context, run *loom.Run, state *loom.StepState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.runs[run.ID]
	if !ok {
		return nil
	}
	entry.suspended = false
	entry.span.AddEvent("step.resumed", trace.WithAttributes(
		attribute.String("step.id", state.StepID),
		attribute.String("step.status", string(state.State.Status)),
	))

	return nil
}

func (p *TelemetryPlugin) cleanupExpired() {
	now := time.Now()

	for key, entry := range p.spans {
		if now.Sub(entry.createdAt) > p.defaultTTL {
			entry.span.SetStatus(codes.Error, "span expired due to TTL")
			entry.span.End()
			delete(p.spans, key)
		}
	}

	for runID, entry := range p.runs {
		ttl := p.defaultTTL
		if entry.suspended {
			ttl = p.suspendedTTL
		}
		if now.Sub(entry.createdAt) > ttl {
			entry.span.SetStatus(codes.Error, "span expired due to TTL")
			entry.span.End()
			delete(p.runs, runID)
		}
	}
}

func spanKey(runID string, target loom.Target) string {
	return "step:" + runID + ":" + target.Key()
}
