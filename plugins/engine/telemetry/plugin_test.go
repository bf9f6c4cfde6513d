package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rom8726/loom"
)

func newTestPlugin(t *testing.T, opts ...TelemetryOption) (*TelemetryPlugin, *tracetest.SpanRecorder) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return New(tp.Tracer("test"), opts...), recorder
}

func TestTelemetryPlugin_New(t *testing.T) {
	plugin := New(otel.Tracer("test"))

	assert.Equal(t, "telemetry", plugin.Name())
	assert.Equal(t, loom.PriorityHigh, plugin.Priority())
	assert.Equal(t, time.Hour, plugin.defaultTTL)
	assert.Equal(t, 24*time.Hour, plugin.suspendedTTL)
}

func TestTelemetryPlugin_NewWithOptions(t *testing.T) {
	plugin := New(nil, WithDefaultTTL(2*time.Hour), WithSuspendedTTL(48*time.Hour))

	require.NotNil(t, plugin.tracer)
	assert.Equal(t, 2*time.Hour, plugin.defaultTTL)
	assert.Equal(t, 48*time.Hour, plugin.suspendedTTL)
}

func TestTelemetryPlugin_RunAndStepSpans(t *testing.T) {
	plugin, recorder := newTestPlugin(t)
	ctx := context.Background()

	run := &loom.Run{ID: "run-1", FnName: "orders", FnHandle: "orders", Status: loom.RunStatusStarted}
	target := loom.Target{Kind: loom.TargetKindDefault, Branch: "main", Index: 0, ID: "charge"}

	require.NoError(t, plugin.OnRunStart(ctx, run))
	require.NoError(t, plugin.OnStepStart(ctx, run, target, "w-1"))

	plugin.mu.RLock()
	assert.Len(t, plugin.spans, 1)
	assert.Len(t, plugin.runs, 1)
	plugin.mu.RUnlock()

	state := &loom.StepState{StepID: "charge", State: loom.Success(nil), Order: 1}
	require.NoError(t, plugin.OnStepComplete(ctx, run, target, state))

	run.Status = loom.RunStatusFinished
	require.NoError(t, plugin.OnRunFinish(ctx, run))

	plugin.mu.RLock()
	assert.Empty(t, plugin.spans)
	assert.Empty(t, plugin.runs)
	plugin.mu.RUnlock()

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "step.charge", ended[0].Name())
	assert.Equal(t, "run.orders", ended[1].Name())
	assert.Equal(t, ended[1].SpanContext().SpanID(), ended[0].Parent().SpanID())
}

func TestTelemetryPlugin_FailedStep(t *testing.T) {
	plugin, recorder := newTestPlugin(t)
	ctx := context.Background()

	run := &loom.Run{ID: "run-2", FnName: "orders"}
	target := loom.Target{Kind: loom.TargetKindSubscriber, Event: "a&&b", Branch: "after", ID: "notify"}

	require.NoError(t, plugin.OnStepStart(ctx, run, target, "w-2"))
	require.NoError(t, plugin.OnStepComplete(ctx, run, target, &loom.StepState{StepID: "notify", State: loom.Failed("boom")}))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
}

func TestTelemetryPlugin_SuspendAndResume(t *testing.T) {
	plugin, recorder := newTestPlugin(t)
	ctx := context.Background()

	run := &loom.Run{ID: "run-3", FnName: "approval"}
	target := loom.Target{Kind: loom.TargetKindDefault, Branch: "main", ID: "approve"}

	require.NoError(t, plugin.OnRunStart(ctx, run))
	require.NoError(t, plugin.OnStepStart(ctx, run, target, "w-3"))

	suspended := &loom.StepState{StepID: "approve", State: loom.Suspended(map[string]any{"ask": "ok?"})}
	require.NoError(t, plugin.OnStepComplete(ctx, run, target, suspended))

	plugin.mu.RLock()
	assert.True(t, plugin.runs[run.ID].suspended)
	plugin.mu.RUnlock()

	resumed := &loom.StepState{StepID: "approve", State: loom.Success(map[string]any{"ok": true})}
	require.NoError(t, plugin.OnStepResume(ctx, run, resumed))

	plugin.mu.RLock()
	assert.False(t, plugin.runs[run.ID].suspended)
	plugin.mu.RUnlock()

	require.NoError(t, plugin.OnRunFinish(ctx, run))

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	events := ended[1].Events()
	require.Len(t, events, 1)
	assert.Equal(t, "step.resumed", events[0].Name)
}

func TestTelemetryPlugin_CleanupExpired(t *testing.T) {
	plugin, recorder := newTestPlugin(t, WithDefaultTTL(time.Millisecond))
	ctx := context.Background()

	stale := &loom.Run{ID: "stale", FnName: "orders"}
	require.NoError(t, plugin.OnRunStart(ctx, stale))

	time.Sleep(5 * time.Millisecond)

	require.NoError(t, plugin.OnRunStart(ctx, &loom.Run{ID: "fresh", FnName: "orders"}))

	plugin.mu.RLock()
	_, staleKept := plugin.runs["stale"]
	_, freshKept := plugin.runs["fresh"]
	plugin.mu.RUnlock()

	assert.False(t, staleKept)
	assert.True(t, freshKept)
	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, codes.Error, recorder.Ended()[0].Status().Code)
}

func TestTelemetryPlugin_CompleteUnknownStep(t *testing.T) {
	plugin, recorder := newTestPlugin(t)

	target := loom.Target{Kind: loom.TargetKindDefault, Branch: "main", ID: "x"}
	err := plugin.OnStepComplete(context.Background(), &loom.Run{ID: "r"}, target, &loom.StepState{State: loom.Success(nil)})

	require.NoError(t, err)
	assert.Empty(t, recorder.Ended())
}
