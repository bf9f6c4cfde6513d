package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rom8726/loom"
)

type fakeCollector struct {
	runStarted    int
	runFinished   int
	stepStarted   int
	stepCompleted int
	stepResumed   int

	lastFnName   string
	lastStepID   string
	lastStatus   loom.StepStatusKind
	lastDuration time.Duration
}

func (f *fakeCollector) RecordRunStarted(fnName string) {
	f.runStarted++
	f.lastFnName = fnName
}

func (f *fakeCollector) RecordRunFinished(fnName string, duration time.Duration) {
	f.runFinished++
	f.lastFnName = fnName
	f.lastDuration = duration
}

func (f *fakeCollector) RecordStepStarted(fnName string, stepID string) {
	f.stepStarted++
	f.lastFnName = fnName
	f.lastStepID = stepID
}

func (f *fakeCollector) RecordStepCompleted(fnName string, stepID string, status loom.StepStatusKind, duration time.Duration) {
	f.stepCompleted++
	f.lastFnName = fnName
	f.lastStepID = stepID
	f.lastStatus = status
	f.lastDuration = duration
}

func (f *fakeCollector) RecordStepResumed(fnName string, stepID string) {
	f.stepResumed++
	f.lastStepID = stepID
}

func TestMetricsPlugin_RunLifecycle(t *testing.T) {
	fc := &fakeCollector{}
	p := New(fc)
	ctx := context.Background()
	run := &loom.Run{ID: "run-1", FnName: "orders"}

	require.NoError(t, p.OnRunStart(ctx, run))
	assert.Equal(t, 1, fc.runStarted)
	assert.Equal(t, "orders", fc.lastFnName)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, p.OnRunFinish(ctx, run))
	assert.Equal(t, 1, fc.runFinished)
	assert.Positive(t, fc.lastDuration)

	// finishing twice does not double count
	require.NoError(t, p.OnRunFinish(ctx, run))
	assert.Equal(t, 1, fc.runFinished)
}

func TestMetricsPlugin_StepLifecycle(t *testing.T) {
	fc := &fakeCollector{}
	p := New(fc)
	ctx := context.Background()
	run := &loom.Run{ID: "run-1", FnName: "orders"}
	target := loom.Target{Kind: loom.TargetKindDefault, Branch: "a", Index: 0, ID: "a"}

	require.NoError(t, p.OnStepStart(ctx, run, target, "w-1"))
	assert.Equal(t, 1, fc.stepStarted)
	assert.Equal(t, "a", fc.lastStepID)

	state := &loom.StepState{StepID: "a", State: loom.Success(map[string]any{"ok": true})}
	require.NoError(t, p.OnStepComplete(ctx, run, target, state))
	assert.Equal(t, 1, fc.stepCompleted)
	assert.Equal(t, loom.StepStatusSuccess, fc.lastStatus)

	require.NoError(t, p.OnStepResume(ctx, run, state))
	assert.Equal(t, 1, fc.stepResumed)
}

func TestMetricsPlugin_CompleteWithoutStartIsIgnored(t *testing.T) {
	fc := &fakeCollector{}
	p := New(fc)

	target := loom.Target{Kind: loom.TargetKindDefault, Branch: "a", ID: "a"}
	err := p.OnStepComplete(context.Background(), &loom.Run{ID: "r"}, target, &loom.StepState{State: loom.Failed("x")})
	require.NoError(t, err)
	assert.Zero(t, fc.stepCompleted)
}

func TestMetricsPlugin_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewPrometheusCollector(reg)
	p := New(collector, WithGatherer(reg))

	collector.RecordRunStarted("orders")

	mux := http.NewServeMux()
	p.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `loom_run_started_total{fn_name="orders"} 1`)
}
