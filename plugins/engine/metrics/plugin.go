package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rom8726/loom"
)

var _ loom.Plugin = (*MetricsPlugin)(nil)

type MetricsPlugin struct {
	loom.BasePlugin

	collector      MetricsCollector
	gatherer       prometheus.Gatherer
	runStartTimes  map[string]time.Time
	stepStartTimes map[string]time.Time
	mu             sync.Mutex
}

type Option func(p *MetricsPlugin)

// WithGatherer sets the registry served on /metrics.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(p *MetricsPlugin) {
		p.gatherer = gatherer
	}
}

func New(collector MetricsCollector, opts ...Option) *MetricsPlugin {
	p := &MetricsPlugin{
		BasePlugin:     loom.NewBasePlugin("metrics", loom.PriorityHigh),
		collector:      collector,
		gatherer:       prometheus.DefaultGatherer,
		runStartTimes:  make(map[string]time.Time),
		stepStartTimes: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *MetricsPlugin) Description() string {
	return "Prometheus metrics for runs and steps"
}

func (p *MetricsPlugin) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /metrics", promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{}))
}

func (p *MetricsPlugin) OnRunStart(ctx context.Context, run *loom.Run) error {
	p.mu.Lock()
	p.runStartTimes[run.ID] = time.Now()
	p.mu.Unlock()

	if p.collector != nil {
		p.collector.RecordRunStarted(run.FnName)
	}

	return nil
}

func (p *MetricsPlugin) OnRunFinish(ctx context.Context, run *loom.Run) error {
	p.mu.Lock()
	startTime, ok := p.runStartTimes[run.ID]
	delete(p.runStartTimes, run.ID)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	if p.collector != nil {
		p.collector.RecordRunFinished(run.FnName, time.Since(startTime))
	}

	return nil
}

func (p *MetricsPlugin) OnStepStart(ctx context.Context, run *loom.Run, target loom.Target, workID loom.WorkID) error {
	p.mu.Lock()
	p.stepStartTimes[stepKey(run.ID, target)] = time.Now()
	p.mu.Unlock()

	if p.collector != nil {
		p.collector.RecordStepStarted(run.FnName, target.ID)
	}

	return nil
}

func (p *MetricsPlugin) OnStepComplete(
	ctx context.Context,
	run *loom.Run,
	target loom.Target,
	state *loom.StepState,
) error {
	key := stepKey(run.ID, target)

	p.mu.Lock()
	startTime, ok := p.stepStartTimes[key]
	delete(p.stepStartTimes, key)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	if p.collector != nil {
		p.collector.RecordStepCompleted(run.FnName, target.ID, state.State.Status, time.Since(startTime))
	}

	return nil
}

func (p *MetricsPlugin) OnStepResume(ctx context.Context, run *loom.Run, state *loom.StepState) error {
	if p.collector != nil {
		p.collector.RecordStepResumed(run.FnName, state.StepID)
	}

	return nil
}

func stepKey(runID string, target loom.Target) string {
	return runID + "|" + target.Key()
}
