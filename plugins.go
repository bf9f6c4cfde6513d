package loom

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

type PluginPriority int

const (
	PriorityLow    PluginPriority = 0
	PriorityNormal PluginPriority = 50
	PriorityHigh   PluginPriority = 100
)

// Plugin observes run lifecycle. Hooks fire after the state change they
// describe has been committed; their errors are logged and never affect the run.
type Plugin interface {
	Name() string
	Priority() PluginPriority

	OnRunStart(ctx context.Context, run *Run) error
	OnRunFinish(ctx context.Context, run *Run) error
	OnStepStart(ctx context.Context, run *Run, target Target, workID WorkID) error
	OnStepComplete(ctx context.Context, run *Run, target Target, state *StepState) error
	OnStepResume(ctx context.Context, run *Run, state *StepState) error
}

// BasePlugin provides default no-op implementations
type BasePlugin struct {
	name     string
	priority PluginPriority
}

func NewBasePlugin(name string, priority PluginPriority) BasePlugin {
	return BasePlugin{name: name, priority: priority}
}

func (p BasePlugin) Name() string                                         { return p.name }
func (p BasePlugin) Priority() PluginPriority                             { return p.priority }
func (p BasePlugin) OnRunStart(context.Context, *Run) error               { return nil }
func (p BasePlugin) OnRunFinish(context.Context, *Run) error              { return nil }
func (p BasePlugin) OnStepResume(context.Context, *Run, *StepState) error { return nil }
func (p BasePlugin) OnStepStart(context.Context, *Run, Target, WorkID) error {
	return nil
}
func (p BasePlugin) OnStepComplete(context.Context, *Run, Target, *StepState) error {
	return nil
}

type PluginManager struct {
	plugins []Plugin
	logger  *zap.Logger
	mu      sync.RWMutex
}

func NewPluginManager(logger *zap.Logger) *PluginManager {
	return &PluginManager{
		plugins: make([]Plugin, 0),
		logger:  orNop(logger).With(zap.String("component", "plugins")),
	}
}

// Register adds a plugin; higher priority plugins run first.
func (pm *PluginManager) Register(plugin Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.plugins = append(pm.plugins, plugin)

	sort.SliceStable(pm.plugins, func(i, j int) bool {
		return pm.plugins[i].Priority() > pm.plugins[j].Priority()
	})
}

func (pm *PluginManager) Plugins() []Plugin {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	return append([]Plugin(nil), pm.plugins...)
}

func (pm *PluginManager) each(hook string, fn func(plugin Plugin) error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, plugin := range pm.plugins {
		if err := fn(plugin); err != nil {
			pm.logger.Error("plugin hook failed",
				zap.String("plugin", plugin.Name()), zap.String("hook", hook), zap.Error(err))
		}
	}
}

func (pm *PluginManager) ExecuteRunStart(ctx context.Context, run *Run) {
	pm.each("run_start", func(p Plugin) error { return p.OnRunStart(ctx, run) })
}

func (pm *PluginManager) ExecuteRunFinish(ctx context.Context, run *Run) {
	pm.each("run_finish", func(p Plugin) error { return p.OnRunFinish(ctx, run) })
}

func (pm *PluginManager) ExecuteStepStart(ctx context.Context, run *Run, target Target, workID WorkID) {
	pm.each("step_start", func(p Plugin) error { return p.OnStepStart(ctx, run, target, workID) })
}

func (pm *PluginManager) ExecuteStepComplete(ctx context.Context, run *Run, target Target, state *StepState) {
	pm.each("step_complete", func(p Plugin) error { return p.OnStepComplete(ctx, run, target, state) })
}

func (pm *PluginManager) ExecuteStepResume(ctx context.Context, run *Run, state *StepState) {
	pm.each("step_resume", func(p Plugin) error { return p.OnStepResume(ctx, run, state) })
}
