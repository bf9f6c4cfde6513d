package loom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var _ CompletionHandler = (*Engine)(nil)

// queueConfigurer is implemented by queues that follow persisted settings.
type queueConfigurer interface {
	Configure(settings Settings)
}

// Engine is the run state machine. Every mutation of a run happens under the
// run lock inside one transaction; queue dispatch and plugin hooks happen
// after that transaction commits.
type Engine struct {
	txManager     TxManager
	store         Store
	queue         Queue
	locker        RunLocker
	pluginManager *PluginManager
	logger        *zap.Logger
	configRetry   RetryBehavior
}

func NewEngine(queue Queue, opts ...EngineOption) *Engine {
	engine := &Engine{
		queue: queue,
		configRetry: RetryBehavior{
			MaxAttempts:      0,
			InitialBackoffMs: DefaultRetryBehavior.InitialBackoffMs,
			Base:             DefaultRetryBehavior.Base,
		},
	}
	for _, opt := range opts {
		opt(engine)
	}

	if engine.store == nil {
		engine.store = NewMemoryStore()
	}
	if engine.txManager == nil {
		if memStore, ok := engine.store.(*MemoryStore); ok {
			engine.txManager = NewMemoryTxManager(memStore)
		} else {
			engine.txManager = hooksOnlyTxManager{}
		}
	}
	if engine.locker == nil {
		engine.locker = NewMemoryRunLocker()
	}
	engine.logger = orNop(engine.logger).With(zap.String("component", "engine"))

	if binder, ok := queue.(completionBinder); ok {
		binder.SetCompletionHandler(engine)
	}

	return engine
}

// Create inserts a new run in the created state and records the requested
// log level in the engine settings.
func (engine *Engine) Create(ctx context.Context, fnHandle, fnName string, logLevel LogLevel) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	runID := id.String()

	err = engine.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		if _, err := engine.updateSettings(ctx, func(settings *Settings) {
			if logLevel != "" {
				settings.LogLevel = logLevel
			}
		}); err != nil {
			return err
		}

		run := &Run{
			ID:           runID,
			FnHandle:     fnHandle,
			FnName:       fnName,
			StepStateIDs: make(map[string]string),
			Status:       RunStatusCreated,
		}
		if err := engine.store.CreateRun(ctx, run); err != nil {
			return fmt.Errorf("create run: %w", err)
		}

		_ = engine.store.LogEvent(ctx, runID, EventRunCreated, map[string]any{
			KeyFnName: fnName,
		})

		return nil
	})
	if err != nil {
		return "", err
	}

	return runID, nil
}

// Start moves a created run to pending and enqueues the config fetch whose
// completion starts the run.
func (engine *Engine) Start(ctx context.Context, runID string, triggerData any) error {
	return engine.withRun(ctx, runID, func(ctx context.Context) error {
		run, err := engine.store.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		if run.Status != RunStatusCreated {
			return statusErr(runID, run.Status, RunStatusCreated)
		}

		settings, err := engine.settings(ctx)
		if err != nil {
			return err
		}

		completionCtx, err := json.Marshal(startRunContext{WorkflowID: runID, TriggerData: triggerData})
		if err != nil {
			return fmt.Errorf("marshal start context: %w", err)
		}

		retry := engine.configRetry
		if _, err := engine.queue.EnqueueAction(ctx, run.FnHandle, ActionArgs{
			LogLevel: settings.LogLevel,
			Op:       ActionOp{Kind: OpGetConfig, RunID: runID},
		}, EnqueueOptions{
			Retry:      &retry,
			OnComplete: CompletionStartRun,
			Context:    completionCtx,
		}); err != nil {
			return fmt.Errorf("enqueue config fetch: %w", err)
		}

		run.Status = RunStatusPending
		if err := engine.store.ReplaceRun(ctx, run); err != nil {
			return fmt.Errorf("replace run: %w", err)
		}

		_ = engine.store.LogEvent(ctx, runID, EventRunPending, nil)

		return nil
	})
}

func (engine *Engine) HandleCompletion(
	ctx context.Context,
	name string,
	workID WorkID,
	result RunResult,
	completionCtx json.RawMessage,
) error {
	switch name {
	case CompletionStartRun:
		var sctx startRunContext
		if err := json.Unmarshal(completionCtx, &sctx); err != nil {
			return fmt.Errorf("unmarshal start context: %w", err)
		}

		return engine.StartRun(ctx, workID, result, sctx.WorkflowID, sctx.TriggerData)
	case CompletionStepOnComplete:
		var sctx stepCompletionContext
		if err := json.Unmarshal(completionCtx, &sctx); err != nil {
			return fmt.Errorf("unmarshal step context: %w", err)
		}

		return engine.StepOnComplete(ctx, workID, result, sctx.WorkflowID, sctx.Target, sctx.OrderAtStart)
	default:
		return fmt.Errorf("unknown completion %q", name)
	}
}

// StartRun consumes the fetched config of a pending run. A failed fetch or an
// invalid config finishes the run without running any step.
func (engine *Engine) StartRun(
	ctx context.Context,
	workID WorkID,
	result RunResult,
	runID string,
	triggerData any,
) error {
	return engine.withRun(ctx, runID, func(ctx context.Context) error {
		run, err := engine.store.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		logger, err := engine.opLogger(ctx)
		if err != nil {
			return err
		}
		logger = logger.With(zap.String(KeyRunID, runID), zap.String(KeyWorkID, string(workID)))

		if run.Status != RunStatusPending {
			logger.Warn("config arrived for a run that is not pending", zap.String(KeyStatus, string(run.Status)))
			_ = engine.store.LogEvent(ctx, runID, EventCompletionDiscarded, map[string]any{
				KeyWorkID: workID,
				KeyStatus: run.Status,
			})

			return nil
		}

		cfg, reason := decodeConfig(result)
		if cfg == nil {
			logger.Error("workflow config unavailable, finishing run", zap.String(KeyReason, reason))
			_ = engine.store.LogEvent(ctx, runID, EventConfigRejected, map[string]any{KeyReason: reason})

			return engine.finish(ctx, run)
		}

		cfg.ID = uuid.NewString()
		cfg.TriggerData = triggerData
		if err := engine.store.InsertWorkflowConfig(ctx, cfg); err != nil {
			return fmt.Errorf("insert workflow config: %w", err)
		}

		run.WorkflowConfigID = cfg.ID
		run.Status = RunStatusStarted

		_ = engine.store.LogEvent(ctx, runID, EventRunStarted, map[string]any{
			KeyConfigID: cfg.ID,
		})
		engine.afterCommit(ctx, run, func(ctx context.Context, pm *PluginManager, run *Run) {
			pm.ExecuteRunStart(ctx, run)
		})

		return engine.startSteps(ctx, run, cfg, InitialTargets(cfg), nil)
	})
}

func decodeConfig(result RunResult) (*WorkflowConfig, string) {
	if result.Kind != ResultSuccess {
		reason := result.Error
		if reason == "" {
			reason = string(result.Kind)
		}

		return nil, reason
	}

	var cfg WorkflowConfig
	if err := json.Unmarshal(result.ReturnValue, &cfg); err != nil {
		return nil, fmt.Sprintf("decode config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err.Error()
	}

	return &cfg, ""
}

// startSteps enqueues each target and records it as active. It persists the
// run once all targets are enqueued.
func (engine *Engine) startSteps(
	ctx context.Context,
	run *Run,
	cfg *WorkflowConfig,
	targets []Target,
	resumeData map[string]any,
) error {
	if run.Status != RunStatusStarted {
		return statusErr(run.ID, run.Status, RunStatusStarted)
	}

	states, err := engine.currentStates(ctx, run)
	if err != nil {
		return err
	}
	settings, err := engine.settings(ctx)
	if err != nil {
		return err
	}

	var orderAtStart int64
	steps := make(map[string]StepStatus, len(states))
	for id, state := range states {
		steps[id] = state.State
		orderAtStart = max(orderAtStart, state.Order)
	}

	for _, target := range targets {
		if run.activeIndex(target) >= 0 {
			return integrityErr(run.ID, &target, "target is already active")
		}
		if state, ok := states[target.ID]; ok && state.State.Status == StepStatusSuspended {
			return integrityErr(run.ID, &target, "step is suspended and must be resumed first")
		}

		completionCtx, err := json.Marshal(stepCompletionContext{
			WorkflowID:   run.ID,
			Target:       target,
			OrderAtStart: orderAtStart,
		})
		if err != nil {
			return fmt.Errorf("marshal step context: %w", err)
		}

		t := target
		workID, err := engine.queue.EnqueueAction(ctx, run.FnHandle, ActionArgs{
			LogLevel: settings.LogLevel,
			Op: ActionOp{
				Kind:        OpRun,
				RunID:       run.ID,
				Target:      &t,
				TriggerData: cfg.TriggerData,
				ResumeData:  resumeData,
				Steps:       steps,
			},
		}, EnqueueOptions{
			Retry:      cfg.retryFor(target.ID),
			OnComplete: CompletionStepOnComplete,
			Context:    completionCtx,
		})
		if err != nil {
			return fmt.Errorf("enqueue step %s: %w", target.ID, err)
		}

		run.ActiveBranches = append(run.ActiveBranches, ActiveBranch{Target: target, WorkID: workID})

		_ = engine.store.LogEvent(ctx, run.ID, EventStepEnqueued, map[string]any{
			KeyStepID:       target.ID,
			KeyTarget:       target,
			KeyWorkID:       workID,
			KeyOrderAtStart: orderAtStart,
		})
		engine.afterCommit(ctx, run, func(ctx context.Context, pm *PluginManager, run *Run) {
			pm.ExecuteStepStart(ctx, run, target, workID)
		})
	}

	if err := engine.store.ReplaceRun(ctx, run); err != nil {
		return fmt.Errorf("replace run: %w", err)
	}

	return nil
}

// StepOnComplete records the outcome of one step invocation and advances the
// branch graph.
func (engine *Engine) StepOnComplete(
	ctx context.Context,
	workID WorkID,
	result RunResult,
	runID string,
	target Target,
	orderAtStart int64,
) error {
	return engine.withRun(ctx, runID, func(ctx context.Context) error {
		run, err := engine.store.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		logger, err := engine.opLogger(ctx)
		if err != nil {
			return err
		}
		logger = logger.With(
			zap.String(KeyRunID, runID),
			zap.String(KeyTarget, target.Key()),
			zap.String(KeyWorkID, string(workID)),
		)

		status := statusFromResult(result)

		if run.Status != RunStatusStarted {
			logger.Warn("discarding completion for a run that is not started", zap.String(KeyStatus, string(run.Status)))
			_ = engine.store.LogEvent(ctx, runID, EventCompletionDiscarded, map[string]any{
				KeyWorkID: workID,
				KeyTarget: target,
				KeyStatus: run.Status,
			})

			return nil
		}

		run.MaxOrder++
		state := &StepState{
			ID:           uuid.NewString(),
			WorkflowID:   runID,
			StepID:       target.ID,
			State:        status,
			Order:        run.MaxOrder,
			OrderAtStart: orderAtStart,
		}
		if err := engine.store.InsertStepState(ctx, state); err != nil {
			return fmt.Errorf("insert step state: %w", err)
		}
		run.StepStateIDs[target.ID] = state.ID

		removed := run.removeActive(target)
		if !removed {
			logger.Warn("completed target was not active")
		}

		var (
			next []Target
			cfg  *WorkflowConfig
		)
		switch {
		case status.Status == StepStatusSuspended:
			run.addSuspended(target)
			_ = engine.store.LogEvent(ctx, runID, EventStepSuspended, map[string]any{
				KeyStepID: target.ID,
				KeyTarget: target,
			})
		case removed && status.Status == StepStatusSuccess:
			cfg, err = engine.store.GetWorkflowConfig(ctx, run.WorkflowConfigID)
			if err != nil {
				return fmt.Errorf("get workflow config: %w", err)
			}
			states, err := engine.currentStates(ctx, run)
			if err != nil {
				return err
			}
			next, err = FindNextTargets(runID, target, cfg, statusesOf(states))
			if err != nil {
				return err
			}
		}

		if err := engine.store.ReplaceRun(ctx, run); err != nil {
			return fmt.Errorf("replace run: %w", err)
		}

		_ = engine.store.LogEvent(ctx, runID, EventStepCompleted, map[string]any{
			KeyStepID:  target.ID,
			KeyTarget:  target,
			KeyStatus:  status.Status,
			KeyOrder:   state.Order,
			KeyError:   status.Error,
			KeyTargets: next,
		})
		logger.Debug("step completed", zap.String(KeyStatus, string(status.Status)), zap.Int("next", len(next)))
		engine.afterCommit(ctx, run, func(ctx context.Context, pm *PluginManager, run *Run) {
			pm.ExecuteStepComplete(ctx, run, target, state)
		})

		if len(next) > 0 {
			return engine.startSteps(ctx, run, cfg, next, nil)
		}
		if removed {
			return engine.checkForDone(ctx, run)
		}

		return nil
	})
}

func statusFromResult(result RunResult) StepStatus {
	switch result.Kind {
	case ResultSuccess:
		var status StepStatus
		if err := json.Unmarshal(result.ReturnValue, &status); err != nil {
			return Failed(fmt.Sprintf("invalid step result: %v", err))
		}
		switch status.Status {
		case StepStatusSuccess, StepStatusFailed, StepStatusSkipped, StepStatusSuspended:
			return status
		default:
			return Failed(fmt.Sprintf("invalid step result status %q", status.Status))
		}
	case ResultCanceled:
		return Failed("canceled")
	default:
		return Failed(result.Error)
	}
}

// Resume completes a suspended step with the merge of its suspend payload and
// resumeData, then restarts every branch that was waiting on it.
func (engine *Engine) Resume(ctx context.Context, runID, stepID string, resumeData map[string]any) error {
	return engine.withRun(ctx, runID, func(ctx context.Context) error {
		run, err := engine.store.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		if run.Status != RunStatusStarted {
			return statusErr(runID, run.Status, RunStatusStarted)
		}

		stateID, ok := run.StepStateIDs[stepID]
		if !ok {
			return fmt.Errorf("%w: %s has no state", ErrStepNotSuspended, stepID)
		}
		current, err := engine.store.GetStepState(ctx, stateID)
		if err != nil {
			return fmt.Errorf("get step state: %w", err)
		}
		if current.State.Status != StepStatusSuspended {
			return fmt.Errorf("%w: %s is %s", ErrStepNotSuspended, stepID, current.State.Status)
		}

		run.MaxOrder++
		state := &StepState{
			ID:           uuid.NewString(),
			WorkflowID:   runID,
			StepID:       stepID,
			State:        Success(mergeResume(current.State.SuspendPayload, resumeData)),
			Order:        run.MaxOrder,
			OrderAtStart: current.OrderAtStart,
		}
		if err := engine.store.InsertStepState(ctx, state); err != nil {
			return fmt.Errorf("insert step state: %w", err)
		}
		run.StepStateIDs[stepID] = state.ID

		targets := run.takeSuspended(stepID)

		_ = engine.store.LogEvent(ctx, runID, EventStepResumed, map[string]any{
			KeyStepID:  stepID,
			KeyOrder:   state.Order,
			KeyTargets: targets,
		})
		engine.afterCommit(ctx, run, func(ctx context.Context, pm *PluginManager, run *Run) {
			pm.ExecuteStepResume(ctx, run, state)
		})

		if len(targets) == 0 {
			if err := engine.store.ReplaceRun(ctx, run); err != nil {
				return fmt.Errorf("replace run: %w", err)
			}

			return engine.checkForDone(ctx, run)
		}

		cfg, err := engine.store.GetWorkflowConfig(ctx, run.WorkflowConfigID)
		if err != nil {
			return fmt.Errorf("get workflow config: %w", err)
		}

		return engine.startSteps(ctx, run, cfg, targets, resumeData)
	})
}

// mergeResume lets resume data override the fields of the suspend payload.
func mergeResume(payload any, resumeData map[string]any) map[string]any {
	merged := make(map[string]any)
	if fields, ok := normalize(payload).(map[string]any); ok {
		for k, v := range fields {
			merged[k] = v
		}
	}
	for k, v := range resumeData {
		merged[k] = normalize(v)
	}

	return merged
}

// CheckForDone finishes a started run that has nothing active or suspended.
// It is a no-op for runs in any other state.
func (engine *Engine) CheckForDone(ctx context.Context, runID string) error {
	return engine.withRun(ctx, runID, func(ctx context.Context) error {
		run, err := engine.store.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		if run.Status != RunStatusStarted {
			return nil
		}

		return engine.checkForDone(ctx, run)
	})
}

func (engine *Engine) checkForDone(ctx context.Context, run *Run) error {
	if run.Status != RunStatusStarted {
		return statusErr(run.ID, run.Status, RunStatusStarted)
	}
	if len(run.ActiveBranches) > 0 || len(run.SuspendedBranches) > 0 {
		return nil
	}

	return engine.finish(ctx, run)
}

func (engine *Engine) finish(ctx context.Context, run *Run) error {
	run.Status = RunStatusFinished
	if err := engine.store.ReplaceRun(ctx, run); err != nil {
		return fmt.Errorf("replace run: %w", err)
	}

	_ = engine.store.LogEvent(ctx, run.ID, EventRunFinished, map[string]any{
		KeyOrder: run.MaxOrder,
	})
	engine.afterCommit(ctx, run, func(ctx context.Context, pm *PluginManager, run *Run) {
		pm.ExecuteRunFinish(ctx, run)
	})

	return nil
}

// Status reports the latest committed state of a run.
func (engine *Engine) Status(ctx context.Context, runID string) (*RunStatusView, error) {
	run, err := engine.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	view := &RunStatusView{Status: run.Status}
	if run.Status == RunStatusCreated || run.Status == RunStatusPending {
		return view, nil
	}

	states, err := engine.currentStates(ctx, run)
	if err != nil {
		return nil, err
	}
	view.StepStates = make([]*StepState, 0, len(states))
	for _, state := range states {
		view.StepStates = append(view.StepStates, state)
	}
	sort.Slice(view.StepStates, func(i, j int) bool {
		return view.StepStates[i].Order < view.StepStates[j].Order
	})
	view.ActiveBranches = run.ActiveBranches
	view.SuspendedBranches = run.SuspendedBranches

	return view, nil
}

func (engine *Engine) GetRun(ctx context.Context, runID string) (*Run, error) {
	return engine.store.GetRun(ctx, runID)
}

// GetStepHistory returns every recorded state of a run in order.
func (engine *Engine) GetStepHistory(ctx context.Context, runID string) ([]*StepState, error) {
	if _, err := engine.store.GetRun(ctx, runID); err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	return engine.store.GetStepHistory(ctx, runID)
}

func (engine *Engine) ListRuns(ctx context.Context, filter RunFilter, cursor string, limit int) (*RunPage, error) {
	return engine.store.ListRuns(ctx, filter, cursor, limit)
}

func (engine *Engine) GetRunEvents(ctx context.Context, runID string) ([]*RunEvent, error) {
	return engine.store.GetRunEvents(ctx, runID)
}

func (engine *Engine) Stats(ctx context.Context) ([]RunStats, error) {
	return engine.store.CountRunsByStatus(ctx)
}

func (engine *Engine) Settings(ctx context.Context) (*Settings, error) {
	return engine.settings(ctx)
}

// UpdateSettings persists new engine settings and pushes them to the queue.
func (engine *Engine) UpdateSettings(ctx context.Context, settings Settings) error {
	return engine.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		_, err := engine.updateSettings(ctx, func(current *Settings) {
			if settings.LogLevel != "" {
				current.LogLevel = settings.LogLevel
			}
			if settings.WorkpoolLogLevel != "" {
				current.WorkpoolLogLevel = settings.WorkpoolLogLevel
			}
			if settings.MaxParallelism > 0 {
				current.MaxParallelism = settings.MaxParallelism
			}
		})

		return err
	})
}

func (engine *Engine) settings(ctx context.Context) (*Settings, error) {
	settings, err := engine.store.GetSettings(ctx)
	if errors.Is(err, ErrEntityNotFound) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	return settings, nil
}

func (engine *Engine) updateSettings(ctx context.Context, mutate func(settings *Settings)) (*Settings, error) {
	settings, err := engine.store.GetSettings(ctx)
	stored := err == nil
	switch {
	case errors.Is(err, ErrEntityNotFound):
		settings = DefaultSettings()
	case err != nil:
		return nil, fmt.Errorf("get settings: %w", err)
	}

	before := *settings
	mutate(settings)
	if stored && *settings == before {
		return settings, nil
	}

	if err := engine.store.SaveSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("save settings: %w", err)
	}

	if configurer, ok := engine.queue.(queueConfigurer); ok {
		applied := *settings
		AfterCommit(ctx, func() { configurer.Configure(applied) })
	}

	return settings, nil
}

func (engine *Engine) opLogger(ctx context.Context) (*zap.Logger, error) {
	settings, err := engine.settings(ctx)
	if err != nil {
		return nil, err
	}

	return scopedLogger(engine.logger, settings.LogLevel), nil
}

// currentStates loads the current state of every step the run has recorded.
func (engine *Engine) currentStates(ctx context.Context, run *Run) (map[string]*StepState, error) {
	states := make(map[string]*StepState, len(run.StepStateIDs))
	for stepID, stateID := range run.StepStateIDs {
		state, err := engine.store.GetStepState(ctx, stateID)
		if err != nil {
			return nil, fmt.Errorf("get step state %s: %w", stepID, err)
		}
		states[stepID] = state
	}

	return states, nil
}

func statusesOf(states map[string]*StepState) map[string]StepStatus {
	out := make(map[string]StepStatus, len(states))
	for id, state := range states {
		out[id] = state.State
	}

	return out
}

// withRun runs fn under the run lock inside a transaction.
func (engine *Engine) withRun(ctx context.Context, runID string, fn func(ctx context.Context) error) error {
	unlock, err := engine.locker.Lock(ctx, runID)
	if err != nil {
		return fmt.Errorf("lock run: %w", err)
	}
	defer unlock()

	return engine.txManager.ReadCommitted(ctx, fn)
}

// afterCommit schedules a plugin hook with a snapshot of the run as it is now.
func (engine *Engine) afterCommit(
	ctx context.Context,
	run *Run,
	hook func(ctx context.Context, pm *PluginManager, run *Run),
) {
	if engine.pluginManager == nil {
		return
	}
	snapshot := run.clone()
	pm := engine.pluginManager
	AfterCommit(ctx, func() { hook(committedContext(ctx), pm, snapshot) })
}
