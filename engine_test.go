package loom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testRetry = RetryBehavior{MaxAttempts: 3, InitialBackoffMs: 1, Base: 1}

type testEnv struct {
	registry *Registry
	pool     *Workpool
	engine   *Engine
	client   *Client
	store    Store
	plugin   *recordingPlugin
}

type envOption func(opts *[]EngineOption)

func withEnvStore(store Store, txManager TxManager) envOption {
	return func(opts *[]EngineOption) {
		*opts = append(*opts, WithEngineStore(store), WithEngineTxManager(txManager))
	}
}

func newTestEnv(t *testing.T, workflows []*Workflow, envOpts ...envOption) *testEnv {
	t.Helper()

	logger := zaptest.NewLogger(t)
	registry := NewRegistry(WithRegistryLogger(logger), WithRegistryMemory(NewInMemoryVectorStore(logger)))
	for _, wf := range workflows {
		_, err := registry.Register(wf)
		require.NoError(t, err)
	}

	pool := NewWorkpool(registry, WithWorkpoolLogger(logger), WithWorkpoolDefaultRetry(testRetry))

	plugin := &recordingPlugin{BasePlugin: NewBasePlugin("recording", PriorityNormal)}
	pluginManager := NewPluginManager(logger)
	pluginManager.Register(plugin)

	store := NewMemoryStore()
	opts := []EngineOption{
		WithEngineStore(store),
		WithEngineTxManager(NewMemoryTxManager(store)),
		WithEnginePluginManager(pluginManager),
		WithEngineLogger(logger),
		WithEngineConfigRetry(testRetry),
	}
	for _, o := range envOpts {
		o(&opts)
	}
	engine := NewEngine(pool, opts...)

	t.Cleanup(func() { _ = pool.Stop(context.Background()) })

	return &testEnv{
		registry: registry,
		pool:     pool,
		engine:   engine,
		client:   NewClient(engine, registry),
		store:    engine.store,
		plugin:   plugin,
	}
}

func (env *testEnv) run(t *testing.T, workflow string, trigger any) (string, *RunStatusView) {
	t.Helper()

	runID, err := env.client.CreateAndStart(context.Background(), workflow, trigger)
	require.NoError(t, err)

	return runID, env.wait(t, runID)
}

func (env *testEnv) wait(t *testing.T, runID string) *RunStatusView {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	view, err := env.client.WaitForCompletion(ctx, runID, 2*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, env.pool.WaitIdle(ctx))

	return view
}

type recordingPlugin struct {
	BasePlugin

	mu     sync.Mutex
	events []string
}

func (p *recordingPlugin) record(event string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPlugin) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.events...)
}

func (p *recordingPlugin) OnRunStart(ctx context.Context, run *Run) error {
	p.record("run_start")

	return nil
}

func (p *recordingPlugin) OnRunFinish(ctx context.Context, run *Run) error {
	p.record("run_finish")

	return nil
}

func (p *recordingPlugin) OnStepStart(ctx context.Context, run *Run, target Target, workID WorkID) error {
	if inTx(ctx) {
		return errors.New("hook ran inside a transaction")
	}
	p.record("start:" + target.ID)

	return nil
}

func (p *recordingPlugin) OnStepComplete(ctx context.Context, run *Run, target Target, state *StepState) error {
	p.record(fmt.Sprintf("complete:%s:%s", target.ID, state.State.Status))

	return nil
}

func (p *recordingPlugin) OnStepResume(ctx context.Context, run *Run, state *StepState) error {
	p.record("resume:" + state.StepID)

	return nil
}

func outputStep(id string, out map[string]any, opts ...StepOption) *Step {
	return NewStep(id, func(ctx context.Context, params *ExecuteParams) (any, error) {
		return out, nil
	}, opts...)
}

func mustBuild(t *testing.T, b *Builder) *Workflow {
	t.Helper()

	wf, err := b.Build()
	require.NoError(t, err)

	return wf
}

func stepStatus(t *testing.T, view *RunStatusView, stepID string) StepStatus {
	t.Helper()

	state, ok := view.Step(stepID)
	require.True(t, ok, "no state for step %s", stepID)

	return state.State
}

func TestEngine_LinearWorkflow(t *testing.T) {
	wf := mustBuild(t, NewBuilder("linear").
		Step(outputStep("a", map[string]any{"n": 1})).
		Then(NewStep("b", func(ctx context.Context, params *ExecuteParams) (any, error) {
			prev, _ := ResolvePath(params.Context.GetStepResult("a"), "n")

			return map[string]any{"n": prev.(float64) + 1}, nil
		})).
		Then(NewStep("c", func(ctx context.Context, params *ExecuteParams) (any, error) {
			v, _ := params.Context.GetInput("total")

			return map[string]any{"total": v}, nil
		}), WithVariables(map[string]VariableRef{"total": FromStep("b", "n")})))

	env := newTestEnv(t, []*Workflow{wf})
	runID, view := env.run(t, "linear", nil)

	assert.Equal(t, RunStatusFinished, view.Status)
	assert.Empty(t, view.ActiveBranches)
	assert.Equal(t, Success(map[string]any{"total": 2.0}), stepStatus(t, view, "c"))

	history, err := env.client.History(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, state := range history {
		assert.Equal(t, int64(i+1), state.Order)
	}
	assert.Equal(t, []string{"a", "b", "c"}, []string{history[0].StepID, history[1].StepID, history[2].StepID})
	assert.Equal(t, int64(1), history[1].OrderAtStart)

	run, err := env.engine.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), run.MaxOrder)
	assert.NotEmpty(t, run.WorkflowConfigID)

	assert.Equal(t, []string{
		"run_start",
		"start:a", "complete:a:success",
		"start:b", "complete:b:success",
		"start:c", "complete:c:success",
		"run_finish",
	}, env.plugin.Events())
}

func TestEngine_JoinRunsOnceAfterAllDependencies(t *testing.T) {
	var joined atomic.Int32
	wf := mustBuild(t, NewBuilder("join").
		Step(outputStep("a", map[string]any{"v": "a"})).
		Step(outputStep("b", map[string]any{"v": "b"})).
		Step(outputStep("c", map[string]any{"v": "c"})).
		After("a", "b", "c").
		Step(NewStep("merge", func(ctx context.Context, params *ExecuteParams) (any, error) {
			joined.Add(1)

			return map[string]any{
				"a": params.Context.GetStepResult("a"),
				"c": params.Context.GetStepResult("c"),
			}, nil
		})))

	env := newTestEnv(t, []*Workflow{wf})
	_, view := env.run(t, "join", nil)

	assert.Equal(t, RunStatusFinished, view.Status)
	assert.Equal(t, int32(1), joined.Load())
	assert.Equal(t, Success(map[string]any{
		"a": map[string]any{"v": "a"},
		"c": map[string]any{"v": "c"},
	}), stepStatus(t, view, "merge"))
}

func TestEngine_JoinNeverFiresWhenDependencyFails(t *testing.T) {
	var merged atomic.Bool
	wf := mustBuild(t, NewBuilder("join_fail", WithBuilderRetry(RetryBehavior{MaxAttempts: 1, InitialBackoffMs: 1, Base: 1})).
		Step(outputStep("a", nil)).
		Step(NewStep("b", func(ctx context.Context, params *ExecuteParams) (any, error) {
			return nil, errors.New("b is broken")
		})).
		After("a", "b").
		Step(NewStep("merge", func(ctx context.Context, params *ExecuteParams) (any, error) {
			merged.Store(true)

			return nil, nil
		})))

	env := newTestEnv(t, []*Workflow{wf})
	_, view := env.run(t, "join_fail", nil)

	assert.Equal(t, RunStatusFinished, view.Status)
	assert.False(t, merged.Load())
	status := stepStatus(t, view, "b")
	assert.Equal(t, StepStatusFailed, status.Status)
	assert.Contains(t, status.Error, "b is broken")
	_, ok := view.Step("merge")
	assert.False(t, ok)
}

func TestEngine_RetriesFailingStep(t *testing.T) {
	var attempts atomic.Int32
	wf := mustBuild(t, NewBuilder("flaky").
		Step(NewStep("flaky", func(ctx context.Context, params *ExecuteParams) (any, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("try again")
			}

			return map[string]any{"attempts": attempts.Load()}, nil
		}, WithStepRetry(RetryBehavior{MaxAttempts: 5, InitialBackoffMs: 1, Base: 1}))))

	env := newTestEnv(t, []*Workflow{wf})
	_, view := env.run(t, "flaky", nil)

	assert.Equal(t, RunStatusFinished, view.Status)
	assert.Equal(t, Success(map[string]any{"attempts": 3.0}), stepStatus(t, view, "flaky"))
}

func TestEngine_PanicBecomesFailure(t *testing.T) {
	wf := mustBuild(t, NewBuilder("panics", WithBuilderRetry(RetryBehavior{MaxAttempts: 2, InitialBackoffMs: 1, Base: 1})).
		Step(NewStep("boom", func(ctx context.Context, params *ExecuteParams) (any, error) {
			panic("unexpected")
		})).
		Then(outputStep("never", nil)))

	env := newTestEnv(t, []*Workflow{wf})
	_, view := env.run(t, "panics", nil)

	assert.Equal(t, RunStatusFinished, view.Status)
	status := stepStatus(t, view, "boom")
	assert.Equal(t, StepStatusFailed, status.Status)
	assert.Contains(t, status.Error, "unexpected")
	_, ok := view.Step("never")
	assert.False(t, ok)
}

func TestEngine_Conditions(t *testing.T) {
	wf := mustBuild(t, NewBuilder("conditions").
		Step(outputStep("score", map[string]any{"value": 42})).
		Then(outputStep("high", map[string]any{"ok": true}),
			WithWhen(Condition{"score.value": map[string]any{"$gt": 40}})).
		Step(outputStep("trigger_gate", nil),
			WithWhen(Condition{"trigger.enabled": true})).
		Step(outputStep("skipped", nil),
			WithWhen(Condition{"trigger.enabled": false}), WithSkipWhenUnmet()).
		After("score").
		Step(outputStep("low", nil), WithWhen(Condition{"score.value": map[string]any{"$lt": 10}})))

	env := newTestEnv(t, []*Workflow{wf})
	_, view := env.run(t, "conditions", map[string]any{"enabled": true})

	assert.Equal(t, RunStatusFinished, view.Status)
	assert.Equal(t, StepStatusSuccess, stepStatus(t, view, "high").Status)
	assert.Equal(t, StepStatusSuccess, stepStatus(t, view, "trigger_gate").Status)
	assert.Equal(t, Skipped(), stepStatus(t, view, "skipped"))
	assert.Equal(t, Failed(conditionFailedMessage), stepStatus(t, view, "low"))
}

func TestEngine_SuspendAndResume(t *testing.T) {
	var calls atomic.Int32
	wf := mustBuild(t, NewBuilder("approval").
		Step(NewStep("ask", func(ctx context.Context, params *ExecuteParams) (any, error) {
			calls.Add(1)
			if answer, ok := params.Context.GetInput("answer"); ok {
				return map[string]any{"answer": answer}, nil
			}
			params.Suspend(map[string]any{"ask": "x"})

			return nil, nil
		})).
		Then(NewStep("after", func(ctx context.Context, params *ExecuteParams) (any, error) {
			return params.Context.GetStepResult("ask"), nil
		})))

	env := newTestEnv(t, []*Workflow{wf})
	ctx := context.Background()
	runID, view := env.run(t, "approval", nil)

	assert.Equal(t, RunStatusStarted, view.Status)
	assert.Equal(t, Suspended(map[string]any{"ask": "x"}), stepStatus(t, view, "ask"))
	require.Len(t, view.SuspendedBranches, 1)
	assert.Equal(t, "ask", view.SuspendedBranches[0].ID)
	_, ok := view.Step("after")
	assert.False(t, ok)

	err := env.client.Resume(ctx, runID, "after", nil)
	assert.ErrorIs(t, err, ErrStepNotSuspended)

	require.NoError(t, env.client.Resume(ctx, runID, "ask", map[string]any{"answer": "y"}))

	history, err := env.client.History(ctx, runID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(history), 2)
	assert.Equal(t, Success(map[string]any{"ask": "x", "answer": "y"}), history[1].State)

	view = env.wait(t, runID)
	assert.Equal(t, RunStatusFinished, view.Status)
	assert.Empty(t, view.SuspendedBranches)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, Success(map[string]any{"answer": "y"}), stepStatus(t, view, "after"))

	err = env.client.Resume(ctx, runID, "ask", nil)
	assert.ErrorIs(t, err, ErrInvalidRunStatus)

	assert.Contains(t, env.plugin.Events(), "resume:ask")
	assert.Contains(t, env.plugin.Events(), "complete:ask:suspended")
}

func TestEngine_SuspendFirstCallWins(t *testing.T) {
	wf := mustBuild(t, NewBuilder("double_suspend").
		Step(NewStep("ask", func(ctx context.Context, params *ExecuteParams) (any, error) {
			params.Suspend(map[string]any{"n": 1})
			params.Suspend(map[string]any{"n": 2})

			return map[string]any{"ignored": true}, nil
		})))

	env := newTestEnv(t, []*Workflow{wf})
	_, view := env.run(t, "double_suspend", nil)

	assert.Equal(t, Suspended(map[string]any{"n": 1.0}), stepStatus(t, view, "ask"))
}

func TestEngine_SchemasGateSteps(t *testing.T) {
	wf := mustBuild(t, NewBuilder("schemas", WithTriggerSchema(&jsonschema.Schema{
		Type:     "object",
		Required: []string{"id"},
	})).
		Step(outputStep("in", map[string]any{"n": "not a number"}, WithOutputSchema(&jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"n": {Type: "number"},
			},
		}))).
		Step(outputStep("typed", nil, WithInputSchema(&jsonschema.Schema{
			Type:     "object",
			Required: []string{"count"},
		}))))

	env := newTestEnv(t, []*Workflow{wf})

	_, view := env.run(t, "schemas", map[string]any{"name": "no id"})
	assert.Equal(t, RunStatusFinished, view.Status)
	for _, id := range []string{"in", "typed"} {
		status := stepStatus(t, view, id)
		assert.Equal(t, StepStatusFailed, status.Status)
		assert.Contains(t, status.Error, "trigger data validation failed")
	}

	_, view = env.run(t, "schemas", map[string]any{"id": "1"})
	assert.Contains(t, stepStatus(t, view, "in").Error, "output validation failed")
	assert.Contains(t, stepStatus(t, view, "typed").Error, "input validation failed")
}

func TestEngine_StatusTransitions(t *testing.T) {
	wf := mustBuild(t, NewBuilder("status").Step(outputStep("a", nil)))
	env := newTestEnv(t, []*Workflow{wf})
	ctx := context.Background()

	runID, err := env.client.Create(ctx, "status")
	require.NoError(t, err)

	view, err := env.client.Status(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCreated, view.Status)
	assert.Empty(t, view.StepStates)

	require.NoError(t, env.engine.CheckForDone(ctx, runID))

	err = env.client.Resume(ctx, runID, "a", nil)
	assert.ErrorIs(t, err, ErrInvalidRunStatus)

	require.NoError(t, env.client.Start(ctx, runID, nil))
	err = env.client.Start(ctx, runID, nil)
	assert.ErrorIs(t, err, ErrInvalidRunStatus)

	view = env.wait(t, runID)
	assert.Equal(t, RunStatusFinished, view.Status)

	events, err := env.client.Events(ctx, runID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{
		EventRunCreated,
		EventRunPending,
		EventRunStarted,
		EventStepEnqueued,
		EventStepCompleted,
		EventRunFinished,
	}, types)
}

func TestEngine_UnknownWorkflowAndRun(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.client.Create(ctx, "ghost")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	_, err = env.client.Status(ctx, "missing")
	assert.ErrorIs(t, err, ErrEntityNotFound)

	_, err = env.client.History(ctx, "missing")
	assert.ErrorIs(t, err, ErrEntityNotFound)

	err = env.client.Start(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestEngine_ConfigFetchFailureFinishesRun(t *testing.T) {
	wf := mustBuild(t, NewBuilder("orphan").Step(outputStep("a", nil)))
	env := newTestEnv(t, []*Workflow{wf})
	ctx := context.Background()

	// a run whose function is not registered on this worker
	runID, err := env.engine.Create(ctx, "unregistered", "unregistered", LogLevelDebug)
	require.NoError(t, err)
	require.NoError(t, env.engine.Start(ctx, runID, nil))

	view := env.wait(t, runID)
	assert.Equal(t, RunStatusFinished, view.Status)
	assert.Empty(t, view.StepStates)

	events, err := env.client.Events(ctx, runID)
	require.NoError(t, err)
	var rejected bool
	for _, e := range events {
		rejected = rejected || e.EventType == EventConfigRejected
	}
	assert.True(t, rejected)

	settings, err := env.engine.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, LogLevelDebug, settings.LogLevel)
}

func TestEngine_ListAndStats(t *testing.T) {
	wf := mustBuild(t, NewBuilder("many").Step(outputStep("a", nil)))
	other := mustBuild(t, NewBuilder("other").Step(outputStep("a", nil)))
	env := newTestEnv(t, []*Workflow{wf, other})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, _ := env.run(t, "many", nil)
		ids = append(ids, id)
	}
	_, err := env.client.Create(ctx, "other")
	require.NoError(t, err)

	page, err := env.client.List(ctx, RunFilter{FnName: "many"}, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Runs, 2)
	assert.False(t, page.IsDone)
	assert.Equal(t, ids[0], page.Runs[0].ID)
	assert.Equal(t, ids[1], page.Runs[1].ID)

	page, err = env.client.List(ctx, RunFilter{FnName: "many"}, page.Cursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Runs, 1)
	assert.True(t, page.IsDone)
	assert.Equal(t, ids[2], page.Runs[0].ID)

	page, err = env.client.List(ctx, RunFilter{Status: RunStatusCreated}, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Runs, 1)
	assert.Equal(t, "other", page.Runs[0].FnName)

	stats, err := env.client.Stats(ctx)
	require.NoError(t, err)
	counts := make(map[RunStatus]int)
	for _, s := range stats {
		counts[s.Status] = s.Count
	}
	assert.Equal(t, 3, counts[RunStatusFinished])
	assert.Equal(t, 1, counts[RunStatusCreated])
}

func TestEngine_UpdateSettingsConfiguresQueue(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.engine.UpdateSettings(ctx, Settings{MaxParallelism: 4, LogLevel: LogLevelInfo}))

	settings, err := env.engine.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, settings.MaxParallelism)
	assert.Equal(t, LogLevelInfo, settings.LogLevel)
	assert.Equal(t, LogLevelWarn, settings.WorkpoolLogLevel)

	env.pool.mu.Lock()
	assert.Equal(t, 4, env.pool.parallelism)
	env.pool.mu.Unlock()
}

func TestEngine_ConcurrentRuns(t *testing.T) {
	wf := mustBuild(t, NewBuilder("fanout").
		Step(outputStep("a", nil)).
		Step(outputStep("b", nil)).
		Step(outputStep("c", nil)).
		Step(outputStep("d", nil)).
		After("a", "b", "c", "d").
		Step(outputStep("end", nil)))
	env := newTestEnv(t, []*Workflow{wf})

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := env.client.CreateAndStart(context.Background(), "fanout", map[string]any{"i": i})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		view := env.wait(t, id)
		assert.Equal(t, RunStatusFinished, view.Status)
		assert.Equal(t, StepStatusSuccess, stepStatus(t, view, "end").Status)

		history, err := env.client.History(context.Background(), id)
		require.NoError(t, err)
		assert.Len(t, history, 5)
	}
}

// fakeQueue records enqueued work; tests deliver completions by hand.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []fakeJob
	seq  int
}

type fakeJob struct {
	id   WorkID
	args ActionArgs
	opts EnqueueOptions
}

func (q *fakeQueue) EnqueueAction(ctx context.Context, fnHandle string, args ActionArgs, opts EnqueueOptions) (WorkID, error) {
	q.mu.Lock()
	q.seq++
	id := WorkID(fmt.Sprintf("w-%d", q.seq))
	q.mu.Unlock()

	AfterCommit(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.jobs = append(q.jobs, fakeJob{id: id, args: args, opts: opts})
	})

	return id, nil
}

func (q *fakeQueue) take() []fakeJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	q.jobs = nil

	return jobs
}

func complete(t *testing.T, engine *Engine, job fakeJob, result RunResult) error {
	t.Helper()

	return engine.HandleCompletion(context.Background(), job.opts.OnComplete, job.id, result, job.opts.Context)
}

func stepResult(t *testing.T, status StepStatus) RunResult {
	t.Helper()

	data, err := json.Marshal(status)
	require.NoError(t, err)

	return RunResult{Kind: ResultSuccess, ReturnValue: data}
}

func startedFakeRun(t *testing.T, wf *Workflow) (*Engine, *fakeQueue, string, []fakeJob) {
	t.Helper()

	queue := &fakeQueue{}
	engine := NewEngine(queue, WithEngineLogger(zaptest.NewLogger(t)))
	ctx := context.Background()

	runID, err := engine.Create(ctx, wf.Name, wf.Name, "")
	require.NoError(t, err)
	require.NoError(t, engine.Start(ctx, runID, map[string]any{"k": "v"}))

	jobs := queue.take()
	require.Len(t, jobs, 1)
	assert.Equal(t, OpGetConfig, jobs[0].args.Op.Kind)
	assert.Equal(t, CompletionStartRun, jobs[0].opts.OnComplete)

	cfg, err := json.Marshal(wf.Config())
	require.NoError(t, err)
	require.NoError(t, complete(t, engine, jobs[0], RunResult{Kind: ResultSuccess, ReturnValue: cfg}))

	return engine, queue, runID, queue.take()
}

func TestEngine_StartRunEnqueuesInitialTargets(t *testing.T) {
	wf := mustBuild(t, NewBuilder("fake").
		Step(outputStep("a", nil)).Then(outputStep("a2", nil)).
		Step(outputStep("b", nil)))

	engine, _, runID, jobs := startedFakeRun(t, wf)

	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].args.Op.Target.ID)
	assert.Equal(t, "b", jobs[1].args.Op.Target.ID)
	assert.Equal(t, map[string]any{"k": "v"}, jobs[0].args.Op.TriggerData)
	assert.Equal(t, CompletionStepOnComplete, jobs[0].opts.OnComplete)

	run, err := engine.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusStarted, run.Status)
	assert.Len(t, run.ActiveBranches, 2)

	// a replayed config completion is discarded
	cfg, _ := json.Marshal(wf.Config())
	err = engine.StartRun(context.Background(), "w-x", RunResult{Kind: ResultSuccess, ReturnValue: cfg}, runID, nil)
	require.NoError(t, err)
	run, err = engine.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Len(t, run.ActiveBranches, 2)
}

func TestEngine_StepCompletionRecordsOrderAtStart(t *testing.T) {
	wf := mustBuild(t, NewBuilder("orders").
		Step(outputStep("a", nil)).Then(outputStep("a2", nil)).
		Step(outputStep("b", nil)))

	engine, queue, runID, jobs := startedFakeRun(t, wf)
	ctx := context.Background()

	require.NoError(t, complete(t, engine, jobs[1], stepResult(t, Success("b-out"))))
	require.NoError(t, complete(t, engine, jobs[0], stepResult(t, Success("a-out"))))

	next := queue.take()
	require.Len(t, next, 1)
	assert.Equal(t, "a2", next[0].args.Op.Target.ID)
	assert.Equal(t, StepStatusSuccess, next[0].args.Op.Steps["b"].Status)

	require.NoError(t, complete(t, engine, next[0], stepResult(t, Success(nil))))

	history, err := engine.GetStepHistory(ctx, runID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "b", history[0].StepID)
	assert.Equal(t, int64(0), history[0].OrderAtStart)
	assert.Equal(t, "a", history[1].StepID)
	assert.Equal(t, int64(0), history[1].OrderAtStart)
	assert.Equal(t, "a2", history[2].StepID)
	assert.Equal(t, int64(2), history[2].OrderAtStart)

	run, err := engine.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFinished, run.Status)
}

func TestEngine_StepCompletionNormalizesResults(t *testing.T) {
	wf := mustBuild(t, NewBuilder("results").
		Step(outputStep("a", nil)).
		Step(outputStep("b", nil)).
		Step(outputStep("c", nil)))

	engine, _, runID, jobs := startedFakeRun(t, wf)
	require.Len(t, jobs, 3)

	require.NoError(t, complete(t, engine, jobs[0], RunResult{Kind: ResultCanceled}))
	require.NoError(t, complete(t, engine, jobs[1], stepResult(t, Waiting())))
	require.NoError(t, complete(t, engine, jobs[2], RunResult{Kind: ResultFailed, Error: "worker lost"}))

	view, err := engine.Status(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFinished, view.Status)
	assert.Equal(t, Failed("canceled"), stepStatus(t, view, "a"))
	assert.Equal(t, StepStatusFailed, stepStatus(t, view, "b").Status)
	assert.Equal(t, Failed("worker lost"), stepStatus(t, view, "c"))
}

func TestEngine_LateCompletionIsDiscarded(t *testing.T) {
	wf := mustBuild(t, NewBuilder("late").Step(outputStep("a", nil)))

	engine, _, runID, jobs := startedFakeRun(t, wf)
	ctx := context.Background()

	require.NoError(t, complete(t, engine, jobs[0], stepResult(t, Success(nil))))
	require.NoError(t, complete(t, engine, jobs[0], stepResult(t, Success("again"))))

	history, err := engine.GetStepHistory(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	events, err := engine.GetRunEvents(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, EventCompletionDiscarded, events[len(events)-1].EventType)
}

func TestEngine_StartStepsRejectsDuplicates(t *testing.T) {
	wf := mustBuild(t, NewBuilder("dupes").Step(outputStep("a", nil)))

	engine, _, runID, jobs := startedFakeRun(t, wf)
	ctx := context.Background()
	target := *jobs[0].args.Op.Target

	err := engine.withRun(ctx, runID, func(ctx context.Context) error {
		run, err := engine.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		cfg, err := engine.store.GetWorkflowConfig(ctx, run.WorkflowConfigID)
		if err != nil {
			return err
		}

		return engine.startSteps(ctx, run, cfg, []Target{target}, nil)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)

	var integrity *IntegrityError
	require.True(t, errors.As(err, &integrity))
	assert.Equal(t, runID, integrity.RunID)
}

func TestEngine_StartStepsRejectsSuspendedStep(t *testing.T) {
	wf := mustBuild(t, NewBuilder("suspended").Step(outputStep("a", nil)))

	engine, _, runID, jobs := startedFakeRun(t, wf)
	ctx := context.Background()
	target := *jobs[0].args.Op.Target

	require.NoError(t, complete(t, engine, jobs[0], stepResult(t, Suspended(map[string]any{"q": 1}))))

	err := engine.withRun(ctx, runID, func(ctx context.Context) error {
		run, err := engine.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		cfg, err := engine.store.GetWorkflowConfig(ctx, run.WorkflowConfigID)
		if err != nil {
			return err
		}

		return engine.startSteps(ctx, run, cfg, []Target{target}, nil)
	})
	assert.ErrorIs(t, err, ErrIntegrity)

	run, err := engine.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, run.ActiveBranches)
	assert.Len(t, run.SuspendedBranches, 1)
}

func TestEngine_InvalidConfigFinishesRun(t *testing.T) {
	wf := mustBuild(t, NewBuilder("invalid").Step(outputStep("a", nil)))

	queue := &fakeQueue{}
	engine := NewEngine(queue)
	ctx := context.Background()

	runID, err := engine.Create(ctx, wf.Name, wf.Name, "")
	require.NoError(t, err)
	require.NoError(t, engine.Start(ctx, runID, nil))
	jobs := queue.take()
	require.Len(t, jobs, 1)

	require.NoError(t, complete(t, engine, jobs[0], RunResult{Kind: ResultSuccess, ReturnValue: json.RawMessage(`{"name":"x"}`)}))

	run, err := engine.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFinished, run.Status)
	assert.Empty(t, queue.take())
}

func TestEngine_UnknownCompletion(t *testing.T) {
	engine := NewEngine(&fakeQueue{})

	err := engine.HandleCompletion(context.Background(), "nope", "w", RunResult{}, nil)
	assert.Error(t, err)
}
