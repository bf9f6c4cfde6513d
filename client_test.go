package loom

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Workflows(t *testing.T) {
	wf := mustBuild(t, NewBuilder("greeting").Step(noopStep("hello")).Then(noopStep("bye")))
	env := newTestEnv(t, []*Workflow{wf})

	assert.Equal(t, []string{"greeting"}, env.client.Workflows())

	cfg, err := env.client.WorkflowConfig("greeting")
	require.NoError(t, err)
	assert.Equal(t, NamedBranches{"hello": {"hello", "bye"}}, cfg.DefaultBranches)

	_, err = env.client.WorkflowConfig("nope")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestClient_LogLevelIsRecorded(t *testing.T) {
	wf := mustBuild(t, NewBuilder("levels").Step(noopStep("a")))
	env := newTestEnv(t, []*Workflow{wf})
	client := NewClient(env.engine, env.registry, WithClientLogLevel(LogLevelError))

	_, err := client.Create(context.Background(), "levels")
	require.NoError(t, err)

	settings, err := env.engine.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LogLevelError, settings.LogLevel)
}

func TestClient_WaitForCompletionHonoursContext(t *testing.T) {
	wf := mustBuild(t, NewBuilder("slow").Step(NewStep("sleep", func(ctx context.Context, params *ExecuteParams) (any, error) {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}

		return nil, nil
	})))
	env := newTestEnv(t, []*Workflow{wf})

	runID, err := env.client.CreateAndStart(context.Background(), "slow", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	view, err := env.client.WaitForCompletion(ctx, runID, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, view)
	assert.NotEqual(t, RunStatusFinished, view.Status)

	_, err = env.client.WaitForCompletion(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, ErrEntityNotFound)
}
