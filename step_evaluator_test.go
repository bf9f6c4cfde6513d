package loom

import (
	"context"
	"errors"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prepared(t *testing.T, step *Step) *Step {
	t.Helper()
	require.NoError(t, step.prepare())

	return step
}

func TestResolveInput(t *testing.T) {
	inv := &stepInvocation{
		triggerData: map[string]any{"user": map[string]any{"name": "ann"}, "shared": "trigger"},
		steps: map[string]StepStatus{
			"fetch":  Success(map[string]any{"items": []any{1, 2, 3}, "shared": "fetch"}),
			"broken": Failed("boom"),
		},
		variables: map[string]VariableRef{
			"name":    FromTrigger("user.name"),
			"second":  FromStep("fetch", "items[1]"),
			"shared":  FromStep("fetch", "shared"),
			"missing": FromStep("broken", "anything"),
			"absent":  FromTrigger("nope"),
		},
		resumeData: map[string]any{"approved": true, "second": "resumed"},
	}

	input := resolveInput(inv)

	assert.Equal(t, "ann", input["name"])
	assert.Equal(t, "fetch", input["shared"])
	assert.Equal(t, "resumed", input["second"])
	assert.Equal(t, true, input["approved"])
	assert.Equal(t, map[string]any{"name": "ann"}, input["user"])
	assert.NotContains(t, input, "missing")
	assert.Contains(t, input, "absent")
	assert.Nil(t, input["absent"])
}

func TestResolveVariable(t *testing.T) {
	steps := map[string]StepStatus{
		"ok":        Success(map[string]any{"a": map[string]any{"b": 7.0}}),
		"suspended": Suspended(map[string]any{"a": 1}),
	}

	v, ok := resolveVariable(FromStep("ok", "a.b"), nil, steps)
	assert.True(t, ok)
	assert.Equal(t, 7.0, v)

	_, ok = resolveVariable(FromStep("ok", "a.c"), nil, steps)
	assert.False(t, ok)

	_, ok = resolveVariable(FromStep("suspended", "a"), nil, steps)
	assert.False(t, ok)

	_, ok = resolveVariable(FromStep("unknown", "a"), nil, steps)
	assert.False(t, ok)

	v, ok = resolveVariable(FromTrigger(""), map[string]any{"x": 1}, steps)
	assert.True(t, ok)
	assert.Equal(t, map[string]any{"x": 1}, v)
}

func TestEvaluateStep_Success(t *testing.T) {
	step := prepared(t, NewStep("echo", func(ctx context.Context, params *ExecuteParams) (any, error) {
		name, _ := params.Context.GetInputAsString("name")
		assert.Equal(t, "run-1", params.RunID)
		assert.NotNil(t, params.Logger)

		return map[string]any{"hello": name, "count": 3}, nil
	}))

	status, err := evaluateStep(context.Background(), &stepInvocation{
		runID:       "run-1",
		step:        step,
		triggerData: map[string]any{"name": "bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, Success(map[string]any{"hello": "bob", "count": 3.0}), status)
}

func TestEvaluateStep_HandlerErrorIsReturned(t *testing.T) {
	step := prepared(t, NewStep("fail", func(ctx context.Context, params *ExecuteParams) (any, error) {
		return nil, errors.New("downstream unavailable")
	}))

	_, err := evaluateStep(context.Background(), &stepInvocation{step: step})
	assert.EqualError(t, err, "downstream unavailable")
}

func TestEvaluateStep_PanicIsReturnedAsError(t *testing.T) {
	step := prepared(t, NewStep("panic", func(ctx context.Context, params *ExecuteParams) (any, error) {
		var m map[string]int
		m["x"] = 1

		return nil, nil
	}))

	_, err := evaluateStep(context.Background(), &stepInvocation{step: step})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `panic in handler "panic"`)
}

func TestEvaluateStep_Suspend(t *testing.T) {
	step := prepared(t, NewStep("ask", func(ctx context.Context, params *ExecuteParams) (any, error) {
		params.Suspend(map[string]any{"question": "ok?"})

		return "ignored", nil
	}, WithOutputSchema(&jsonschema.Schema{Type: "object"})))

	status, err := evaluateStep(context.Background(), &stepInvocation{step: step})
	require.NoError(t, err)
	assert.Equal(t, Suspended(map[string]any{"question": "ok?"}), status)
}

func TestEvaluateStep_InputSchema(t *testing.T) {
	var called bool
	step := prepared(t, NewStep("typed", func(ctx context.Context, params *ExecuteParams) (any, error) {
		called = true

		return nil, nil
	}, WithInputSchema(&jsonschema.Schema{
		Type:     "object",
		Required: []string{"amount"},
		Properties: map[string]*jsonschema.Schema{
			"amount": {Type: "number"},
		},
	})))

	status, err := evaluateStep(context.Background(), &stepInvocation{
		step:        step,
		triggerData: map[string]any{"amount": "ten"},
	})
	require.NoError(t, err)
	assert.Equal(t, StepStatusFailed, status.Status)
	assert.Contains(t, status.Error, "input validation failed")
	assert.False(t, called)

	status, err = evaluateStep(context.Background(), &stepInvocation{
		step:        step,
		triggerData: map[string]any{"amount": 10},
	})
	require.NoError(t, err)
	assert.Equal(t, StepStatusSuccess, status.Status)
	assert.True(t, called)
}

func TestEvaluateStep_OutputSchema(t *testing.T) {
	step := prepared(t, NewStep("out", func(ctx context.Context, params *ExecuteParams) (any, error) {
		return map[string]any{"total": "many"}, nil
	}, WithOutputSchema(&jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"total": {Type: "integer"},
		},
	})))

	status, err := evaluateStep(context.Background(), &stepInvocation{step: step})
	require.NoError(t, err)
	assert.Equal(t, StepStatusFailed, status.Status)
	assert.Contains(t, status.Error, "output validation failed")
}

func TestEvaluateStep_StructOutputIsNormalized(t *testing.T) {
	type result struct {
		Name  string `json:"name"`
		Score int    `json:"score"`
	}
	step := prepared(t, NewStep("struct", func(ctx context.Context, params *ExecuteParams) (any, error) {
		return result{Name: "x", Score: 9}, nil
	}))

	status, err := evaluateStep(context.Background(), &stepInvocation{step: step})
	require.NoError(t, err)
	assert.Equal(t, Success(map[string]any{"name": "x", "score": 9.0}), status)
}

func TestJSONStep(t *testing.T) {
	type order struct {
		ID     string  `json:"order_id"`
		Amount float64 `json:"amount"`
	}
	step := prepared(t, NewStep("typed", JSONStep(func(ctx context.Context, params *ExecuteParams, in order) (map[string]any, error) {
		return map[string]any{"id": in.ID, "double": in.Amount * 2}, nil
	})))

	status, err := evaluateStep(context.Background(), &stepInvocation{
		step:        step,
		triggerData: map[string]any{"order_id": "o-1", "amount": 21},
	})
	require.NoError(t, err)
	assert.Equal(t, Success(map[string]any{"id": "o-1", "double": 42.0}), status)
}

func TestStepContext(t *testing.T) {
	sctx := &StepContext{
		Steps: map[string]StepStatus{
			"a": Success("out"),
			"b": Skipped(),
		},
		TriggerData: map[string]any{"t": 1},
		InputData:   map[string]any{"s": "str", "n": 1.0},
	}

	assert.Equal(t, "out", sctx.GetStepResult("a"))
	assert.Nil(t, sctx.GetStepResult("b"))
	assert.Equal(t, map[string]any{"t": 1}, sctx.GetStepResult("trigger"))

	status, ok := sctx.StepStatus("b")
	assert.True(t, ok)
	assert.Equal(t, StepStatusSkipped, status.Status)

	s, ok := sctx.GetInputAsString("s")
	assert.True(t, ok)
	assert.Equal(t, "str", s)
	_, ok = sctx.GetInputAsString("n")
	assert.False(t, ok)
	_, ok = sctx.GetInput("zzz")
	assert.False(t, ok)
}
