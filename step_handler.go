package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// StepFunc is the user-supplied body of a step. Returning an error hands the
// attempt back to the queue for a retry.
type StepFunc func(ctx context.Context, params *ExecuteParams) (any, error)

type StepHandler interface {
	Execute(ctx context.Context, params *ExecuteParams) (any, error)
	Name() string
}

type ExecuteParams struct {
	RunID   string
	Context *StepContext
	// Suspend pauses the branch with payload once the handler returns. Only
	// the first call counts.
	Suspend func(payload any)
	Memory  VectorStore
	Logger  *zap.Logger
}

type funcHandler struct {
	name string
	fn   StepFunc
}

func (h *funcHandler) Execute(ctx context.Context, params *ExecuteParams) (any, error) {
	return h.fn(ctx, params)
}

func (h *funcHandler) Name() string {
	return h.name
}

type noPanicStepHandler struct {
	handler StepHandler
}

func wrapProcessPanicHandler(handler StepHandler) *noPanicStepHandler {
	return &noPanicStepHandler{handler: handler}
}

func (handler *noPanicStepHandler) Execute(ctx context.Context, params *ExecuteParams) (out any, errRes error) {
	defer func() {
		if r := recover(); r != nil {
			errRes = fmt.Errorf("panic in handler %q: %v\n%s", handler.Name(), r, debug.Stack())
		}
	}()

	return handler.handler.Execute(ctx, params)
}

func (handler *noPanicStepHandler) Name() string {
	return handler.handler.Name()
}

// JSONStep adapts a typed function: the resolved input is decoded into I.
func JSONStep[I any, O any](fn func(ctx context.Context, params *ExecuteParams, input I) (O, error)) StepFunc {
	return func(ctx context.Context, params *ExecuteParams) (any, error) {
		var input I
		data, err := json.Marshal(params.Context.InputData)
		if err != nil {
			return nil, fmt.Errorf("marshal input: %w", err)
		}
		if err := json.Unmarshal(data, &input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}

		return fn(ctx, params, input)
	}
}
