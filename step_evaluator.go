package loom

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/zap"
)

// VariableRef maps an input variable to a value of the trigger data or of an
// upstream step output.
type VariableRef struct {
	Step string `json:"step"`
	Path string `json:"path"`
}

func FromTrigger(path string) VariableRef {
	return VariableRef{Step: triggerSource, Path: path}
}

func FromStep(stepID, path string) VariableRef {
	return VariableRef{Step: stepID, Path: path}
}

type stepInvocation struct {
	runID       string
	step        *Step
	variables   map[string]VariableRef
	triggerData any
	steps       map[string]StepStatus
	resumeData  map[string]any
	memory      VectorStore
	logger      *zap.Logger
}

// evaluateStep runs one attempt of a step. Validation problems are reported
// as a failed status; handler errors and panics are returned so the queue
// can retry them.
func evaluateStep(ctx context.Context, inv *stepInvocation) (StepStatus, error) {
	logger := orNop(inv.logger).With(zap.String(KeyStepID, inv.step.ID))

	input := resolveInput(inv)
	if inv.step.resolvedInput != nil {
		if err := validateAgainst(inv.step.resolvedInput, input); err != nil {
			logger.Warn("step input rejected", zap.Error(err))

			return Failed(fmt.Sprintf("input validation failed: %v", err)), nil
		}
	}

	var (
		mu             sync.Mutex
		suspended      bool
		suspendPayload any
	)
	params := &ExecuteParams{
		RunID: inv.runID,
		Context: &StepContext{
			Steps:       inv.steps,
			TriggerData: inv.triggerData,
			InputData:   input,
		},
		Suspend: func(payload any) {
			mu.Lock()
			defer mu.Unlock()
			if suspended {
				return
			}
			suspended = true
			suspendPayload = payload
		},
		Memory: inv.memory,
		Logger: logger,
	}

	output, err := wrapProcessPanicHandler(inv.step.handler).Execute(ctx, params)
	if err != nil {
		return StepStatus{}, err
	}

	mu.Lock()
	defer mu.Unlock()
	if suspended {
		logger.Debug("step suspended")

		return Suspended(normalize(suspendPayload)), nil
	}

	output = normalize(output)
	if inv.step.resolvedOutput != nil {
		if err := validateAgainst(inv.step.resolvedOutput, output); err != nil {
			logger.Warn("step output rejected", zap.Error(err))

			return Failed(fmt.Sprintf("output validation failed: %v", err)), nil
		}
	}

	return Success(output), nil
}

// resolveInput merges trigger data, mapped variables and resume data, later
// sources overriding earlier ones.
func resolveInput(inv *stepInvocation) map[string]any {
	input := make(map[string]any)
	if trigger, ok := normalize(inv.triggerData).(map[string]any); ok {
		for k, v := range trigger {
			input[k] = v
		}
	}

	for _, name := range sortedKeys(inv.variables) {
		if value, ok := resolveVariable(inv.variables[name], inv.triggerData, inv.steps); ok {
			input[name] = normalize(value)
		}
	}

	for k, v := range inv.resumeData {
		input[k] = normalize(v)
	}

	return input
}

// resolveVariable never fails: a step without a successful result yields
// nothing, while the trigger is always defined.
func resolveVariable(ref VariableRef, triggerData any, steps map[string]StepStatus) (any, bool) {
	var source any
	if ref.Step == triggerSource {
		source = triggerData
	} else {
		state, ok := steps[ref.Step]
		if !ok || state.Status != StepStatusSuccess {
			return nil, false
		}
		source = state.Output
	}

	value, ok := ResolvePath(source, ref.Path)
	if !ok && ref.Step == triggerSource {
		return nil, true
	}

	return value, ok
}

func validateAgainst(schema *jsonschema.Resolved, instance any) error {
	return schema.Validate(normalize(instance))
}
