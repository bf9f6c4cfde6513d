package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const conditionFailedMessage = "Condition check failed"

var _ ActionRunner = (*Registry)(nil)

// Registry holds the in-process workflow definitions and executes the units
// of work the queue hands it: config fetches and step invocations.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	memory    VectorStore
	logger    *zap.Logger
}

type RegistryOption func(registry *Registry)

func WithRegistryMemory(memory VectorStore) RegistryOption {
	return func(registry *Registry) {
		registry.memory = memory
	}
}

func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(registry *Registry) {
		registry.logger = logger
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	registry := &Registry{workflows: make(map[string]*Workflow)}
	for _, opt := range opts {
		opt(registry)
	}
	registry.logger = orNop(registry.logger).With(zap.String("component", "registry"))

	return registry
}

// Register makes a workflow runnable and returns its function handle.
func (r *Registry) Register(wf *Workflow) (string, error) {
	if wf == nil || wf.Name == "" {
		return "", fmt.Errorf("register: workflow must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[wf.Name]; exists {
		return "", fmt.Errorf("register: workflow %q already registered", wf.Name)
	}
	r.workflows[wf.Name] = wf

	return wf.Name, nil
}

func (r *Registry) Workflow(fnHandle string) (*Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[fnHandle]

	return wf, ok
}

func (r *Registry) Workflows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sortedKeys(r.workflows)
}

func (r *Registry) RunAction(ctx context.Context, fnHandle string, args ActionArgs) (json.RawMessage, error) {
	wf, ok := r.Workflow(fnHandle)
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %s", ErrWorkflowNotFound, fnHandle))
	}

	logger := scopedLogger(r.logger, args.LogLevel).With(zap.String(KeyFnName, fnHandle))

	switch args.Op.Kind {
	case OpGetConfig:
		data, err := json.Marshal(wf.Config())
		if err != nil {
			return nil, fmt.Errorf("marshal config: %w", err)
		}

		return data, nil
	case OpRun:
		status, err := r.runStep(ctx, wf, args.Op, logger)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(status)
		if err != nil {
			return nil, fmt.Errorf("marshal step status: %w", err)
		}

		return data, nil
	default:
		return nil, Permanent(fmt.Errorf("unknown op %q", args.Op.Kind))
	}
}

func (r *Registry) runStep(ctx context.Context, wf *Workflow, op ActionOp, logger *zap.Logger) (StepStatus, error) {
	if op.Target == nil {
		return StepStatus{}, Permanent(fmt.Errorf("run op without target"))
	}
	target := *op.Target
	logger = logger.With(zap.String(KeyRunID, op.RunID), zap.String(KeyTarget, target.Key()))

	n, err := wf.lookupNode(op.RunID, target)
	if err != nil {
		return StepStatus{}, Permanent(err)
	}

	if err := wf.validateTrigger(op.TriggerData); err != nil {
		logger.Warn("trigger data rejected", zap.Error(err))

		return Failed(err.Error()), nil
	}

	if n.when != nil {
		cctx := ConditionContext{TriggerData: op.TriggerData, Steps: op.Steps}
		if !EvaluateCondition(n.when, cctx, logger) {
			logger.Debug("condition not met")
			if n.skipWhenUnmet {
				return Skipped(), nil
			}

			return Failed(conditionFailedMessage), nil
		}
	}

	return evaluateStep(ctx, &stepInvocation{
		runID:       op.RunID,
		step:        n.step,
		variables:   n.variables,
		triggerData: op.TriggerData,
		steps:       op.Steps,
		resumeData:  op.ResumeData,
		memory:      r.memory,
		logger:      logger,
	})
}
