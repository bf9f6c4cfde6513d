package loom

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Step is a reusable step definition. The same step may appear at several
// positions of a workflow graph.
type Step struct {
	ID           string
	Description  string
	Retry        *RetryBehavior
	InputSchema  *jsonschema.Schema
	OutputSchema *jsonschema.Schema
	Kind         StepKind

	handler        StepHandler
	resolvedInput  *jsonschema.Resolved
	resolvedOutput *jsonschema.Resolved
}

type StepOption func(step *Step)

func NewStep(id string, fn StepFunc, opts ...StepOption) *Step {
	step := &Step{
		ID:      id,
		Kind:    StepKindAction,
		handler: &funcHandler{name: id, fn: fn},
	}
	for _, opt := range opts {
		opt(step)
	}

	return step
}

// NewStepFromHandler registers a StepHandler implementation as a step.
func NewStepFromHandler(handler StepHandler, opts ...StepOption) *Step {
	step := &Step{
		ID:      handler.Name(),
		Kind:    StepKindAction,
		handler: handler,
	}
	for _, opt := range opts {
		opt(step)
	}

	return step
}

func WithStepDescription(description string) StepOption {
	return func(step *Step) {
		step.Description = description
	}
}

func WithStepRetry(retry RetryBehavior) StepOption {
	return func(step *Step) {
		step.Retry = &retry
	}
}

func WithInputSchema(schema *jsonschema.Schema) StepOption {
	return func(step *Step) {
		step.InputSchema = schema
	}
}

func WithOutputSchema(schema *jsonschema.Schema) StepOption {
	return func(step *Step) {
		step.OutputSchema = schema
	}
}

func (s *Step) config() StepConfig {
	return StepConfig{
		ID:            s.ID,
		Description:   s.Description,
		RetryBehavior: s.Retry,
		Kind:          s.Kind,
	}
}

// prepare resolves the declared schemas once.
func (s *Step) prepare() error {
	if s.handler == nil {
		return fmt.Errorf("step %q: no handler", s.ID)
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("step %q: unknown kind %q", s.ID, s.Kind)
	}
	if s.InputSchema != nil && s.resolvedInput == nil {
		resolved, err := s.InputSchema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("step %q: resolve input schema: %w", s.ID, err)
		}
		s.resolvedInput = resolved
	}
	if s.OutputSchema != nil && s.resolvedOutput == nil {
		resolved, err := s.OutputSchema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("step %q: resolve output schema: %w", s.ID, err)
		}
		s.resolvedOutput = resolved
	}

	return nil
}
