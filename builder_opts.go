package loom

import (
	"github.com/google/jsonschema-go/jsonschema"
)

type BuilderOption func(builder *Builder)

// WithTriggerSchema validates trigger data before any step of a run executes.
func WithTriggerSchema(schema *jsonschema.Schema) BuilderOption {
	return func(builder *Builder) {
		builder.triggerSchema = schema
	}
}

// WithBuilderRetry sets the retry behaviour of steps that declare none.
func WithBuilderRetry(retry RetryBehavior) BuilderOption {
	return func(builder *Builder) {
		builder.defaultRetry = &retry
	}
}

// NodeOption configures one position of a step in the graph.
type NodeOption func(n *node)

func WithVariables(variables map[string]VariableRef) NodeOption {
	return func(n *node) {
		n.variables = variables
	}
}

func WithWhen(cond Condition) NodeOption {
	return func(n *node) {
		n.when = cond
	}
}

// WithSkipWhenUnmet records an unmet condition as skipped instead of failed.
func WithSkipWhenUnmet() NodeOption {
	return func(n *node) {
		n.skipWhenUnmet = true
	}
}
