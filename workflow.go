package loom

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Workflow is a built, immutable workflow definition.
type Workflow struct {
	Name               string
	steps              map[string]*Step
	defaultBranches    NamedBranches
	subscriberBranches map[string]NamedBranches
	nodes              map[string]*node
	triggerSchema      *jsonschema.Resolved
}

// Config encodes the workflow into its wire format.
func (w *Workflow) Config() *WorkflowConfig {
	cfg := &WorkflowConfig{
		Name:               w.Name,
		StepConfigs:        make(map[string]StepConfig, len(w.steps)),
		DefaultBranches:    copyBranches(w.defaultBranches),
		SubscriberBranches: make(map[string]NamedBranches, len(w.subscriberBranches)),
	}
	for id, step := range w.steps {
		cfg.StepConfigs[id] = step.config()
	}
	for event, branches := range w.subscriberBranches {
		if len(branches) == 0 {
			continue
		}
		cfg.SubscriberBranches[event] = copyBranches(branches)
	}

	return cfg
}

func (w *Workflow) Steps() []string {
	return sortedKeys(w.steps)
}

// lookupNode re-derives the step at a target from the live definition and
// fails when the target no longer matches it.
func (w *Workflow) lookupNode(runID string, target Target) (*node, error) {
	var branches NamedBranches
	switch target.Kind {
	case TargetKindDefault:
		branches = w.defaultBranches
	case TargetKindSubscriber:
		branches = w.subscriberBranches[target.Event]
	default:
		return nil, integrityErr(runID, &target, "unknown target kind %q", target.Kind)
	}

	ids, ok := branches[target.Branch]
	if !ok {
		return nil, integrityErr(runID, &target, "branch not found in workflow %q", w.Name)
	}
	if target.Index < 0 || target.Index >= len(ids) || ids[target.Index] != target.ID {
		return nil, integrityErr(runID, &target, "stale target for workflow %q", w.Name)
	}

	n, ok := w.nodes[target.Key()]
	if !ok {
		return nil, integrityErr(runID, &target, "step config not found")
	}

	return n, nil
}

func (w *Workflow) validateTrigger(triggerData any) error {
	if w.triggerSchema == nil {
		return nil
	}
	if err := validateAgainst(w.triggerSchema, triggerData); err != nil {
		return fmt.Errorf("trigger data validation failed: %w", err)
	}

	return nil
}

func copyBranches(src NamedBranches) NamedBranches {
	dst := make(NamedBranches, len(src))
	for name, ids := range src {
		dst[name] = append([]string(nil), ids...)
	}

	return dst
}
