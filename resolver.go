package loom

import (
	"sort"
	"strings"
)

const eventSeparator = "&&"

// SplitEvent returns the step ids a subscriber event waits for.
func SplitEvent(event string) []string {
	parts := strings.Split(event, eventSeparator)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	return parts
}

// JoinEvent builds the event key for a join over the given steps.
func JoinEvent(stepIDs ...string) string {
	return strings.Join(stepIDs, eventSeparator)
}

// InitialTargets returns the first step of every default branch, ordered by
// branch name.
func InitialTargets(cfg *WorkflowConfig) []Target {
	names := sortedKeys(cfg.DefaultBranches)
	targets := make([]Target, 0, len(names))
	for _, name := range names {
		ids := cfg.DefaultBranches[name]
		if len(ids) == 0 {
			continue
		}
		targets = append(targets, Target{
			Kind:   TargetKindDefault,
			Branch: name,
			Index:  0,
			ID:     ids[0],
		})
	}

	return targets
}

// FindNextTargets computes what becomes eligible once target has succeeded:
// the next position of the same branch and the first step of every subscriber
// branch whose dependencies have now all succeeded. states holds the current
// state of each step keyed by step id.
func FindNextTargets(runID string, target Target, cfg *WorkflowConfig, states map[string]StepStatus) ([]Target, error) {
	ids, ok := cfg.branch(target)
	if !ok {
		return nil, integrityErr(runID, &target, "branch is not part of workflow %q", cfg.Name)
	}
	if target.Index < 0 || target.Index >= len(ids) || ids[target.Index] != target.ID {
		return nil, integrityErr(runID, &target, "target does not match branch definition")
	}

	var next []Target
	if target.Index < len(ids)-1 {
		candidate := Target{
			Kind:   target.Kind,
			Branch: target.Branch,
			Index:  target.Index + 1,
			ID:     ids[target.Index+1],
			Event:  target.Event,
		}
		if state, exists := states[candidate.ID]; !exists || state.Status != StepStatusSuspended {
			next = append(next, candidate)
		}
	}

	for _, event := range sortedKeys(cfg.SubscriberBranches) {
		deps := SplitEvent(event)
		if !containsString(deps, target.ID) || !allSucceeded(deps, states) {
			continue
		}
		branches := cfg.SubscriberBranches[event]
		for _, name := range sortedKeys(branches) {
			branchIDs := branches[name]
			if len(branchIDs) == 0 {
				continue
			}
			next = append(next, Target{
				Kind:   TargetKindSubscriber,
				Branch: name,
				Index:  0,
				ID:     branchIDs[0],
				Event:  event,
			})
		}
	}

	return next, nil
}

func allSucceeded(deps []string, states map[string]StepStatus) bool {
	for _, dep := range deps {
		state, ok := states[dep]
		if !ok || state.Status != StepStatusSuccess {
			return false
		}
	}

	return true
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}

	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}
