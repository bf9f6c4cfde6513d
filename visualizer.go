package loom

import (
	"fmt"
	"sort"
	"strings"
)

type Visualizer struct{}

func NewVisualizer() *Visualizer {
	return &Visualizer{}
}

// RenderGraph draws the branches of a workflow config as an indented tree.
func (v *Visualizer) RenderGraph(cfg *WorkflowConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow: %s\n", cfg.Name)
	b.WriteString("======================================\n\n")

	for _, name := range sortedKeys(cfg.DefaultBranches) {
		fmt.Fprintf(&b, "→ branch %s\n", name)
		v.renderBranch(&b, cfg, cfg.DefaultBranches[name], 1)
	}

	for _, event := range sortedKeys(cfg.SubscriberBranches) {
		fmt.Fprintf(&b, "🔗 after %s\n", strings.Join(SplitEvent(event), " && "))
		branches := cfg.SubscriberBranches[event]
		for _, name := range sortedKeys(branches) {
			fmt.Fprintf(&b, "%s→ branch %s\n", v.indent(1), name)
			v.renderBranch(&b, cfg, branches[name], 2)
		}
	}

	return b.String()
}

func (v *Visualizer) renderBranch(b *strings.Builder, cfg *WorkflowConfig, ids []string, indent int) {
	for i, id := range ids {
		step := cfg.StepConfigs[id]
		fmt.Fprintf(b, "%s%d. ⚙ %s [%s]\n", v.indent(indent), i+1, id, step.Kind)
		if step.Description != "" {
			fmt.Fprintf(b, "%s   %s\n", v.indent(indent), step.Description)
		}
		if step.RetryBehavior != nil && step.RetryBehavior.MaxAttempts > 0 {
			fmt.Fprintf(b, "%s   🔄 max attempts: %d\n", v.indent(indent), step.RetryBehavior.MaxAttempts)
		}
	}
}

// RenderMermaid draws the same graph as a mermaid flowchart. Joins appear as
// edges from every dependency into the first step of the subscriber branch.
func (v *Visualizer) RenderMermaid(cfg *WorkflowConfig) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")

	ids := sortedKeys(cfg.StepConfigs)
	for _, id := range ids {
		fmt.Fprintf(&b, "    %s[\"%s\"]\n", mermaidID(id), id)
	}

	edges := make(map[string]struct{})
	addEdge := func(from, to string) {
		edges[fmt.Sprintf("    %s --> %s\n", mermaidID(from), mermaidID(to))] = struct{}{}
	}
	chain := func(steps []string) {
		for i := 1; i < len(steps); i++ {
			addEdge(steps[i-1], steps[i])
		}
	}

	for _, steps := range cfg.DefaultBranches {
		chain(steps)
	}
	for event, branches := range cfg.SubscriberBranches {
		for _, steps := range branches {
			if len(steps) == 0 {
				continue
			}
			for _, dep := range SplitEvent(event) {
				addEdge(dep, steps[0])
			}
			chain(steps)
		}
	}

	lines := make([]string, 0, len(edges))
	for line := range edges {
		lines = append(lines, line)
	}
	sort.Strings(lines)
	for _, line := range lines {
		b.WriteString(line)
	}

	return b.String()
}

// RenderRunStatus groups the current step states of a run by status.
func (v *Visualizer) RenderRunStatus(runID string, view *RunStatusView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s\n", runID)
	fmt.Fprintf(&b, "Status: %s\n", view.Status)
	b.WriteString("======================================\n\n")

	groups := make(map[StepStatusKind][]*StepState)
	for _, state := range view.StepStates {
		groups[state.State.Status] = append(groups[state.State.Status], state)
	}

	order := []StepStatusKind{
		StepStatusSuccess,
		StepStatusSuspended,
		StepStatusFailed,
		StepStatusSkipped,
		StepStatusWaiting,
	}
	for _, status := range order {
		states, ok := groups[status]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s %s (%d steps):\n", v.statusSymbol(status), status, len(states))
		for _, state := range states {
			fmt.Fprintf(&b, "  ⚙ %s", state.StepID)
			if state.State.Error != "" {
				fmt.Fprintf(&b, " (%s)", state.State.Error)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(view.ActiveBranches) > 0 {
		b.WriteString("🔄 active:\n")
		for _, branch := range view.ActiveBranches {
			fmt.Fprintf(&b, "  %s\n", branch.Target.Key())
		}
	}

	return b.String()
}

func (v *Visualizer) statusSymbol(status StepStatusKind) string {
	switch status {
	case StepStatusSuccess:
		return "✅"
	case StepStatusSuspended:
		return "⏳"
	case StepStatusFailed:
		return "❌"
	case StepStatusSkipped:
		return "⏭"
	case StepStatusWaiting:
		return "⏸"
	default:
		return "❓"
	}
}

func (v *Visualizer) indent(level int) string {
	return strings.Repeat("  ", level)
}

func mermaidID(id string) string {
	return "s_" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
