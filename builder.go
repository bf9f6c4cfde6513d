package loom

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/google/jsonschema-go/jsonschema"
)

// Builder assembles a workflow out of branches. Step opens a new branch named
// after its first step, Then extends the current branch and After makes the
// following branches wait for the listed steps to succeed.
type Builder struct {
	name               string
	steps              map[string]*Step
	defaultBranches    NamedBranches
	subscriberBranches map[string]NamedBranches
	nodes              map[string]*node
	triggerSchema      *jsonschema.Schema
	defaultRetry       *RetryBehavior

	event   string
	current *Target
	err     error
}

type node struct {
	step          *Step
	when          Condition
	variables     map[string]VariableRef
	skipWhenUnmet bool
}

func NewBuilder(name string, opts ...BuilderOption) *Builder {
	builder := &Builder{
		name:               name,
		steps:              make(map[string]*Step),
		defaultBranches:    make(NamedBranches),
		subscriberBranches: make(map[string]NamedBranches),
		nodes:              make(map[string]*node),
	}
	for _, opt := range opts {
		opt(builder)
	}

	return builder
}

func (builder *Builder) Step(step *Step, opts ...NodeOption) *Builder {
	if builder.err != nil {
		return builder
	}
	if err := builder.addStep(step); err != nil {
		builder.err = err

		return builder
	}

	kind := TargetKindDefault
	branches := builder.defaultBranches
	if builder.event != "" {
		kind = TargetKindSubscriber
		branches = builder.subscriberBranches[builder.event]
	}

	name := uniqueBranchName(branches, step.ID)
	branches[name] = []string{step.ID}
	target := Target{Kind: kind, Branch: name, Index: 0, ID: step.ID, Event: builder.event}
	builder.current = &target
	builder.nodes[target.Key()] = newNode(step, opts)

	return builder
}

func (builder *Builder) Then(step *Step, opts ...NodeOption) *Builder {
	if builder.err != nil {
		return builder
	}
	if builder.current == nil {
		if builder.event != "" {
			builder.err = fmt.Errorf("builder %q: Then(%q) after After() needs a Step first", builder.name, step.ID)

			return builder
		}

		return builder.Step(step, opts...)
	}
	if err := builder.addStep(step); err != nil {
		builder.err = err

		return builder
	}

	branches := builder.defaultBranches
	if builder.current.Kind == TargetKindSubscriber {
		branches = builder.subscriberBranches[builder.current.Event]
	}
	ids := append(branches[builder.current.Branch], step.ID)
	branches[builder.current.Branch] = ids

	target := *builder.current
	target.Index = len(ids) - 1
	target.ID = step.ID
	builder.current = &target
	builder.nodes[target.Key()] = newNode(step, opts)

	return builder
}

// After starts a join: branches opened next run once every listed step has
// succeeded.
func (builder *Builder) After(stepIDs ...string) *Builder {
	if builder.err != nil {
		return builder
	}
	if len(stepIDs) == 0 {
		builder.err = fmt.Errorf("builder %q: After requires at least one step", builder.name)

		return builder
	}

	builder.event = JoinEvent(stepIDs...)
	if _, ok := builder.subscriberBranches[builder.event]; !ok {
		builder.subscriberBranches[builder.event] = make(NamedBranches)
	}
	builder.current = nil

	return builder
}

func (builder *Builder) Build() (*Workflow, error) {
	if builder.err != nil {
		return nil, builder.err
	}
	if builder.name == "" {
		return nil, errors.New("workflow name is required")
	}
	if len(builder.defaultBranches) == 0 {
		return nil, fmt.Errorf("builder %q: at least one step is required", builder.name)
	}

	for _, step := range builder.steps {
		if step.Retry == nil && builder.defaultRetry != nil {
			retry := *builder.defaultRetry
			step.Retry = &retry
		}
		if err := step.prepare(); err != nil {
			return nil, fmt.Errorf("builder %q: %w", builder.name, err)
		}
	}

	wf := &Workflow{
		Name:               builder.name,
		steps:              builder.steps,
		defaultBranches:    builder.defaultBranches,
		subscriberBranches: builder.subscriberBranches,
		nodes:              builder.nodes,
	}
	if builder.triggerSchema != nil {
		resolved, err := builder.triggerSchema.Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("builder %q: resolve trigger schema: %w", builder.name, err)
		}
		wf.triggerSchema = resolved
	}

	if err := builder.validate(wf); err != nil {
		return nil, err
	}

	return wf, nil
}

func (builder *Builder) addStep(step *Step) error {
	if step == nil || step.ID == "" {
		return fmt.Errorf("builder %q: step must have an id", builder.name)
	}
	if step.ID == triggerSource {
		return fmt.Errorf("builder %q: %q is a reserved step id", builder.name, triggerSource)
	}
	if existing, ok := builder.steps[step.ID]; ok && existing != step {
		return fmt.Errorf("builder %q: duplicate step id %q", builder.name, step.ID)
	}
	builder.steps[step.ID] = step

	return nil
}

func (builder *Builder) validate(wf *Workflow) error {
	cfg := wf.Config()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("builder %q: %w", builder.name, err)
	}

	for event := range wf.subscriberBranches {
		for _, dep := range SplitEvent(event) {
			if _, ok := wf.steps[dep]; !ok {
				return fmt.Errorf("builder %q: event %q references unknown step %q", builder.name, event, dep)
			}
		}
	}

	edges := stepEdges(cfg)
	visited := make(map[string]bool)
	for _, id := range sortedKeys(wf.steps) {
		if visited[id] {
			continue
		}
		if err := builder.detectCycles(id, edges, visited, make(map[string]bool)); err != nil {
			return fmt.Errorf("builder %q: %w", builder.name, err)
		}
	}

	return nil
}

func (builder *Builder) detectCycles(
	current string,
	edges map[string][]string,
	visited, recStack map[string]bool,
) error {
	visited[current] = true
	recStack[current] = true

	for _, next := range edges[current] {
		if !visited[next] {
			if err := builder.detectCycles(next, edges, visited, recStack); err != nil {
				return err
			}
		} else if recStack[next] {
			return fmt.Errorf("cycle detected: %s -> %s", current, next)
		}
	}

	recStack[current] = false

	return nil
}

// stepEdges links each step to whatever it can start: its successor in a
// branch and the heads of the subscriber branches it participates in.
func stepEdges(cfg *WorkflowConfig) map[string][]string {
	edges := make(map[string][]string)
	link := func(branches NamedBranches) {
		for _, ids := range branches {
			for i := 0; i+1 < len(ids); i++ {
				edges[ids[i]] = append(edges[ids[i]], ids[i+1])
			}
		}
	}

	link(cfg.DefaultBranches)
	for event, branches := range cfg.SubscriberBranches {
		link(branches)
		for _, dep := range SplitEvent(event) {
			for _, ids := range branches {
				if len(ids) > 0 {
					edges[dep] = append(edges[dep], ids[0])
				}
			}
		}
	}

	return edges
}

func uniqueBranchName(branches NamedBranches, base string) string {
	if _, taken := branches[base]; !taken {
		return base
	}
	for i := 2; ; i++ {
		name := base + "-" + strconv.Itoa(i)
		if _, taken := branches[name]; !taken {
			return name
		}
	}
}

func newNode(step *Step, opts []NodeOption) *node {
	n := &node{step: step}
	for _, opt := range opts {
		opt(n)
	}

	return n
}
