package loom

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type RunStatus string

const (
	RunStatusCreated  RunStatus = "created"
	RunStatusPending  RunStatus = "pending"
	RunStatusStarted  RunStatus = "started"
	RunStatusFinished RunStatus = "finished"
)

type StepStatusKind string

const (
	StepStatusWaiting   StepStatusKind = "waiting"
	StepStatusSuspended StepStatusKind = "suspended"
	StepStatusSkipped   StepStatusKind = "skipped"
	StepStatusSuccess   StepStatusKind = "success"
	StepStatusFailed    StepStatusKind = "failed"
)

// StepStatus is the outcome of one step invocation. Only the field matching
// Status is meaningful: Output for success, SuspendPayload for suspended and
// Error for failed.
type StepStatus struct {
	Status         StepStatusKind `json:"status"`
	Output         any            `json:"output,omitempty"`
	SuspendPayload any            `json:"suspendPayload,omitempty"`
	Error          string         `json:"error,omitempty"`
}

func Waiting() StepStatus { return StepStatus{Status: StepStatusWaiting} }

func Suspended(payload any) StepStatus {
	return StepStatus{Status: StepStatusSuspended, SuspendPayload: payload}
}

func Skipped() StepStatus { return StepStatus{Status: StepStatusSkipped} }

func Success(output any) StepStatus {
	return StepStatus{Status: StepStatusSuccess, Output: output}
}

func Failed(msg string) StepStatus {
	return StepStatus{Status: StepStatusFailed, Error: msg}
}

// IsTerminal reports whether the status ends an invocation. Suspended counts:
// it blocks the branch until the step is resumed.
func (s StepStatus) IsTerminal() bool {
	return s.Status != StepStatusWaiting
}

// StepKind is a closed set of step flavours. Only actions exist today.
type StepKind string

const (
	StepKindAction StepKind = "action"
)

func (k StepKind) Valid() bool {
	switch k {
	case StepKindAction:
		return true
	default:
		return false
	}
}

type TargetKind string

const (
	TargetKindDefault    TargetKind = "default"
	TargetKindSubscriber TargetKind = "subscriber"
)

// Target identifies one occurrence of a step inside the branch graph.
type Target struct {
	Kind   TargetKind `json:"kind"`
	Branch string     `json:"branch"`
	Index  int        `json:"index"`
	ID     string     `json:"id"`
	Event  string     `json:"event,omitempty"`
}

func (t Target) Equal(other Target) bool {
	if t.Kind != other.Kind || t.Branch != other.Branch || t.Index != other.Index || t.ID != other.ID {
		return false
	}
	if t.Kind == TargetKindSubscriber {
		return t.Event == other.Event
	}

	return true
}

// Key is a stable string form of the target, usable as a map key.
func (t Target) Key() string {
	var b strings.Builder
	b.WriteString(string(t.Kind))
	b.WriteByte('/')
	if t.Kind == TargetKindSubscriber {
		b.WriteString(t.Event)
		b.WriteByte('/')
	}
	b.WriteString(t.Branch)
	b.WriteByte('[')
	b.WriteString(strconv.Itoa(t.Index))
	b.WriteString("]:")
	b.WriteString(t.ID)

	return b.String()
}

func (t Target) String() string { return t.Key() }

type ActiveBranch struct {
	Target Target `json:"target"`
	WorkID WorkID `json:"workId"`
}

// Run is one execution instance of a workflow. It is the single point of
// mutation for branch bookkeeping.
type Run struct {
	ID                string            `json:"id"`
	FnHandle          string            `json:"fnHandle"`
	FnName            string            `json:"fnName"`
	WorkflowConfigID  string            `json:"workflowConfigId,omitempty"`
	MaxOrder          int64             `json:"maxOrder"`
	StepStateIDs      map[string]string `json:"stepStateIds"`
	ActiveBranches    []ActiveBranch    `json:"activeBranches"`
	SuspendedBranches []Target          `json:"suspendedBranches"`
	Status            RunStatus         `json:"status"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

func (r *Run) activeIndex(target Target) int {
	for i, branch := range r.ActiveBranches {
		if branch.Target.Equal(target) {
			return i
		}
	}

	return -1
}

func (r *Run) removeActive(target Target) bool {
	idx := r.activeIndex(target)
	if idx < 0 {
		return false
	}
	r.ActiveBranches = append(r.ActiveBranches[:idx], r.ActiveBranches[idx+1:]...)

	return true
}

func (r *Run) addSuspended(target Target) {
	for _, t := range r.SuspendedBranches {
		if t.Equal(target) {
			return
		}
	}
	r.SuspendedBranches = append(r.SuspendedBranches, target)
}

func (r *Run) takeSuspended(stepID string) []Target {
	var taken []Target
	kept := r.SuspendedBranches[:0]
	for _, t := range r.SuspendedBranches {
		if t.ID == stepID {
			taken = append(taken, t)

			continue
		}
		kept = append(kept, t)
	}
	r.SuspendedBranches = kept

	return taken
}

func (r *Run) clone() *Run {
	cp := *r
	cp.StepStateIDs = make(map[string]string, len(r.StepStateIDs))
	for k, v := range r.StepStateIDs {
		cp.StepStateIDs[k] = v
	}
	cp.ActiveBranches = append([]ActiveBranch(nil), r.ActiveBranches...)
	cp.SuspendedBranches = append([]Target(nil), r.SuspendedBranches...)

	return &cp
}

// StepState is one immutable version of a step outcome. The run points at the
// current one through StepStateIDs; older rows remain as history.
type StepState struct {
	ID           string     `json:"id"`
	WorkflowID   string     `json:"workflowId"`
	StepID       string     `json:"stepId"`
	State        StepStatus `json:"state"`
	Order        int64      `json:"order"`
	OrderAtStart int64      `json:"orderAtStart"`
	CreatedAt    time.Time  `json:"createdAt"`
}

type RetryBehavior struct {
	MaxAttempts      int     `json:"maxAttempts" yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialBackoffMs int64   `json:"initialBackoffMs" yaml:"initial_backoff_ms" env:"INITIAL_BACKOFF_MS"`
	Base             float64 `json:"base" yaml:"base" env:"BASE"`
}

var DefaultRetryBehavior = RetryBehavior{
	MaxAttempts:      5,
	InitialBackoffMs: 250,
	Base:             2,
}

type StepConfig struct {
	ID            string         `json:"id"`
	Description   string         `json:"description,omitempty"`
	RetryBehavior *RetryBehavior `json:"retryBehavior,omitempty"`
	Kind          StepKind       `json:"kind"`
}

// NamedBranches maps a branch name to its ordered step ids.
type NamedBranches map[string][]string

// WorkflowConfig is the serializable graph of a workflow, stored once per run.
type WorkflowConfig struct {
	ID                 string                   `json:"id,omitempty"`
	Name               string                   `json:"name"`
	StepConfigs        map[string]StepConfig    `json:"stepConfigs"`
	DefaultBranches    NamedBranches            `json:"defaultBranches"`
	SubscriberBranches map[string]NamedBranches `json:"subscriberBranches"`
	TriggerData        any                      `json:"triggerData,omitempty"`
	CreatedAt          time.Time                `json:"createdAt"`
}

// Validate checks that every branch is non-empty and references known steps.
func (c *WorkflowConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("workflow config: empty name")
	}
	if len(c.DefaultBranches) == 0 {
		return fmt.Errorf("workflow config %q: no default branches", c.Name)
	}

	check := func(where, branch string, ids []string) error {
		if len(ids) == 0 {
			return fmt.Errorf("workflow config %q: %s branch %q is empty", c.Name, where, branch)
		}
		for _, id := range ids {
			cfg, ok := c.StepConfigs[id]
			if !ok {
				return fmt.Errorf("workflow config %q: step %q in %s branch %q has no config", c.Name, id, where, branch)
			}
			if !cfg.Kind.Valid() {
				return fmt.Errorf("workflow config %q: step %q has unknown kind %q", c.Name, id, cfg.Kind)
			}
		}

		return nil
	}

	for name, ids := range c.DefaultBranches {
		if err := check("default", name, ids); err != nil {
			return err
		}
	}
	for event, branches := range c.SubscriberBranches {
		for _, dep := range SplitEvent(event) {
			if dep == "" {
				return fmt.Errorf("workflow config %q: malformed event %q", c.Name, event)
			}
		}
		for name, ids := range branches {
			if err := check("subscriber "+event, name, ids); err != nil {
				return err
			}
		}
	}

	return nil
}

// branch returns the step ids of the branch a target points into.
func (c *WorkflowConfig) branch(target Target) ([]string, bool) {
	switch target.Kind {
	case TargetKindDefault:
		ids, ok := c.DefaultBranches[target.Branch]

		return ids, ok
	case TargetKindSubscriber:
		branches, ok := c.SubscriberBranches[target.Event]
		if !ok {
			return nil, false
		}
		ids, ok := branches[target.Branch]

		return ids, ok
	default:
		return nil, false
	}
}

func (c *WorkflowConfig) retryFor(stepID string) *RetryBehavior {
	if cfg, ok := c.StepConfigs[stepID]; ok {
		return cfg.RetryBehavior
	}

	return nil
}

// Settings is the engine-wide configuration persisted next to the runs.
type Settings struct {
	LogLevel         LogLevel `json:"logLevel"`
	WorkpoolLogLevel LogLevel `json:"workpoolLogLevel"`
	MaxParallelism   int      `json:"maxParallelism"`
}

const DefaultMaxParallelism = 20

func DefaultSettings() *Settings {
	return &Settings{
		LogLevel:         LogLevelWarn,
		WorkpoolLogLevel: LogLevelWarn,
		MaxParallelism:   DefaultMaxParallelism,
	}
}

// RunStatusView is what status queries return. Step detail is only present
// once the run has started.
type RunStatusView struct {
	Status            RunStatus      `json:"status"`
	StepStates        []*StepState   `json:"stepStates,omitempty"`
	ActiveBranches    []ActiveBranch `json:"activeBranches,omitempty"`
	SuspendedBranches []Target       `json:"suspendedBranches,omitempty"`
}

// Step returns the current state of a step in the view.
func (v *RunStatusView) Step(stepID string) (*StepState, bool) {
	for _, s := range v.StepStates {
		if s.StepID == stepID {
			return s, true
		}
	}

	return nil, false
}

type RunEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type RunFilter struct {
	Status RunStatus `json:"status,omitempty"`
	FnName string    `json:"fnName,omitempty"`
}

func (f RunFilter) match(run *Run) bool {
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	if f.FnName != "" && run.FnName != f.FnName {
		return false
	}

	return true
}

// RunPage is one page of a cursor listing. Cursor is passed back to fetch the
// next page; IsDone reports that no more runs follow.
type RunPage struct {
	Runs   []*Run `json:"runs"`
	Cursor string `json:"cursor"`
	IsDone bool   `json:"isDone"`
}

type RunStats struct {
	Status RunStatus `json:"status"`
	Count  int       `json:"count"`
}
