package loom

import (
	"context"
	"encoding/json"
)

type WorkID string

type ResultKind string

const (
	ResultSuccess  ResultKind = "success"
	ResultFailed   ResultKind = "failed"
	ResultCanceled ResultKind = "canceled"
)

// RunResult is what a completion callback receives for one unit of work.
type RunResult struct {
	Kind        ResultKind      `json:"kind"`
	ReturnValue json.RawMessage `json:"returnValue,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type OpKind string

const (
	OpGetConfig OpKind = "getConfig"
	OpRun       OpKind = "run"
)

// ActionOp is the payload of one enqueued action: either a config fetch or
// one step invocation.
type ActionOp struct {
	Kind        OpKind                `json:"type"`
	RunID       string                `json:"runId,omitempty"`
	Target      *Target               `json:"target,omitempty"`
	TriggerData any                   `json:"triggerData,omitempty"`
	ResumeData  map[string]any        `json:"resumeData,omitempty"`
	Steps       map[string]StepStatus `json:"steps,omitempty"`
}

type ActionArgs struct {
	LogLevel LogLevel `json:"logLevel"`
	Op       ActionOp `json:"op"`
}

// Completion callbacks are referenced by name so the queue can persist them.
const (
	CompletionStartRun       = "startRun"
	CompletionStepOnComplete = "stepOnComplete"
)

type EnqueueOptions struct {
	Retry      *RetryBehavior
	OnComplete string
	Context    json.RawMessage
}

// Queue schedules units of work for at-least-once execution and reports each
// one exactly once to the completion handler.
type Queue interface {
	EnqueueAction(ctx context.Context, fnHandle string, args ActionArgs, opts EnqueueOptions) (WorkID, error)
}

// ActionRunner executes a single unit of work.
type ActionRunner interface {
	RunAction(ctx context.Context, fnHandle string, args ActionArgs) (json.RawMessage, error)
}

type CompletionHandler interface {
	HandleCompletion(
		ctx context.Context,
		name string,
		workID WorkID,
		result RunResult,
		completionCtx json.RawMessage,
	) error
}

// completionBinder is implemented by queues that deliver completions in process.
type completionBinder interface {
	SetCompletionHandler(handler CompletionHandler)
}

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}

type startRunContext struct {
	WorkflowID  string `json:"workflowId"`
	TriggerData any    `json:"triggerData,omitempty"`
}

type stepCompletionContext struct {
	WorkflowID   string `json:"workflowId"`
	Target       Target `json:"target"`
	OrderAtStart int64  `json:"orderAtStart"`
}
