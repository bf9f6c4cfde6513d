package loom

import (
	"context"
)

type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	// GetRun loads a run. Inside a transaction backends lock the row so the
	// read-modify-write that follows is serialized.
	GetRun(ctx context.Context, runID string) (*Run, error)
	ReplaceRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, filter RunFilter, cursor string, limit int) (*RunPage, error)
	CountRunsByStatus(ctx context.Context) ([]RunStats, error)

	InsertStepState(ctx context.Context, state *StepState) error
	GetStepState(ctx context.Context, id string) (*StepState, error)
	GetStepHistory(ctx context.Context, runID string) ([]*StepState, error)

	InsertWorkflowConfig(ctx context.Context, cfg *WorkflowConfig) error
	GetWorkflowConfig(ctx context.Context, id string) (*WorkflowConfig, error)

	GetSettings(ctx context.Context) (*Settings, error)
	SaveSettings(ctx context.Context, settings *Settings) error

	LogEvent(ctx context.Context, runID string, eventType string, payload any) error
	GetRunEvents(ctx context.Context, runID string) ([]*RunEvent, error)
}

type TxManager interface {
	// ReadCommitted runs fn atomically. A nested call joins the transaction
	// already carried by ctx.
	ReadCommitted(ctx context.Context, fn func(ctx context.Context) error) error
}

const defaultPageSize = 50

func pageLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultPageSize
	}

	return limit
}
