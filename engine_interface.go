package loom

import (
	"context"
)

var _ IEngine = (*Engine)(nil)

// IEngine is the surface the client and the HTTP API drive.
type IEngine interface {
	Create(ctx context.Context, fnHandle, fnName string, logLevel LogLevel) (string, error)
	Start(ctx context.Context, runID string, triggerData any) error
	Resume(ctx context.Context, runID, stepID string, resumeData map[string]any) error
	CheckForDone(ctx context.Context, runID string) error
	Status(ctx context.Context, runID string) (*RunStatusView, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	GetStepHistory(ctx context.Context, runID string) ([]*StepState, error)
	ListRuns(ctx context.Context, filter RunFilter, cursor string, limit int) (*RunPage, error)
	GetRunEvents(ctx context.Context, runID string) ([]*RunEvent, error)
	Stats(ctx context.Context) ([]RunStats, error)
	Settings(ctx context.Context) (*Settings, error)
	UpdateSettings(ctx context.Context, settings Settings) error
}
