package loom

import (
	"context"
	"time"
)

var _ IMonitor = (*Monitor)(nil)

type Monitor struct {
	store Store
}

func NewMonitor(store Store) *Monitor {
	return &Monitor{store: store}
}

type ActiveRun struct {
	RunID          string        `json:"run_id"`
	FnName         string        `json:"fn_name"`
	CreatedAt      time.Time     `json:"created_at"`
	Duration       time.Duration `json:"duration"`
	CompletedSteps int           `json:"completed_steps"`
	RunningSteps   int           `json:"running_steps"`
	SuspendedSteps int           `json:"suspended_steps"`
}

func (m *Monitor) GetRunStats(ctx context.Context) ([]RunStats, error) {
	return m.store.CountRunsByStatus(ctx)
}

// GetActiveRuns lists started runs, oldest first, with their progress.
func (m *Monitor) GetActiveRuns(ctx context.Context, limit int) ([]ActiveRun, error) {
	page, err := m.store.ListRuns(ctx, RunFilter{Status: RunStatusStarted}, "", limit)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	runs := make([]ActiveRun, 0, len(page.Runs))
	for _, run := range page.Runs {
		runs = append(runs, ActiveRun{
			RunID:          run.ID,
			FnName:         run.FnName,
			CreatedAt:      run.CreatedAt,
			Duration:       now.Sub(run.CreatedAt),
			CompletedSteps: len(run.StepStateIDs),
			RunningSteps:   len(run.ActiveBranches),
			SuspendedSteps: len(run.SuspendedBranches),
		})
	}

	return runs, nil
}
