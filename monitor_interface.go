package loom

import (
	"context"
)

type IMonitor interface {
	GetRunStats(ctx context.Context) ([]RunStats, error)
	GetActiveRuns(ctx context.Context, limit int) ([]ActiveRun, error)
}
