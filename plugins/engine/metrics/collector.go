package metrics

import (
	"time"

	"github.com/rom8726/loom"
)

type MetricsCollector interface {
	RecordRunStarted(fnName string)
	RecordRunFinished(fnName string, duration time.Duration)
	RecordStepStarted(fnName string, stepID string)
	RecordStepCompleted(fnName string, stepID string, status loom.StepStatusKind, duration time.Duration)
	RecordStepResumed(fnName string, stepID string)
}
