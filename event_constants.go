package loom

const (
	// Event types
	EventRunCreated          = "run_created"
	EventRunPending          = "run_pending"
	EventRunStarted          = "run_started"
	EventRunFinished         = "run_finished"
	EventStepEnqueued        = "step_enqueued"
	EventStepCompleted       = "step_completed"
	EventStepSuspended       = "step_suspended"
	EventStepResumed         = "step_resumed"
	EventCompletionDiscarded = "completion_discarded"
	EventConfigRejected      = "config_rejected"

	// Event data keys
	KeyRunID        = "run_id"
	KeyStepID       = "step_id"
	KeyTarget       = "target"
	KeyWorkID       = "work_id"
	KeyStatus       = "status"
	KeyOrder        = "order"
	KeyOrderAtStart = "order_at_start"
	KeyError        = "error"
	KeyReason       = "reason"
	KeyTargets      = "targets"
	KeyConfigID     = "config_id"
	KeyFnName       = "fn_name"
)
