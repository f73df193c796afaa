package define

const (
	WorkflowTypeOrder = "order_processing"

	// runtime status of a workflow instance
	RuntimeStatusRunning    = "RUNNING"
	RuntimeStatusCompleted  = "COMPLETED"
	RuntimeStatusFailed     = "FAILED"
	RuntimeStatusTerminated = "TERMINATED"

	// recorded history event kinds
	EventActivityScheduled     = "ActivityScheduled"
	EventActivityCompleted     = "ActivityCompleted"
	EventActivityFailed        = "ActivityFailed"
	EventTimerCreated          = "TimerCreated"
	EventTimerFired            = "TimerFired"
	EventExternalEventReceived = "ExternalEventReceived"
	EventCustomStatusSet       = "CustomStatusSet"

	// stage status of one saga stage inside the custom status projection
	StageStatusRunning   = "running"
	StageStatusCompleted = "completed"
	StageStatusFailed    = "failed"

	ApprovalEventName = "approval_event"
)
