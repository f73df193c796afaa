package model

import (
	"time"

	"gorm.io/datatypes"

	"github.com/wfchen/durable/common/slice"
	"github.com/wfchen/durable/define"
)

// Instance is one workflow instance. The instance id is supplied by the
// caller and globally unique for the lifetime of the saga; runtime status is
// monotonic and never leaves a terminal value.
type Instance struct {
	Id            int64
	InstanceId    string
	Workflow      string
	RuntimeStatus string
	Input         datatypes.JSON
	Output        datatypes.JSON
	FailureReason string
	CustomStatus  string
	CreatedTime   time.Time
	UpdatedTime   time.Time
}

func (*Instance) TableName() string {
	return "workflow.instance"
}

func (in *Instance) Terminal() bool {
	return slice.Contain([]string{
		define.RuntimeStatusCompleted,
		define.RuntimeStatusFailed,
		define.RuntimeStatusTerminated,
	}, in.RuntimeStatus)
}

// HistoryEvent is one recorded fact in an instance's append only history.
// Sequence starts at 1 and increases strictly within an instance. TaskId
// links a completion event to the Sequence of the scheduled event it
// resolves; it is zero for events that resolve nothing.
type HistoryEvent struct {
	Id          int64
	InstanceId  string
	Sequence    int
	Kind        string
	Name        string
	TaskId      int
	Payload     datatypes.JSON
	CreatedTime time.Time
}

func (*HistoryEvent) TableName() string {
	return "workflow.history_event"
}

// IsCommand reports whether the kind is replayed against the workflow's own
// operation sequence, as opposed to an externally supplied completion.
func IsCommand(kind string) bool {
	return slice.Contain([]string{
		define.EventActivityScheduled,
		define.EventTimerCreated,
		define.EventCustomStatusSet,
	}, kind)
}
