package engine

import (
	"encoding/json"
	"fmt"

	"github.com/wfchen/durable/define"
	"github.com/wfchen/durable/orc/app/model"
)

const (
	taskKindActivity = "activity"
	taskKindTimer    = "timer"
	taskKindEvent    = "event"
)

// ActivityError is returned by Task.Await when the awaited activity's
// execution failed. A workflow may branch on it instead of propagating it.
type ActivityError struct {
	Activity string
	Message  string
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed : %s", e.Activity, e.Message)
}

// Task is a pending operation of a workflow : a scheduled activity, a
// created timer or an awaited external event. Tasks are only valid inside
// the workflow function that created them.
type Task struct {
	ctx  *Context
	kind string
	name string

	// sequence of the command event that scheduled this task;
	// zero for event waits, which record no command.
	scheduledSeq int

	// ordinal of this wait among waits for the same event name
	eventIndex int
}

// completion returns the history event resolving this task, or nil if the
// task is still pending. The scan is over recorded history only, so the
// answer is identical on every replay.
func (t *Task) completion() *model.HistoryEvent {
	switch t.kind {
	case taskKindActivity:
		for _, ev := range t.ctx.history {
			if (ev.Kind == define.EventActivityCompleted || ev.Kind == define.EventActivityFailed) &&
				ev.TaskId == t.scheduledSeq {
				return ev
			}
		}
	case taskKindTimer:
		for _, ev := range t.ctx.history {
			if ev.Kind == define.EventTimerFired && ev.TaskId == t.scheduledSeq {
				return ev
			}
		}
	case taskKindEvent:
		idx := 0
		for _, ev := range t.ctx.history {
			if ev.Kind == define.EventExternalEventReceived && ev.Name == t.name {
				if idx == t.eventIndex {
					return ev
				}
				idx++
			}
		}
	}
	return nil
}

// Await blocks until the task is resolved, then decodes its payload into
// out when out is not nil. A failed activity yields an *ActivityError.
func (t *Task) Await(out interface{}) error {
	ev := t.completion()
	if ev == nil {
		t.ctx.suspend()
	}
	t.ctx.observe(ev)

	switch ev.Kind {
	case define.EventActivityFailed:
		fail := &activityFailure{}
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, fail); err != nil {
				t.ctx.fault(fmt.Errorf("decode failure payload : %v", err))
			}
		}
		return &ActivityError{Activity: t.name, Message: fail.Error}
	default:
		if out == nil || len(ev.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(ev.Payload, out); err != nil {
			t.ctx.fault(fmt.Errorf("decode payload of task %s : %v", t.name, err))
		}
		return nil
	}
}

type activityFailure struct {
	Error string `json:"error"`
}

type timerPayload struct {
	Duration int64  `json:"durationMs"`
	FireAt   string `json:"fireAt"`
}
