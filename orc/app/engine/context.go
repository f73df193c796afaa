package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wfchen/durable/define"
	"github.com/wfchen/durable/orc/app/model"
)

// panic markers used to unwind a workflow pass. Recovered by the engine,
// never visible to user code.
type suspendMarker struct{}

type executionFault struct {
	err error
}

// Context is the deterministic execution context of one workflow pass. The
// workflow function is re-executed from the top on every pass; each operation
// it performs is checked against the recorded history at a cursor, so code
// before the first unresolved await replays from the log without side
// effects.
type Context struct {
	instance *model.Instance

	// full recorded history, ascending by sequence
	history []*model.HistoryEvent

	// command events only, walked by the cursor
	commands []*model.HistoryEvent
	cursor   int

	// events created by this pass, to be persisted when it yields
	appended []*model.HistoryEvent

	eventWaits   map[string]int
	now          time.Time
	customStatus string
}

func newContext(in *model.Instance, history []*model.HistoryEvent) *Context {
	c := &Context{
		instance:     in,
		history:      history,
		eventWaits:   make(map[string]int),
		now:          in.CreatedTime,
		customStatus: in.CustomStatus,
	}
	for _, ev := range history {
		if model.IsCommand(ev.Kind) {
			c.commands = append(c.commands, ev)
		}
	}
	return c
}

func (c *Context) suspend() {
	panic(suspendMarker{})
}

func (c *Context) fault(err error) {
	panic(executionFault{err: err})
}

// observe advances deterministic time to the creation time of a consumed
// event.
func (c *Context) observe(ev *model.HistoryEvent) {
	if ev.CreatedTime.After(c.now) {
		c.now = ev.CreatedTime
	}
}

// nextCommand replays the next recorded command event, or records a new one
// once the cursor has passed the end of history. A replayed command whose
// kind or name differs from what the code asked for means the code no longer
// matches its own history.
func (c *Context) nextCommand(kind string, name string, payload []byte) (ev *model.HistoryEvent, fresh bool) {
	if c.cursor < len(c.commands) {
		ev = c.commands[c.cursor]
		c.cursor++
		if ev.Kind != kind || ev.Name != name {
			c.fault(fmt.Errorf("%w : recorded %s(%s), executed %s(%s)",
				ErrNondeterminism, ev.Kind, ev.Name, kind, name))
		}
		c.observe(ev)
		return ev, false
	}

	ev = &model.HistoryEvent{
		InstanceId:  c.instance.InstanceId,
		Sequence:    len(c.history) + len(c.appended) + 1,
		Kind:        kind,
		Name:        name,
		Payload:     payload,
		CreatedTime: time.Now(),
	}
	c.appended = append(c.appended, ev)
	c.observe(ev)
	return ev, true
}

// InstanceID returns the caller supplied id of this instance.
func (c *Context) InstanceID() string {
	return c.instance.InstanceId
}

// Input decodes the instance input into v.
func (c *Context) Input(v interface{}) error {
	return json.Unmarshal(c.instance.Input, v)
}

// Now returns deterministic time : the creation time of the most recently
// consumed history event. It is stable across replays; never use the wall
// clock inside a workflow.
func (c *Context) Now() time.Time {
	return c.now
}

// CallActivity schedules an activity execution. The activity runs at most
// once per scheduling; replays reuse its recorded outcome.
func (c *Context) CallActivity(name string, input interface{}) *Task {
	payload, err := json.Marshal(input)
	if err != nil {
		c.fault(fmt.Errorf("encode input of activity %s : %v", name, err))
	}
	ev, _ := c.nextCommand(define.EventActivityScheduled, name, payload)
	return &Task{
		ctx:          c,
		kind:         taskKindActivity,
		name:         name,
		scheduledSeq: ev.Sequence,
	}
}

// CreateTimer creates a durable timer firing after d.
func (c *Context) CreateTimer(d time.Duration) *Task {
	payload, err := json.Marshal(&timerPayload{
		Duration: d.Milliseconds(),
		FireAt:   c.now.Add(d).Format(time.RFC3339Nano),
	})
	if err != nil {
		c.fault(err)
	}
	ev, _ := c.nextCommand(define.EventTimerCreated, "", payload)
	return &Task{
		ctx:          c,
		kind:         taskKindTimer,
		scheduledSeq: ev.Sequence,
	}
}

// WaitForEvent awaits an external event by name. Events are matched to
// waits in order : the n-th wait for a name resolves with the n-th received
// event of that name, so events arriving before the wait are buffered by
// the history itself.
func (c *Context) WaitForEvent(name string) *Task {
	idx := c.eventWaits[name]
	c.eventWaits[name] = idx + 1
	return &Task{
		ctx:        c,
		kind:       taskKindEvent,
		name:       name,
		eventIndex: idx,
	}
}

// WhenAny returns the first of tasks to resolve. The winner is the resolved
// task whose completion was recorded earliest, which makes the same task win
// on every replay even if others have resolved since.
func (c *Context) WhenAny(tasks ...*Task) *Task {
	var winner *Task
	winnerSeq := 0
	for _, t := range tasks {
		ev := t.completion()
		if ev == nil {
			continue
		}
		if winner == nil || ev.Sequence < winnerSeq {
			winner = t
			winnerSeq = ev.Sequence
		}
	}
	if winner == nil {
		c.suspend()
	}
	return winner
}

// WhenAll blocks until every task has resolved. Await the individual tasks
// afterwards to collect their results.
func (c *Context) WhenAll(tasks ...*Task) {
	for _, t := range tasks {
		if t.completion() == nil {
			c.suspend()
		}
	}
}

// SetCustomStatus replaces the instance's custom status with the JSON
// encoding of status. Replayed passes restore the recorded value without
// emitting a duplicate.
func (c *Context) SetCustomStatus(status interface{}) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	ev, _ := c.nextCommand(define.EventCustomStatusSet, "", payload)
	c.customStatus = string(ev.Payload)
	return nil
}
