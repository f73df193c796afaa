package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	logutil "github.com/wfchen/durable/common/log"
	"github.com/wfchen/durable/common/operator"
	"github.com/wfchen/durable/define"
	"github.com/wfchen/durable/orc/app/model"
)

const (
	passSuspended = "suspended"
	passCompleted = "completed"
	passFaulted   = "faulted"
)

// advance executes one pass of the instance : load history, replay the
// workflow function against it, persist whatever the pass scheduled, then
// dispatch the fresh work outside the instance lock.
func (e *Engine) advance(instanceId string) {
	if e.isClosed() {
		return
	}

	lk := e.lock(instanceId)
	lk.Lock()
	fresh := e.advanceLocked(instanceId)
	lk.Unlock()

	e.dispatch(instanceId, fresh)
}

func (e *Engine) advanceLocked(instanceId string) []*model.HistoryEvent {
	ctx := context.Background()
	logger := logutil.Logger(ctx).Sugar()

	in, err := e.cfg.Store.GetInstance(ctx, instanceId)
	if err != nil {
		logger.Errorf("load instance : instance(%s), error(%v)", instanceId, err)
		return nil
	}
	if in.Terminal() {
		e.finishFutures(instanceId, in, terminalError(in))
		return nil
	}

	history, err := e.cfg.Store.GetHistory(ctx, instanceId)
	if err != nil {
		logger.Errorf("load history : instance(%s), error(%v)", instanceId, err)
		return nil
	}

	fn, ok := e.workflows[in.Workflow]
	if !ok {
		e.fail(ctx, in, "", fmt.Errorf("%w : %s", ErrUnknownWorkflow, in.Workflow))
		return nil
	}

	stop := passTimer.Timer()
	c := newContext(in, history)
	output, outcome, passErr := e.runPass(fn, c)
	stop(in.Workflow, outcome)

	if len(c.appended) > 0 {
		if err := e.cfg.Store.AppendEvents(ctx, instanceId, c.appended); err != nil {
			// the resume sweep will retry the whole pass
			logger.Errorf("append events : instance(%s), error(%v)", instanceId, err)
			return nil
		}
	}

	switch outcome {
	case passSuspended:
		if c.customStatus != in.CustomStatus {
			in.CustomStatus = c.customStatus
			if err := e.cfg.Store.UpdateInstance(ctx, in); err != nil {
				logger.Errorf("update status : instance(%s), error(%v)", instanceId, err)
			}
		}

	case passCompleted:
		body, err := json.Marshal(output)
		if err != nil {
			e.fail(ctx, in, c.customStatus, fmt.Errorf("encode output : %v", err))
			return c.appended
		}
		in.RuntimeStatus = define.RuntimeStatusCompleted
		in.Output = body
		in.CustomStatus = c.customStatus
		err = e.cfg.Store.UpdateInstanceConditions(ctx, in, func(old *model.Instance) error {
			if old.Terminal() {
				return model.ErrNotExpectedState
			}
			return nil
		})
		if err != nil {
			logger.Errorf("complete instance : instance(%s), error(%v)", instanceId, err)
			return c.appended
		}
		instanceGauge.Dec(in.Workflow, define.RuntimeStatusRunning)
		instanceGauge.Inc(in.Workflow, define.RuntimeStatusCompleted)
		e.finishFutures(instanceId, in, nil)

	case passFaulted:
		e.fail(ctx, in, c.customStatus, passErr)
	}

	return c.appended
}

func (e *Engine) runPass(fn WorkflowFn, c *Context) (output interface{}, outcome string, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch v := r.(type) {
		case suspendMarker:
			outcome = passSuspended
		case executionFault:
			outcome = passFaulted
			err = v.err
		default:
			outcome = passFaulted
			err = fmt.Errorf("workflow panic : %v", v)
		}
	}()

	output, err = fn(c)
	if err != nil {
		return nil, passFaulted, err
	}
	return output, passCompleted, nil
}

func (e *Engine) fail(ctx context.Context, in *model.Instance, customStatus string, cause error) {
	logutil.Logger(ctx).Sugar().Errorf("instance failed : instance(%s), error(%v)", in.InstanceId, cause)

	in.RuntimeStatus = define.RuntimeStatusFailed
	in.FailureReason = cause.Error()
	if customStatus != "" {
		in.CustomStatus = customStatus
	}
	err := e.cfg.Store.UpdateInstanceConditions(ctx, in, func(old *model.Instance) error {
		if old.Terminal() {
			return model.ErrNotExpectedState
		}
		return nil
	})
	if err != nil {
		logutil.Logger(ctx).Sugar().Errorf("fail instance : instance(%s), error(%v)", in.InstanceId, err)
		return
	}
	instanceGauge.Dec(in.Workflow, define.RuntimeStatusRunning)
	instanceGauge.Inc(in.Workflow, define.RuntimeStatusFailed)
	e.finishFutures(in.InstanceId, in, cause)
}

//
// dispatch of freshly scheduled work
//

func (e *Engine) dispatch(instanceId string, events []*model.HistoryEvent) {
	for _, ev := range events {
		switch ev.Kind {
		case define.EventActivityScheduled:
			e.dispatchActivity(instanceId, ev.Sequence, ev.Name, ev.Payload)
		case define.EventTimerCreated:
			e.dispatchTimer(instanceId, ev.Sequence, ev.Payload, ev.CreatedTime)
		}
	}
}

func (e *Engine) dispatchActivity(instanceId string, seq int, name string, payload []byte) {
	key := fmt.Sprintf("a/%s/%d", instanceId, seq)
	if !e.tryInflight(key) {
		return
	}
	err := e.queueJob(func() {
		defer e.doneInflight(key)
		e.runActivity(instanceId, seq, name, payload)
	})
	if err != nil {
		e.doneInflight(key)
	}
}

func (e *Engine) runActivity(instanceId string, seq int, name string, payload []byte) {
	var result []byte
	var err error

	fn, ok := e.activities[name]
	if !ok {
		err = fmt.Errorf("%w : %s", ErrUnknownActivity, name)
	} else {
		stop := activityTimer.Timer()
		result, err = e.executeActivity(fn, payload)
		stop(name, operator.IfElse((err != nil), "err", "ok").(string))
	}

	ev := &model.HistoryEvent{
		TaskId:      seq,
		CreatedTime: time.Now(),
	}
	if err != nil {
		logutil.Logger(context.Background()).Sugar().Errorf(
			"activity failed : instance(%s), activity(%s), error(%v)", instanceId, name, err)
		body, _ := json.Marshal(&activityFailure{Error: err.Error()})
		ev.Kind = define.EventActivityFailed
		ev.Payload = body
	} else {
		ev.Kind = define.EventActivityCompleted
		ev.Payload = result
	}
	e.appendCompletion(instanceId, ev)
}

func (e *Engine) executeActivity(fn ActivityFn, payload []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity panic : %v", r)
		}
	}()
	return fn(context.Background(), payload)
}

func (e *Engine) dispatchTimer(instanceId string, seq int, payload []byte, created time.Time) {
	key := fmt.Sprintf("t/%s/%d", instanceId, seq)
	if !e.tryInflight(key) {
		return
	}

	tp := &timerPayload{}
	if err := json.Unmarshal(payload, tp); err != nil {
		logutil.Logger(context.Background()).Sugar().Errorf(
			"decode timer : instance(%s), seq(%d), error(%v)", instanceId, seq, err)
		e.doneInflight(key)
		return
	}
	fireAt, err := time.Parse(time.RFC3339Nano, tp.FireAt)
	if err != nil {
		fireAt = created.Add(time.Duration(tp.Duration) * time.Millisecond)
	}

	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		defer e.doneInflight(key)
		if e.isClosed() {
			return
		}
		e.appendCompletion(instanceId, &model.HistoryEvent{
			Kind:        define.EventTimerFired,
			TaskId:      seq,
			CreatedTime: time.Now(),
		})
	})
}

// appendCompletion records the outcome of dispatched work and queues the
// next pass. Completions racing a terminal transition are dropped.
func (e *Engine) appendCompletion(instanceId string, ev *model.HistoryEvent) {
	ctx := context.Background()

	lk := e.lock(instanceId)
	lk.Lock()
	err := func() error {
		in, err := e.cfg.Store.GetInstance(ctx, instanceId)
		if err != nil {
			return err
		}
		if in.Terminal() {
			return nil
		}
		return e.cfg.Store.AppendEvents(ctx, instanceId, []*model.HistoryEvent{ev})
	}()
	lk.Unlock()

	if err != nil {
		logutil.Logger(ctx).Sugar().Errorf(
			"append completion : instance(%s), kind(%s), error(%v)", instanceId, ev.Kind, err)
		return
	}
	_ = e.queueJob(func() { e.advance(instanceId) })
}

//
// recovery of instances whose dispatched work was lost
//

// resume re-dispatches unresolved activities and timers of running
// instances. After a restart the inflight set is empty, so work that was
// scheduled but never recorded an outcome is picked up again here.
func (e *Engine) resume() time.Duration {
	if e.isClosed() {
		return e.cfg.ResumeInterval
	}
	ctx := context.Background()

	ins, err := e.cfg.Store.FindRunning(ctx, e.cfg.ResumeLimit)
	if err != nil {
		logutil.Logger(ctx).Sugar().Errorf("find running : error(%v)", err)
		return e.cfg.ResumeInterval
	}

	for _, in := range ins {
		history, err := e.cfg.Store.GetHistory(ctx, in.InstanceId)
		if err != nil {
			continue
		}

		resolved := make(map[int]bool)
		for _, ev := range history {
			if ev.TaskId > 0 {
				resolved[ev.TaskId] = true
			}
		}
		for _, ev := range history {
			if resolved[ev.Sequence] {
				continue
			}
			switch ev.Kind {
			case define.EventActivityScheduled:
				e.dispatchActivity(in.InstanceId, ev.Sequence, ev.Name, ev.Payload)
			case define.EventTimerCreated:
				e.dispatchTimer(in.InstanceId, ev.Sequence, ev.Payload, ev.CreatedTime)
			}
		}

		instanceId := in.InstanceId
		_ = e.queueJob(func() { e.advance(instanceId) })
	}
	return e.cfg.ResumeInterval
}
