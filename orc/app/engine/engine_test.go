package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/wfchen/durable/define"
	"github.com/wfchen/durable/orc/app/model"
)

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(_engineSuite))
}

type _engineSuite struct {
	suite.Suite
	store  model.Storage
	engine *Engine
}

func (s *_engineSuite) SetupTest() {
	s.store = model.NewMemoryStorage(time.Second)
	s.engine = NewEngine(Config{
		Store:          s.store,
		MaxConcurrency: 4,
		ResumeInterval: time.Hour, // driven explicitly by the tests
	})
}

func (s *_engineSuite) TearDownTest() {
	s.Nil(s.engine.Stop())
}

func (s *_engineSuite) wait(f *InstanceFuture) error {
	select {
	case err := <-f.Get():
		return err
	case <-time.After(time.Second * 5):
		s.FailNow("timeout waiting for instance")
		return nil
	}
}

func (s *_engineSuite) TestSingleActivity() {
	s.engine.RegisterActivity("double", func(ctx context.Context, payload []byte) ([]byte, error) {
		n := 0
		s.Nil(json.Unmarshal(payload, &n))
		return json.Marshal(n * 2)
	})
	s.engine.RegisterWorkflow("doubler", func(ctx *Context) (interface{}, error) {
		n := 0
		if err := ctx.Input(&n); err != nil {
			return nil, err
		}
		out := 0
		if err := ctx.CallActivity("double", n).Await(&out); err != nil {
			return nil, err
		}
		return out, nil
	})
	s.Nil(s.engine.Start())

	future, err := s.engine.Create(context.Background(), "doubler", "in_1", 21)
	s.Nil(err)
	s.Nil(s.wait(future))

	in := future.Instance()
	s.Equal(define.RuntimeStatusCompleted, in.RuntimeStatus)
	s.Equal("42", string(in.Output))

	events, err := s.store.GetHistory(context.Background(), "in_1")
	s.Nil(err)
	s.Len(events, 2)
	s.Equal(define.EventActivityScheduled, events[0].Kind)
	s.Equal(define.EventActivityCompleted, events[1].Kind)
	s.Equal(1, events[1].TaskId)
}

func (s *_engineSuite) TestDuplicateCreate() {
	s.engine.RegisterWorkflow("noop", func(ctx *Context) (interface{}, error) {
		ctx.WaitForEvent("never").Await(nil)
		return nil, nil
	})
	s.Nil(s.engine.Start())

	_, err := s.engine.Create(context.Background(), "noop", "in_1", nil)
	s.Nil(err)
	_, err = s.engine.Create(context.Background(), "noop", "in_1", nil)
	s.Equal(ErrAlreadyExists, err)

	_, err = s.engine.Create(context.Background(), "missing", "in_2", nil)
	s.Equal(ErrUnknownWorkflow, err)
}

func (s *_engineSuite) TestActivityRunsAtMostOnce() {
	var runs int32
	s.engine.RegisterActivity("count", func(ctx context.Context, payload []byte) ([]byte, error) {
		atomic.AddInt32(&runs, 1)
		return nil, nil
	})
	s.engine.RegisterWorkflow("counter", func(ctx *Context) (interface{}, error) {
		if err := ctx.CallActivity("count", nil).Await(nil); err != nil {
			return nil, err
		}
		// several suspension points after the activity : each resumption
		// replays the whole function from the top
		for i := 0; i < 3; i++ {
			if err := ctx.WaitForEvent("tick").Await(nil); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	s.Nil(s.engine.Start())

	future, err := s.engine.Create(context.Background(), "counter", "in_1", nil)
	s.Nil(err)

	for i := 0; i < 3; i++ {
		s.Nil(s.engine.RaiseEvent(context.Background(), "in_1", "tick", nil))
	}

	s.Nil(s.wait(future))
	s.Equal(int32(1), atomic.LoadInt32(&runs))
}

func (s *_engineSuite) TestEventsResolveInArrivalOrder() {
	s.engine.RegisterWorkflow("collect", func(ctx *Context) (interface{}, error) {
		if err := ctx.WaitForEvent("start").Await(nil); err != nil {
			return nil, err
		}
		values := []int{}
		for i := 0; i < 2; i++ {
			v := 0
			if err := ctx.WaitForEvent("value").Await(&v); err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return values, nil
	})
	s.Nil(s.engine.Start())

	future, err := s.engine.Create(context.Background(), "collect", "in_1", nil)
	s.Nil(err)

	// events raised before the workflow waits for them are buffered in order
	s.Nil(s.engine.RaiseEvent(context.Background(), "in_1", "value", 1))
	s.Nil(s.engine.RaiseEvent(context.Background(), "in_1", "value", 2))
	s.Nil(s.engine.RaiseEvent(context.Background(), "in_1", "start", nil))

	s.Nil(s.wait(future))
	s.Equal(`[1,2]`, string(future.Instance().Output))
}

func (s *_engineSuite) TestWhenAnyTimerWins() {
	s.engine.RegisterWorkflow("race", func(ctx *Context) (interface{}, error) {
		approval := ctx.WaitForEvent("approve")
		timeout := ctx.CreateTimer(time.Millisecond * 30)
		winner := ctx.WhenAny(approval, timeout)
		if winner == timeout {
			return "timed out", nil
		}
		return "approved", nil
	})
	s.Nil(s.engine.Start())

	future, err := s.engine.Create(context.Background(), "race", "in_1", nil)
	s.Nil(err)
	s.Nil(s.wait(future))
	s.Equal(`"timed out"`, string(future.Instance().Output))
}

func (s *_engineSuite) TestWhenAnyEventWins() {
	s.engine.RegisterWorkflow("race", func(ctx *Context) (interface{}, error) {
		approval := ctx.WaitForEvent("approve")
		timeout := ctx.CreateTimer(time.Minute)
		winner := ctx.WhenAny(approval, timeout)
		if winner == timeout {
			return "timed out", nil
		}
		return "approved", nil
	})
	s.Nil(s.engine.Start())

	future, err := s.engine.Create(context.Background(), "race", "in_1", nil)
	s.Nil(err)
	s.Nil(s.engine.RaiseEvent(context.Background(), "in_1", "approve", nil))
	s.Nil(s.wait(future))
	s.Equal(`"approved"`, string(future.Instance().Output))
}

func (s *_engineSuite) TestWhenAnyWinnerStableAfterLoserResolves() {
	s.engine.RegisterWorkflow("race", func(ctx *Context) (interface{}, error) {
		approval := ctx.WaitForEvent("approve")
		timeout := ctx.CreateTimer(time.Millisecond * 20)
		winner := ctx.WhenAny(approval, timeout)
		outcome := "approved"
		if winner == timeout {
			outcome = "timed out"
		}
		if err := ctx.WaitForEvent("resume").Await(nil); err != nil {
			return nil, err
		}
		return outcome, nil
	})
	s.Nil(s.engine.Start())

	future, err := s.engine.Create(context.Background(), "race", "in_1", nil)
	s.Nil(err)

	// wait for the timer outcome to be recorded while the instance stays
	// running on the second event
	s.Eventually(func() bool {
		events, err := s.store.GetHistory(context.Background(), "in_1")
		s.Nil(err)
		for _, ev := range events {
			if ev.Kind == define.EventTimerFired {
				return true
			}
		}
		return false
	}, time.Second*2, time.Millisecond*10)

	// the losing approval arrives afterwards and lands in history; replays
	// with both completions present must still pick the recorded winner
	s.Nil(s.engine.RaiseEvent(context.Background(), "in_1", "approve", nil))
	s.Nil(s.engine.RaiseEvent(context.Background(), "in_1", "resume", nil))

	s.Nil(s.wait(future))
	s.Equal(`"timed out"`, string(future.Instance().Output))

	events, err := s.store.GetHistory(context.Background(), "in_1")
	s.Nil(err)
	timerFired, approveReceived := false, false
	for _, ev := range events {
		if ev.Kind == define.EventTimerFired {
			timerFired = true
		}
		if ev.Kind == define.EventExternalEventReceived && ev.Name == "approve" {
			approveReceived = true
		}
	}
	s.True(timerFired)
	s.True(approveReceived)
}

func (s *_engineSuite) TestWhenAll() {
	s.engine.RegisterActivity("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
	s.engine.RegisterWorkflow("fanout", func(ctx *Context) (interface{}, error) {
		a := ctx.CallActivity("echo", "a")
		b := ctx.CallActivity("echo", "b")
		ctx.WhenAll(a, b)

		va, vb := "", ""
		if err := a.Await(&va); err != nil {
			return nil, err
		}
		if err := b.Await(&vb); err != nil {
			return nil, err
		}
		return va + vb, nil
	})
	s.Nil(s.engine.Start())

	future, err := s.engine.Create(context.Background(), "fanout", "in_1", nil)
	s.Nil(err)
	s.Nil(s.wait(future))
	s.Equal(`"ab"`, string(future.Instance().Output))
}

func (s *_engineSuite) TestActivityFailureFailsInstance() {
	s.engine.RegisterActivity("boom", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("storage unavailable")
	})
	s.engine.RegisterWorkflow("fragile", func(ctx *Context) (interface{}, error) {
		if err := ctx.CallActivity("boom", nil).Await(nil); err != nil {
			return nil, err
		}
		return "unreachable", nil
	})
	s.Nil(s.engine.Start())

	future, err := s.engine.Create(context.Background(), "fragile", "in_1", nil)
	s.Nil(err)

	err = s.wait(future)
	s.NotNil(err)
	s.Contains(err.Error(), "storage unavailable")
	s.Equal(define.RuntimeStatusFailed, future.Instance().RuntimeStatus)
}

func (s *_engineSuite) TestActivityFailureCanBeHandled() {
	s.engine.RegisterActivity("boom", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("storage unavailable")
	})
	s.engine.RegisterWorkflow("sturdy", func(ctx *Context) (interface{}, error) {
		err := ctx.CallActivity("boom", nil).Await(nil)
		aerr := &ActivityError{}
		if errors.As(err, &aerr) {
			return "handled", nil
		}
		return nil, err
	})
	s.Nil(s.engine.Start())

	future, err := s.engine.Create(context.Background(), "sturdy", "in_1", nil)
	s.Nil(err)
	s.Nil(s.wait(future))
	s.Equal(define.RuntimeStatusCompleted, future.Instance().RuntimeStatus)
	s.Equal(`"handled"`, string(future.Instance().Output))
}

func (s *_engineSuite) TestCustomStatusRecordedOnce() {
	s.engine.RegisterWorkflow("status", func(ctx *Context) (interface{}, error) {
		if err := ctx.SetCustomStatus(map[string]string{"stage": "one"}); err != nil {
			return nil, err
		}
		if err := ctx.WaitForEvent("go").Await(nil); err != nil {
			return nil, err
		}
		if err := ctx.SetCustomStatus(map[string]string{"stage": "two"}); err != nil {
			return nil, err
		}
		return nil, nil
	})
	s.Nil(s.engine.Start())

	future, err := s.engine.Create(context.Background(), "status", "in_1", nil)
	s.Nil(err)

	s.Eventually(func() bool {
		in, err := s.engine.Get(context.Background(), "in_1")
		return err == nil && in.CustomStatus == `{"stage":"one"}`
	}, time.Second*2, time.Millisecond*10)

	s.Nil(s.engine.RaiseEvent(context.Background(), "in_1", "go", nil))
	s.Nil(s.wait(future))
	s.Equal(`{"stage":"two"}`, future.Instance().CustomStatus)

	// replayed passes must not re-emit the first status
	events, err := s.store.GetHistory(context.Background(), "in_1")
	s.Nil(err)
	count := 0
	for _, ev := range events {
		if ev.Kind == define.EventCustomStatusSet {
			count++
		}
	}
	s.Equal(2, count)
}

func (s *_engineSuite) TestNondeterministicWorkflowFails() {
	pass := int32(0)
	s.engine.RegisterActivity("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
	s.engine.RegisterWorkflow("flaky", func(ctx *Context) (interface{}, error) {
		// schedules a different activity name on replay
		name := fmt.Sprintf("echo_%d", atomic.AddInt32(&pass, 1))
		ctx.CallActivity(name, nil)
		if err := ctx.WaitForEvent("never").Await(nil); err != nil {
			return nil, err
		}
		return nil, nil
	})
	s.Nil(s.engine.Start())

	future, err := s.engine.Create(context.Background(), "flaky", "in_1", nil)
	s.Nil(err)

	// the unknown activity fails, which triggers a replay that schedules a
	// mismatching command
	err = s.wait(future)
	s.NotNil(err)
	s.True(errors.Is(err, ErrNondeterminism))
	s.Equal(define.RuntimeStatusFailed, future.Instance().RuntimeStatus)
}

func (s *_engineSuite) TestRaiseEventOnTerminalInstance() {
	s.engine.RegisterWorkflow("instant", func(ctx *Context) (interface{}, error) {
		return "done", nil
	})
	s.Nil(s.engine.Start())

	future, err := s.engine.Create(context.Background(), "instant", "in_1", nil)
	s.Nil(err)
	s.Nil(s.wait(future))

	err = s.engine.RaiseEvent(context.Background(), "in_1", "late", nil)
	s.Equal(ErrNotRunning, err)
	err = s.engine.RaiseEvent(context.Background(), "in_2", "late", nil)
	s.Equal(ErrNotExist, err)
}

func (s *_engineSuite) TestTerminate() {
	s.engine.RegisterWorkflow("noop", func(ctx *Context) (interface{}, error) {
		ctx.WaitForEvent("never").Await(nil)
		return nil, nil
	})
	s.Nil(s.engine.Start())

	future, err := s.engine.Create(context.Background(), "noop", "in_1", nil)
	s.Nil(err)
	s.Nil(s.engine.Terminate(context.Background(), "in_1", "operator request"))
	s.Equal(ErrTerminated, s.wait(future))

	in, err := s.engine.Get(context.Background(), "in_1")
	s.Nil(err)
	s.Equal(define.RuntimeStatusTerminated, in.RuntimeStatus)
	s.Equal(ErrNotRunning, s.engine.Terminate(context.Background(), "in_1", "again"))
}

func (s *_engineSuite) TestQueueJobOnClosedQueue() {
	e := NewEngine(Config{
		Store:          model.NewMemoryStorage(time.Second),
		ResumeInterval: time.Hour,
	})
	s.Nil(e.Start())

	// the state Stop leaves behind after closing the queue but before a
	// caller observes the closed flag
	close(e.jobChan)
	s.Equal(ErrEngineClosed, e.queueJob(func() {}))

	atomic.StoreInt32(&e.closed, 1)
	close(e.closeChan)
}

func (s *_engineSuite) TestResumeRedispatchesLostWork() {
	var runs int32
	s.engine.RegisterActivity("late", func(ctx context.Context, payload []byte) ([]byte, error) {
		atomic.AddInt32(&runs, 1)
		return nil, nil
	})
	s.engine.RegisterWorkflow("recovered", func(ctx *Context) (interface{}, error) {
		if err := ctx.CallActivity("late", nil).Await(nil); err != nil {
			return nil, err
		}
		return nil, nil
	})

	// seed the store as a crashed engine would have left it : activity
	// scheduled, outcome never recorded
	ctx := context.Background()
	now := time.Now()
	s.Nil(s.store.CreateInstance(ctx, &model.Instance{
		InstanceId:    "in_1",
		Workflow:      "recovered",
		RuntimeStatus: define.RuntimeStatusRunning,
		Input:         []byte(`null`),
		CreatedTime:   now,
		UpdatedTime:   now,
	}))
	s.Nil(s.store.AppendEvents(ctx, "in_1", []*model.HistoryEvent{{
		Kind:    define.EventActivityScheduled,
		Name:    "late",
		Payload: []byte(`null`),
	}}))

	s.Nil(s.engine.Start())
	future, err := s.engine.Watch(ctx, "in_1")
	s.Nil(err)

	s.engine.resume()

	s.Nil(s.wait(future))
	s.Equal(int32(1), atomic.LoadInt32(&runs))
	s.Equal(define.RuntimeStatusCompleted, future.Instance().RuntimeStatus)
}
