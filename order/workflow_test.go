package order

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/wfchen/durable/define"
	"github.com/wfchen/durable/order/statestore"
	"github.com/wfchen/durable/orc/app/engine"
	"github.com/wfchen/durable/orc/app/model"
)

func TestWorkflowSuite(t *testing.T) {
	suite.Run(t, new(_workflowSuite))
}

type recordingNotifier struct {
	mutex    sync.Mutex
	messages []string
}

func (rn *recordingNotifier) Notify(ctx context.Context, n *define.OrderNotification) error {
	rn.mutex.Lock()
	defer rn.mutex.Unlock()
	rn.messages = append(rn.messages, n.Message)
	return nil
}

func (rn *recordingNotifier) all() []string {
	rn.mutex.Lock()
	defer rn.mutex.Unlock()
	return append([]string{}, rn.messages...)
}

type _workflowSuite struct {
	suite.Suite
	store     model.Storage
	inventory statestore.Store
	notifier  *recordingNotifier
	engine    *engine.Engine
}

func (s *_workflowSuite) SetupTest() {
	s.store = model.NewMemoryStorage(time.Second)
	s.inventory = statestore.NewMemoryStore()
	s.notifier = &recordingNotifier{}
	s.Nil(s.inventory.Save(context.Background(), &define.InventoryItem{
		ItemName:    "cars",
		PerItemCost: 1000,
		Quantity:    10,
	}))
}

func (s *_workflowSuite) TearDownTest() {
	if s.engine != nil {
		s.Nil(s.engine.Stop())
	}
}

func (s *_workflowSuite) start(delays Delays) {
	s.engine = engine.NewEngine(engine.Config{
		Store:          s.store,
		MaxConcurrency: 4,
		ResumeInterval: time.Hour,
	})
	NewWorkflow(delays).Register(s.engine)
	NewActivities(s.inventory, s.notifier).Register(s.engine)
	s.Nil(s.engine.Start())
}

func fastDelays() Delays {
	return Delays{
		Initial:         time.Millisecond,
		PrePayment:      time.Millisecond,
		PreUpdate:       time.Millisecond,
		ApprovalTimeout: time.Minute,
	}
}

func (s *_workflowSuite) run(id string, order *define.OrderPayload) *engine.InstanceFuture {
	future, err := s.engine.Create(context.Background(), define.WorkflowTypeOrder, id, order)
	s.Nil(err)
	return future
}

func (s *_workflowSuite) wait(f *engine.InstanceFuture) error {
	select {
	case err := <-f.Get():
		return err
	case <-time.After(time.Second * 10):
		s.FailNow("timeout waiting for instance")
		return nil
	}
}

func (s *_workflowSuite) result(f *engine.InstanceFuture) *define.OrderResult {
	result := &define.OrderResult{}
	s.Nil(json.Unmarshal(f.Instance().Output, result))
	return result
}

func (s *_workflowSuite) updates(f *engine.InstanceFuture) []define.StatusUpdate {
	updates, err := DecodeStatus(f.Instance().CustomStatus)
	s.Nil(err)
	return updates
}

func (s *_workflowSuite) stage(updates []define.StatusUpdate, name string) *define.StatusUpdate {
	for i := range updates {
		if updates[i].Stage == name {
			return &updates[i]
		}
	}
	return nil
}

func (s *_workflowSuite) TestSmallOrderCompletes() {
	s.start(fastDelays())

	future := s.run("ord_1", &define.OrderPayload{ItemName: "cars", Quantity: 4, TotalCost: 4000})
	s.Nil(s.wait(future))

	s.Equal(define.RuntimeStatusCompleted, future.Instance().RuntimeStatus)
	s.True(s.result(future).Success)

	// approval is skipped for orders at or under $5000
	updates := s.updates(future)
	s.Nil(s.stage(updates, StageApproval))
	stages := []string{}
	for _, u := range updates {
		stages = append(stages, u.Stage)
		s.Equal(define.StageStatusCompleted, u.Status)
		s.NotEmpty(u.CompletedAt)
	}
	s.Equal([]string{StageOrderProcessing, StageInventoryCheck, StagePayment, StageInventoryUpdate}, stages)

	item, err := s.inventory.Get(context.Background(), "cars")
	s.Nil(err)
	s.Equal(6, item.Quantity)

	messages := s.notifier.all()
	s.Contains(messages, "Received order ord_1 for 4 cars at a total cost of 4000")
	s.Contains(messages, "order ord_1 processed successfully!")

	// each operation was recorded exactly once despite the replays
	events, err := s.store.GetHistory(context.Background(), "ord_1")
	s.Nil(err)
	scheduled, timers := 0, 0
	for _, ev := range events {
		switch ev.Kind {
		case define.EventActivityScheduled:
			scheduled++
		case define.EventTimerCreated:
			timers++
		}
	}
	s.Equal(5, scheduled)
	s.Equal(3, timers)
}

func (s *_workflowSuite) TestHighValueOrderApproved() {
	s.start(fastDelays())

	future := s.run("ord_1", &define.OrderPayload{ItemName: "cars", Quantity: 6, TotalCost: 6000})
	// raised before the workflow reaches its wait : the event is buffered
	s.Nil(s.engine.RaiseEvent(context.Background(), "ord_1", define.ApprovalEventName, true))
	s.Nil(s.wait(future))

	s.True(s.result(future).Success)
	approval := s.stage(s.updates(future), StageApproval)
	s.NotNil(approval)
	s.Equal(define.StageStatusCompleted, approval.Status)
	s.Equal("Order approved successfully", approval.Messages[len(approval.Messages)-1].Text)

	item, err := s.inventory.Get(context.Background(), "cars")
	s.Nil(err)
	s.Equal(4, item.Quantity)
}

func (s *_workflowSuite) TestHighValueOrderRejected() {
	s.start(fastDelays())

	future := s.run("ord_1", &define.OrderPayload{ItemName: "cars", Quantity: 6, TotalCost: 6000})
	s.Nil(s.engine.RaiseEvent(context.Background(), "ord_1", define.ApprovalEventName, false))
	s.Nil(s.wait(future))

	s.Equal(define.RuntimeStatusCompleted, future.Instance().RuntimeStatus)
	s.False(s.result(future).Success)

	updates := s.updates(future)
	approval := s.stage(updates, StageApproval)
	s.NotNil(approval)
	s.Equal(define.StageStatusFailed, approval.Status)
	texts := []string{}
	for _, m := range approval.Messages {
		texts = append(texts, m.Text)
	}
	s.Contains(texts, "Order was not approved")

	// the saga stops before payment
	s.Nil(s.stage(updates, StagePayment))
	s.Contains(s.notifier.all(), "Order ord_1 was not approved.")

	item, err := s.inventory.Get(context.Background(), "cars")
	s.Nil(err)
	s.Equal(10, item.Quantity)
}

func (s *_workflowSuite) TestApprovalTimeout() {
	delays := fastDelays()
	delays.ApprovalTimeout = time.Millisecond * 30
	s.start(delays)

	future := s.run("ord_1", &define.OrderPayload{ItemName: "cars", Quantity: 6, TotalCost: 6000})
	s.Nil(s.wait(future))

	s.Equal(define.RuntimeStatusCompleted, future.Instance().RuntimeStatus)
	s.False(s.result(future).Success)

	updates := s.updates(future)
	approval := s.stage(updates, StageApproval)
	s.NotNil(approval)
	s.Equal(define.StageStatusFailed, approval.Status)
	texts := []string{}
	for _, m := range approval.Messages {
		texts = append(texts, m.Text)
	}
	s.Contains(texts, "Approval process timed out")
	s.Nil(s.stage(updates, StagePayment))
	s.Contains(s.notifier.all(), "Order ord_1 has been cancelled due to approval timeout.")

	// a late approval is rejected and changes nothing
	err := s.engine.RaiseEvent(context.Background(), "ord_1", define.ApprovalEventName, true)
	s.Equal(engine.ErrNotRunning, err)
	s.False(s.result(future).Success)

	item, err := s.inventory.Get(context.Background(), "cars")
	s.Nil(err)
	s.Equal(10, item.Quantity)
}

func (s *_workflowSuite) TestInsufficientInventory() {
	s.start(fastDelays())

	future := s.run("ord_1", &define.OrderPayload{ItemName: "cars", Quantity: 100, TotalCost: 4000})
	s.Nil(s.wait(future))

	s.Equal(define.RuntimeStatusCompleted, future.Instance().RuntimeStatus)
	s.False(s.result(future).Success)

	updates := s.updates(future)
	check := s.stage(updates, StageInventoryCheck)
	s.NotNil(check)
	s.Equal(define.StageStatusFailed, check.Status)
	s.Nil(s.stage(updates, StagePayment))
	s.Contains(s.notifier.all(), "Insufficient inventory for order ord_1")
}

func (s *_workflowSuite) TestUnknownItem() {
	s.start(fastDelays())

	future := s.run("ord_1", &define.OrderPayload{ItemName: "boats", Quantity: 1, TotalCost: 100})
	s.Nil(s.wait(future))
	s.False(s.result(future).Success)
}

func (s *_workflowSuite) TestStatusMessagesOnlyGrow() {
	s.start(fastDelays())

	future := s.run("ord_1", &define.OrderPayload{ItemName: "cars", Quantity: 1, TotalCost: 1000})
	s.Nil(s.wait(future))

	// first stage keeps both its messages and its original start time
	updates := s.updates(future)
	first := s.stage(updates, StageOrderProcessing)
	s.NotNil(first)
	s.Len(first.Messages, 2)
	s.Equal("Starting order processing...", first.Messages[0].Text)
	s.Equal(first.Messages[0].Timestamp, first.StartedAt)
	s.NotEmpty(first.CompletedAt)
}
