package order

import (
	"fmt"
	"time"

	"github.com/wfchen/durable/common/errorutil"
	"github.com/wfchen/durable/define"
	"github.com/wfchen/durable/orc/app/engine"
)

// Delays are the pacing timers of the saga. Production uses the defaults;
// tests shrink them so a full run takes milliseconds.
type Delays struct {
	Initial         time.Duration
	PrePayment      time.Duration
	PreUpdate       time.Duration
	ApprovalTimeout time.Duration
}

func DefaultDelays() Delays {
	return Delays{
		Initial:         time.Second * 5,
		PrePayment:      time.Second * 5,
		PreUpdate:       time.Second * 5,
		ApprovalTimeout: time.Second * 30,
	}
}

// Workflow is the order processing saga : notification, inventory check,
// approval of high value orders, payment and inventory update. Every stage
// transition is projected into the instance's custom status.
type Workflow struct {
	delays Delays
}

func NewWorkflow(delays Delays) *Workflow {
	return &Workflow{delays: delays}
}

func (w *Workflow) Register(e *engine.Engine) {
	e.RegisterWorkflow(define.WorkflowTypeOrder, w.Run)
}

func (w *Workflow) Run(ctx *engine.Context) (interface{}, error) {
	order := &define.OrderPayload{}
	if err := ctx.Input(order); err != nil {
		return nil, err
	}
	orderId := ctx.InstanceID()

	status := newStatusTracker()
	addStatus := func(stage string, message string, stageStatus string) {
		doc := status.add(stage, ctx.Now(), message, stageStatus)
		errorutil.PanicIfError(ctx.SetCustomStatus(doc))
	}
	notify := func(message string) error {
		return ctx.CallActivity(ActivityNotify, &define.OrderNotification{Message: message}).Await(nil)
	}

	addStatus(StageOrderProcessing, "Starting order processing...", define.StageStatusRunning)

	if err := ctx.CreateTimer(w.delays.Initial).Await(nil); err != nil {
		return nil, err
	}
	err := notify(fmt.Sprintf("Received order %s for %d %s at a total cost of %v",
		orderId, order.Quantity, order.ItemName, order.TotalCost))
	if err != nil {
		return nil, err
	}
	addStatus(StageOrderProcessing,
		fmt.Sprintf("Order received: %d %s", order.Quantity, order.ItemName),
		define.StageStatusCompleted)

	addStatus(StageInventoryCheck, "Starting inventory verification...", define.StageStatusRunning)
	inventoryRequest := &define.InventoryRequest{
		RequestId: orderId,
		ItemName:  order.ItemName,
		Quantity:  order.Quantity,
	}
	addStatus(StageInventoryCheck,
		fmt.Sprintf("Checking inventory for %d %s", order.Quantity, order.ItemName),
		define.StageStatusRunning)

	inventoryResult := &define.InventoryResult{}
	if err := ctx.CallActivity(ActivityVerifyInventory, inventoryRequest).Await(inventoryResult); err != nil {
		return nil, err
	}
	if !inventoryResult.Success {
		addStatus(StageInventoryCheck,
			fmt.Sprintf("Insufficient inventory for order %s", orderId), define.StageStatusFailed)
		if err := notify(fmt.Sprintf("Insufficient inventory for order %s", orderId)); err != nil {
			return nil, err
		}
		return &define.OrderResult{Success: false}, nil
	}
	addStatus(StageInventoryCheck, "Inventory verification completed successfully", define.StageStatusCompleted)

	if order.TotalCost > 5000 {
		addStatus(StageApproval, "Starting approval process...", define.StageStatusRunning)
		addStatus(StageApproval,
			fmt.Sprintf("Requesting approval for order total: $%v", order.TotalCost),
			define.StageStatusRunning)
		if err := ctx.CallActivity(ActivityRequestApproval, order).Await(nil); err != nil {
			return nil, err
		}

		approvalEvent := ctx.WaitForEvent(define.ApprovalEventName)
		timeoutEvent := ctx.CreateTimer(w.delays.ApprovalTimeout)
		winner := ctx.WhenAny(approvalEvent, timeoutEvent)

		if winner == timeoutEvent {
			addStatus(StageApproval, "Approval process timed out", define.StageStatusFailed)
			err := notify(fmt.Sprintf("Order %s has been cancelled due to approval timeout.", orderId))
			if err != nil {
				return nil, err
			}
			addStatus(StageApproval, "Order failed due to approval timeout", define.StageStatusFailed)
			return &define.OrderResult{Success: false}, nil
		}

		approved := false
		if err := approvalEvent.Await(&approved); err != nil {
			return nil, err
		}
		if !approved {
			addStatus(StageApproval, "Order was not approved", define.StageStatusFailed)
			if err := notify(fmt.Sprintf("Order %s was not approved.", orderId)); err != nil {
				return nil, err
			}
			addStatus(StageApproval, "Order failed due to approval rejection", define.StageStatusFailed)
			return &define.OrderResult{Success: false}, nil
		}
		addStatus(StageApproval, "Order approved successfully", define.StageStatusCompleted)
	}

	addStatus(StagePayment, "Starting payment processing...", define.StageStatusRunning)
	if err := ctx.CreateTimer(w.delays.PrePayment).Await(nil); err != nil {
		return nil, err
	}
	addStatus(StagePayment,
		fmt.Sprintf("Processing payment of $%v", order.TotalCost), define.StageStatusRunning)

	paymentRequest := &define.OrderPaymentRequest{
		RequestId: orderId,
		ItemName:  order.ItemName,
		Amount:    order.TotalCost,
		Quantity:  order.Quantity,
	}
	paid := false
	if err := ctx.CallActivity(ActivityProcessPayment, paymentRequest).Await(&paid); err != nil {
		return nil, err
	}
	if !paid {
		addStatus(StagePayment, "Payment processing failed", define.StageStatusFailed)
		if err := notify(fmt.Sprintf("Payment for order %s failed", orderId)); err != nil {
			return nil, err
		}
		addStatus(StagePayment, "Order failed due to payment failure", define.StageStatusFailed)
		return &define.OrderResult{Success: false}, nil
	}
	addStatus(StagePayment, "Payment processed successfully", define.StageStatusCompleted)

	addStatus(StageInventoryUpdate, "Starting inventory update...", define.StageStatusRunning)
	if err := ctx.CreateTimer(w.delays.PreUpdate).Await(nil); err != nil {
		return nil, err
	}
	addStatus(StageInventoryUpdate,
		fmt.Sprintf("Updating inventory for %d %s", order.Quantity, order.ItemName),
		define.StageStatusRunning)

	updateResult := &define.InventoryResult{}
	if err := ctx.CallActivity(ActivityUpdateInventory, inventoryRequest).Await(updateResult); err != nil {
		return nil, err
	}
	if !updateResult.Success {
		addStatus(StageInventoryUpdate, "Failed to update inventory", define.StageStatusFailed)
		if err := notify(fmt.Sprintf("Failed to update inventory for order %s", orderId)); err != nil {
			return nil, err
		}
		addStatus(StageInventoryUpdate, "Order failed due to inventory update failure", define.StageStatusFailed)
		return &define.OrderResult{Success: false}, nil
	}
	addStatus(StageInventoryUpdate, "Inventory updated successfully", define.StageStatusCompleted)

	if err := notify(fmt.Sprintf("order %s processed successfully!", orderId)); err != nil {
		return nil, err
	}
	return &define.OrderResult{Success: true}, nil
}
