package order

import (
	"context"
	"encoding/json"

	logutil "github.com/wfchen/durable/common/log"
	"github.com/wfchen/durable/define"
	"github.com/wfchen/durable/order/notifier"
	"github.com/wfchen/durable/order/statestore"
	"github.com/wfchen/durable/orc/app/engine"
)

const (
	ActivityNotify          = "notify"
	ActivityVerifyInventory = "verify_inventory"
	ActivityRequestApproval = "request_approval"
	ActivityProcessPayment  = "process_payment"
	ActivityUpdateInventory = "update_inventory"
)

// Activities are the side effecting steps of the order saga. Business
// rejections such as missing stock are successful executions returning a
// negative result; only infrastructure problems surface as activity errors.
type Activities struct {
	store    statestore.Store
	notifier notifier.Notifier
}

func NewActivities(store statestore.Store, notifier notifier.Notifier) *Activities {
	return &Activities{
		store:    store,
		notifier: notifier,
	}
}

func (a *Activities) Register(e *engine.Engine) {
	e.RegisterActivity(ActivityNotify, a.Notify)
	e.RegisterActivity(ActivityVerifyInventory, a.VerifyInventory)
	e.RegisterActivity(ActivityRequestApproval, a.RequestApproval)
	e.RegisterActivity(ActivityProcessPayment, a.ProcessPayment)
	e.RegisterActivity(ActivityUpdateInventory, a.UpdateInventory)
}

func (a *Activities) Notify(ctx context.Context, payload []byte) ([]byte, error) {
	notification := &define.OrderNotification{}
	if err := json.Unmarshal(payload, notification); err != nil {
		return nil, err
	}
	return nil, a.notifier.Notify(ctx, notification)
}

func (a *Activities) VerifyInventory(ctx context.Context, payload []byte) ([]byte, error) {
	request := &define.InventoryRequest{}
	if err := json.Unmarshal(payload, request); err != nil {
		return nil, err
	}
	logger := logutil.Logger(ctx).Sugar()
	logger.Infof("verifying inventory : request(%s), quantity(%d), item(%s)",
		request.RequestId, request.Quantity, request.ItemName)

	item, err := a.store.Get(ctx, request.ItemName)
	if err != nil {
		return nil, err
	}
	if item == nil || item.Quantity < request.Quantity {
		return json.Marshal(&define.InventoryResult{Success: false})
	}

	logger.Infof("inventory in stock : item(%s), quantity(%d)", item.ItemName, item.Quantity)
	return json.Marshal(&define.InventoryResult{Success: true, Item: item})
}

func (a *Activities) RequestApproval(ctx context.Context, payload []byte) ([]byte, error) {
	order := &define.OrderPayload{}
	if err := json.Unmarshal(payload, order); err != nil {
		return nil, err
	}
	logutil.Logger(ctx).Sugar().Infof("requesting approval : item(%s), cost(%v)",
		order.ItemName, order.TotalCost)
	return json.Marshal(true)
}

func (a *Activities) ProcessPayment(ctx context.Context, payload []byte) ([]byte, error) {
	request := &define.OrderPaymentRequest{}
	if err := json.Unmarshal(payload, request); err != nil {
		return nil, err
	}
	logutil.Logger(ctx).Sugar().Infof("payment processed : request(%s), amount(%v), quantity(%d), item(%s)",
		request.RequestId, request.Amount, request.Quantity, request.ItemName)
	return json.Marshal(true)
}

func (a *Activities) UpdateInventory(ctx context.Context, payload []byte) ([]byte, error) {
	request := &define.InventoryRequest{}
	if err := json.Unmarshal(payload, request); err != nil {
		return nil, err
	}
	logger := logutil.Logger(ctx).Sugar()
	logger.Infof("updating inventory : request(%s), quantity(%d), item(%s)",
		request.RequestId, request.Quantity, request.ItemName)

	item, err := a.store.Get(ctx, request.ItemName)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return json.Marshal(&define.InventoryResult{Success: false})
	}

	item.Quantity -= request.Quantity
	if item.Quantity < 0 {
		logger.Infof("insufficient inventory : request(%s), item(%s)", request.RequestId, request.ItemName)
		return json.Marshal(&define.InventoryResult{Success: false})
	}
	if err := a.store.Save(ctx, item); err != nil {
		return nil, err
	}

	logger.Infof("inventory updated : request(%s), item(%s), remaining(%d)",
		request.RequestId, item.ItemName, item.Quantity)
	return json.Marshal(&define.InventoryResult{Success: true, Item: item})
}
