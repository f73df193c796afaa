package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/ratelimit"

	"github.com/wfchen/durable/define"
	"github.com/wfchen/durable/order"
	"github.com/wfchen/durable/order/notifier"
	"github.com/wfchen/durable/order/statestore"
	"github.com/wfchen/durable/orc/app/engine"
)

type OrderServiceConfig struct {
	Delays             order.Delays
	StartRatePerSecond int
	StatusCacheSize    int
}

// OrderService exposes the order saga over HTTP. Terminal status responses
// are immutable, so they are served from a small LRU cache once seen.
type OrderService struct {
	cfg       OrderServiceConfig
	engine    *engine.Engine
	inventory statestore.Store
	cache     *lru.Cache
	limiter   ratelimit.Limiter
	wait      sync.WaitGroup
}

func NewOrderService(cfg OrderServiceConfig, eng *engine.Engine,
	inventory statestore.Store, notify notifier.Notifier) (*OrderService, error) {

	if cfg.StartRatePerSecond <= 0 {
		cfg.StartRatePerSecond = 100
	}
	if cfg.StatusCacheSize <= 0 {
		cfg.StatusCacheSize = 1024
	}
	cache, err := lru.New(cfg.StatusCacheSize)
	if err != nil {
		return nil, err
	}

	order.NewWorkflow(cfg.Delays).Register(eng)
	order.NewActivities(inventory, notify).Register(eng)

	return &OrderService{
		cfg:       cfg,
		engine:    eng,
		inventory: inventory,
		cache:     cache,
		limiter:   ratelimit.New(cfg.StartRatePerSecond),
	}, nil
}

func validateOrder(order *define.OrderPayload) error {
	if len(order.ItemName) == 0 {
		return errors.New("itemName is required")
	}
	if order.Quantity <= 0 {
		return errors.New("quantity must be positive")
	}
	if order.TotalCost < 0 {
		return errors.New("totalCost must not be negative")
	}
	return nil
}

func (os *OrderService) HttpStart(c *gin.Context) {
	os.wait.Add(1)
	defer os.wait.Done()

	request := &define.StartOrderRequest{}
	if err := c.ShouldBindJSON(request); err != nil {
		c.JSON(http.StatusBadRequest, &define.StartOrderResponse{
			Msg: fmt.Sprintf("ERROR : %v", err),
		})
		return
	}
	if err := validateOrder(&request.Order); err != nil {
		c.JSON(http.StatusBadRequest, &define.StartOrderResponse{
			Id:  request.Id,
			Msg: fmt.Sprintf("ERROR : %v", err),
		})
		return
	}
	if len(request.Id) == 0 {
		request.Id = "ord-" + uuid.New().String()
	}

	os.limiter.Take()

	_, err := os.engine.Create(c.Request.Context(), define.WorkflowTypeOrder, request.Id, &request.Order)
	resp := &define.StartOrderResponse{Id: request.Id}
	if err != nil {
		resp.Msg = fmt.Sprintf("ERROR : %v", err)
	} else {
		resp.RuntimeStatus = define.RuntimeStatusRunning
	}
	c.JSON(toHttpStatusCode(err), resp)
}

func (os *OrderService) HttpApproval(c *gin.Context) {
	os.wait.Add(1)
	defer os.wait.Done()

	id := c.Param("id")
	request := &define.ApprovalRequest{}
	if err := c.ShouldBindJSON(request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"id": id, "msg": fmt.Sprintf("ERROR : %v", err)})
		return
	}

	err := os.engine.RaiseEvent(c.Request.Context(), id, define.ApprovalEventName, request.Approved)
	resp := gin.H{"id": id}
	if err != nil {
		resp["msg"] = fmt.Sprintf("ERROR : %v", err)
	}
	c.JSON(toHttpStatusCode(err), resp)
}

func (os *OrderService) HttpStatus(c *gin.Context) {
	os.wait.Add(1)
	defer os.wait.Done()

	id := c.Param("id")
	if cached, ok := os.cache.Get(id); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	in, err := os.engine.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(toHttpStatusCode(err), &define.OrderStatusResponse{
			Id:  id,
			Msg: fmt.Sprintf("ERROR : %v", err),
		})
		return
	}

	resp := &define.OrderStatusResponse{
		Id:            id,
		RuntimeStatus: in.RuntimeStatus,
		CustomStatus:  in.CustomStatus,
		FailureReason: in.FailureReason,
	}
	updates, err := order.DecodeStatus(in.CustomStatus)
	if err != nil {
		resp.Msg = fmt.Sprintf("ERROR : %v", err)
	}
	resp.Updates = updates

	if in.RuntimeStatus == define.RuntimeStatusCompleted && len(in.Output) > 0 {
		result := &define.OrderResult{}
		if err := json.Unmarshal(in.Output, result); err == nil {
			resp.Output = result
		}
	}

	if in.Terminal() {
		os.cache.Add(id, resp)
	}
	c.JSON(http.StatusOK, resp)
}

func (os *OrderService) HttpCancel(c *gin.Context) {
	os.wait.Add(1)
	defer os.wait.Done()

	id := c.Param("id")
	err := os.engine.Terminate(c.Request.Context(), id, "cancelled by operator")
	resp := gin.H{"id": id}
	if err != nil {
		resp["msg"] = fmt.Sprintf("ERROR : %v", err)
	}
	c.JSON(toHttpStatusCode(err), resp)
}

func (os *OrderService) HttpSeedInventory(c *gin.Context) {
	os.wait.Add(1)
	defer os.wait.Done()

	request := &define.InventorySeedRequest{}
	if err := c.ShouldBindJSON(request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": fmt.Sprintf("ERROR : %v", err)})
		return
	}
	if len(request.ItemName) == 0 || request.Quantity < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "ERROR : invalid item"})
		return
	}

	err := os.inventory.Save(c.Request.Context(), &define.InventoryItem{
		ItemName:    request.ItemName,
		PerItemCost: request.PerItemCost,
		Quantity:    request.Quantity,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"msg": fmt.Sprintf("ERROR : %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"itemName": request.ItemName})
}

func (os *OrderService) HttpGetInventory(c *gin.Context) {
	os.wait.Add(1)
	defer os.wait.Done()

	itemName := c.Param("item")
	item, err := os.inventory.Get(c.Request.Context(), itemName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"msg": fmt.Sprintf("ERROR : %v", err)})
		return
	}
	if item == nil {
		c.JSON(http.StatusNotFound, gin.H{"msg": "ERROR : not found"})
		return
	}
	c.JSON(http.StatusOK, item)
}

func toHttpStatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch {
	case errors.Is(err, engine.ErrAlreadyExists), errors.Is(err, engine.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, engine.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrUnknownWorkflow):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrEngineClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
