package service

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wfchen/durable/common/errorutil"
	"github.com/wfchen/durable/common/idgenerator"
	logutil "github.com/wfchen/durable/common/log"
	"github.com/wfchen/durable/common/metrics"
	"github.com/wfchen/durable/order"
	"github.com/wfchen/durable/order/notifier"
	"github.com/wfchen/durable/order/statestore"
	"github.com/wfchen/durable/orc/app/engine"
	"github.com/wfchen/durable/orc/app/model"
	"github.com/wfchen/durable/orc/config"
)

var (
	httpHandleTimer = metrics.NewTimer("durable", "http_server", "http handler metrics", []string{"path", "method", "code"})
)

type OrcService struct {
	idGenerator  idgenerator.IdGenerator
	httpServer   *http.Server
	engine       *engine.Engine
	orderService *OrderService
	isClose      int32
}

func NewOrc() *OrcService {
	orc := &OrcService{}
	var err error
	cfg := config.Get()

	orc.idGenerator, err = idgenerator.NewSnowflake(int64(cfg.Node.NodeId), int64(cfg.Node.DataCenterId))
	errorutil.PanicIfError(err)

	store := newStorage(&cfg.Storage)
	orc.engine = engine.NewEngine(engine.Config{
		Store:          store,
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		LockShards:     cfg.Engine.LockShards,
		ResumeInterval: cfg.Engine.ResumeInterval,
		ResumeLimit:    cfg.Engine.ResumeLimit,
	})

	orc.orderService, err = NewOrderService(OrderServiceConfig{
		Delays:             orderDelays(&cfg.Order),
		StartRatePerSecond: cfg.Order.StartRatePerSecond,
		StatusCacheSize:    cfg.Order.StatusCacheSize,
	}, orc.engine, newInventoryStore(&cfg.Inventory), newNotifier(&cfg.Notifier))
	errorutil.PanicIfError(err)

	return orc
}

func newStorage(cfg *config.StorageConfig) model.Storage {
	timeout := cfg.Timeout
	if timeout == time.Duration(0) {
		timeout = time.Second * 3
	}
	if cfg.Driver == "memory" {
		return model.NewMemoryStorage(timeout)
	}
	store, err := model.NewStorage(cfg.Driver, cfg.Dsn, timeout,
		cfg.MaxConnections, cfg.MaxIdleConnections)
	errorutil.PanicIfError(err)
	return store
}

func newInventoryStore(cfg *config.InventoryConfig) statestore.Store {
	if cfg.Driver == "redis" {
		return statestore.NewRedisStore(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDb,
		}))
	}
	return statestore.NewMemoryStore()
}

func newNotifier(cfg *config.NotifierConfig) notifier.Notifier {
	if cfg.Driver == "amqp" {
		n, err := notifier.NewAmqpNotifier(cfg.AmqpUrl, cfg.AmqpQueue)
		errorutil.PanicIfError(err)
		return n
	}
	return notifier.NewLogNotifier()
}

func orderDelays(cfg *config.OrderConfig) order.Delays {
	delays := order.DefaultDelays()
	if cfg.InitialDelay > 0 {
		delays.Initial = cfg.InitialDelay
	}
	if cfg.PrePaymentDelay > 0 {
		delays.PrePayment = cfg.PrePaymentDelay
	}
	if cfg.PreUpdateDelay > 0 {
		delays.PreUpdate = cfg.PreUpdateDelay
	}
	if cfg.ApprovalTimeout > 0 {
		delays.ApprovalTimeout = cfg.ApprovalTimeout
	}
	return delays
}

func (orc *OrcService) Start() error {
	logutil.Logger(context.Background()).Info("start service...")

	errorutil.PanicIfError(orc.engine.Start())

	cfg := config.Get()

	wait := sync.WaitGroup{}
	if len(cfg.HttpListen) > 0 {
		wait.Add(1)
		go errorutil.SafeGoroutine(func() {
			defer wait.Done()
			err := orc.startHttpServer(cfg.HttpListen)
			if err != nil && err != http.ErrServerClosed {
				orc.stop()
			}
		})
	}
	wait.Wait()
	return nil
}

func (orc *OrcService) Stop() error {
	if atomic.CompareAndSwapInt32(&orc.isClose, 0, 1) {
		orc.stop()
	}
	return nil
}

func (orc *OrcService) startHttpServer(listen string) error {
	logutil.Logger(context.Background()).Sugar().Infof("start http server : listen(%v)", listen)

	gin.SetMode(gin.ReleaseMode)
	app := gin.New()
	app.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{"code": "NOT_FOUND", "message": "not found"})
	})

	app.Use(func(c *gin.Context) {
		timer := httpHandleTimer.Timer()
		c.Next()
		timer(c.FullPath(), c.Request.Method, strconv.Itoa(c.Writer.Status()))
	})

	app.Any("/debug/healthcheck", orc.HealthCheck)
	app.GET("/debug/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(app, "debug/pprof")

	orders := app.Group("/orders")
	orders.GET("/new", orc.NewOrderId)
	orders.POST("", orc.orderService.HttpStart)
	orders.GET("/:id/status", orc.orderService.HttpStatus)
	orders.POST("/:id/approval", orc.orderService.HttpApproval)
	orders.DELETE("/:id", orc.orderService.HttpCancel)

	app.POST("/inventory", orc.orderService.HttpSeedInventory)
	app.GET("/inventory/:item", orc.orderService.HttpGetInventory)

	orc.httpServer = &http.Server{
		Addr:    listen,
		Handler: app,
	}
	return orc.httpServer.ListenAndServe()
}

func (orc *OrcService) stopHttpServer() error {
	if orc.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()
		return orc.httpServer.Shutdown(ctx)
	}
	return nil
}

func (orc *OrcService) stop() {
	log := func(msg string, err error) {
		if err != nil {
			logutil.Logger(context.Background()).Sugar().Errorf(msg+", error(%v)", err)
		} else {
			logutil.Logger(context.Background()).Sugar().Info(msg)
		}
	}

	// stop the engine first so outstanding passes settle before the
	// listener goes away
	log("stop engine", orc.engine.Stop())
	log("stop http server", orc.stopHttpServer())
	logutil.Sync()
}

func (orc *OrcService) NewOrderId(c *gin.Context) {
	id, err := orc.idGenerator.NextId()
	if err != nil {
		c.JSON(500, gin.H{"msg": fmt.Sprintf("ERROR : %v", err)})
		return
	}
	c.JSON(200, map[string]string{"id": fmt.Sprintf("ord-%d", id)})
}

func (orc *OrcService) HealthCheck(c *gin.Context) {
	if c.Request.Method == http.MethodGet {
		c.Status(200)
	} else if c.Request.Method == http.MethodDelete {
		_ = orc.Stop()
	}
}
