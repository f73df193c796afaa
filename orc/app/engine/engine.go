package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/wfchen/durable/common/errorutil"
	"github.com/wfchen/durable/common/metrics"
	"github.com/wfchen/durable/define"
	"github.com/wfchen/durable/orc/app/model"
)

var (
	ErrAlreadyExists   = errors.New("instance already exists")
	ErrNotExist        = errors.New("instance not exists")
	ErrNotRunning      = errors.New("instance is not running")
	ErrTerminated      = errors.New("instance is terminated")
	ErrEngineClosed    = errors.New("closed")
	ErrUnknownWorkflow = errors.New("unknown workflow")
	ErrUnknownActivity = errors.New("unknown activity")
	ErrNondeterminism  = errors.New("history does not match workflow code")
)

var (
	passTimer     = metrics.NewTimer("durable", "engine_pass", "workflow pass timer", []string{"workflow", "outcome"})
	activityTimer = metrics.NewTimer("durable", "engine_activity", "activity timer", []string{"activity", "ret"})
	instanceGauge = metrics.NewGaugeVec("durable", "engine", "instances", "instance states", []string{"workflow", "status"})
)

// WorkflowFn is workflow code. It must be deterministic : no wall clock, no
// randomness, no I/O except through the Context. It is re-executed from the
// top on every pass.
type WorkflowFn func(ctx *Context) (interface{}, error)

// ActivityFn is activity code. It may do arbitrary I/O; the engine records
// its outcome so it runs at most once per scheduling.
type ActivityFn func(ctx context.Context, payload []byte) ([]byte, error)

type Config struct {
	Store          model.Storage
	MaxConcurrency int
	LockShards     int
	ResumeInterval time.Duration
	ResumeLimit    int
}

type InstanceFuture struct {
	InstanceId string
	errChan    chan error
	instance   *model.Instance
}

func (f *InstanceFuture) Get() <-chan error {
	return f.errChan
}

func (f *InstanceFuture) GetError() error {
	return <-f.errChan
}

// Instance returns the terminal instance record. Valid after Get/GetError
// has yielded.
func (f *InstanceFuture) Instance() *model.Instance {
	return f.instance
}

func (f *InstanceFuture) finish(in *model.Instance, err error) {
	f.instance = in
	select {
	case f.errChan <- err:
	default:
	}
}

// Engine drives workflow instances by event sourcing : every operation a
// workflow performs is appended to its history, and progress is made by
// re-executing the workflow function against that history until it either
// yields on an unresolved await or returns.
type Engine struct {
	mutex      sync.RWMutex
	closed     int32
	wait       sync.WaitGroup
	closeChan  chan struct{}
	jobChan    chan func()
	workflows  map[string]WorkflowFn
	activities map[string]ActivityFn
	locks      []sync.Mutex
	inflight   map[string]struct{}
	futures    map[string][]*InstanceFuture
	cfg        Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.LockShards <= 0 {
		cfg.LockShards = 64
	}
	if cfg.ResumeInterval == time.Duration(0) {
		cfg.ResumeInterval = time.Second * 10
	}
	if cfg.ResumeLimit <= 0 {
		cfg.ResumeLimit = 100
	}
	return &Engine{
		closed:     1,
		workflows:  make(map[string]WorkflowFn),
		activities: make(map[string]ActivityFn),
		locks:      make([]sync.Mutex, cfg.LockShards),
		inflight:   make(map[string]struct{}),
		futures:    make(map[string][]*InstanceFuture),
		cfg:        cfg,
	}
}

// RegisterWorkflow registers workflow code under a name. Call before Start.
func (e *Engine) RegisterWorkflow(name string, fn WorkflowFn) {
	e.workflows[name] = fn
}

// RegisterActivity registers activity code under a name. Call before Start.
func (e *Engine) RegisterActivity(name string, fn ActivityFn) {
	e.activities[name] = fn
}

func (e *Engine) Start() error {
	atomic.StoreInt32(&e.closed, 0)
	e.closeChan = make(chan struct{})
	e.jobChan = make(chan func(), e.cfg.MaxConcurrency*4)

	for i := 0; i < e.cfg.MaxConcurrency; i++ {
		e.wait.Add(1)
		go func() {
			defer e.wait.Done()
			for job := range e.jobChan {
				e.runJob(job)
			}
		}()
	}

	go e.cronjob(e.resume)
	return nil
}

func (e *Engine) Stop() error {
	if atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		close(e.closeChan)
		close(e.jobChan)
		e.wait.Wait()
		e.clearFutures()
	}
	return nil
}

func (e *Engine) isClosed() bool {
	return atomic.LoadInt32(&e.closed) == 1
}

func (e *Engine) runJob(job func()) {
	defer errorutil.Recovery()
	job()
}

func (e *Engine) cronjob(job func() time.Duration) {
	e.wait.Add(1)
	defer e.wait.Done()

	for {
		duration := job()
		select {
		case <-time.After(duration):
		case <-e.closeChan:
			return
		}
	}
}

func (e *Engine) queueJob(job func()) (err error) {
	e.wait.Add(1)
	defer e.wait.Done()

	if e.isClosed() {
		return ErrEngineClosed
	}

	// Stop can close jobChan after the check above; the send then panics
	defer func() {
		if recover() != nil {
			err = ErrEngineClosed
		}
	}()

	select {
	case <-e.closeChan:
		return ErrEngineClosed
	case e.jobChan <- job:
	default:
		// workers enqueue follow-up work; never let them block on a full queue
		e.wait.Add(1)
		go func() {
			defer e.wait.Done()
			e.runJob(job)
		}()
	}
	return nil
}

func (e *Engine) lock(instanceId string) *sync.Mutex {
	return &e.locks[xxhash.Sum64String(instanceId)%uint64(len(e.locks))]
}

// Create starts a new workflow instance. The returned future yields when
// the instance reaches a terminal status.
func (e *Engine) Create(ctx context.Context, workflow string, instanceId string, input interface{}) (*InstanceFuture, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	if _, ok := e.workflows[workflow]; !ok {
		return nil, ErrUnknownWorkflow
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	in := &model.Instance{
		InstanceId:    instanceId,
		Workflow:      workflow,
		RuntimeStatus: define.RuntimeStatusRunning,
		Input:         payload,
		CreatedTime:   now,
		UpdatedTime:   now,
	}
	err = e.cfg.Store.CreateInstance(ctx, in)
	if err != nil {
		if err == model.ErrAlreadyExist {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	instanceGauge.Inc(workflow, define.RuntimeStatusRunning)

	future := e.register(instanceId)
	err = e.queueJob(func() { e.advance(instanceId) })
	if err != nil {
		return nil, err
	}
	return future, nil
}

// RaiseEvent delivers a named external event to a running instance. Events
// for names the workflow is not waiting for yet are buffered in order.
func (e *Engine) RaiseEvent(ctx context.Context, instanceId string, name string, payload interface{}) error {
	if e.isClosed() {
		return ErrEngineClosed
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	lk := e.lock(instanceId)
	lk.Lock()
	err = func() error {
		in, err := e.cfg.Store.GetInstance(ctx, instanceId)
		if err != nil {
			if err == model.ErrNotExist {
				return ErrNotExist
			}
			return err
		}
		if in.Terminal() {
			return ErrNotRunning
		}
		return e.cfg.Store.AppendEvents(ctx, instanceId, []*model.HistoryEvent{{
			Kind:        define.EventExternalEventReceived,
			Name:        name,
			Payload:     body,
			CreatedTime: time.Now(),
		}})
	}()
	lk.Unlock()
	if err != nil {
		return err
	}

	return e.queueJob(func() { e.advance(instanceId) })
}

// Terminate forces a running instance into the TERMINATED status.
func (e *Engine) Terminate(ctx context.Context, instanceId string, reason string) error {
	if e.isClosed() {
		return ErrEngineClosed
	}

	lk := e.lock(instanceId)
	lk.Lock()
	defer lk.Unlock()

	in, err := e.cfg.Store.GetInstance(ctx, instanceId)
	if err != nil {
		if err == model.ErrNotExist {
			return ErrNotExist
		}
		return err
	}
	if in.Terminal() {
		return ErrNotRunning
	}

	in.RuntimeStatus = define.RuntimeStatusTerminated
	in.FailureReason = reason
	err = e.cfg.Store.UpdateInstanceConditions(ctx, in, func(old *model.Instance) error {
		if old.Terminal() {
			return model.ErrNotExpectedState
		}
		return nil
	})
	if err != nil {
		return err
	}
	instanceGauge.Dec(in.Workflow, define.RuntimeStatusRunning)
	instanceGauge.Inc(in.Workflow, define.RuntimeStatusTerminated)
	e.finishFutures(instanceId, in, ErrTerminated)
	return nil
}

// Get returns the current instance record.
func (e *Engine) Get(ctx context.Context, instanceId string) (*model.Instance, error) {
	in, err := e.cfg.Store.GetInstance(ctx, instanceId)
	if err != nil {
		if err == model.ErrNotExist {
			return nil, ErrNotExist
		}
		return nil, err
	}
	return in, nil
}

// Watch returns a future yielding when the instance reaches a terminal
// status, immediately if it already has.
func (e *Engine) Watch(ctx context.Context, instanceId string) (*InstanceFuture, error) {
	if err := e.cfg.Store.Exist(ctx, instanceId); err != nil {
		if err == model.ErrNotExist {
			return nil, ErrNotExist
		}
		return nil, err
	}

	future := e.register(instanceId)
	in, err := e.cfg.Store.GetInstance(ctx, instanceId)
	if err == nil && in.Terminal() {
		e.finishFutures(instanceId, in, terminalError(in))
	}
	return future, nil
}

func terminalError(in *model.Instance) error {
	switch in.RuntimeStatus {
	case define.RuntimeStatusFailed:
		return fmt.Errorf("workflow failed : %s", in.FailureReason)
	case define.RuntimeStatusTerminated:
		return ErrTerminated
	}
	return nil
}

func (e *Engine) register(instanceId string) *InstanceFuture {
	future := &InstanceFuture{
		InstanceId: instanceId,
		errChan:    make(chan error, 1),
	}
	e.mutex.Lock()
	e.futures[instanceId] = append(e.futures[instanceId], future)
	e.mutex.Unlock()
	return future
}

func (e *Engine) finishFutures(instanceId string, in *model.Instance, err error) {
	e.mutex.Lock()
	futures := e.futures[instanceId]
	delete(e.futures, instanceId)
	e.mutex.Unlock()

	for _, f := range futures {
		f.finish(in, err)
	}
}

func (e *Engine) clearFutures() {
	e.mutex.Lock()
	futures := e.futures
	e.futures = make(map[string][]*InstanceFuture)
	e.mutex.Unlock()

	for _, fs := range futures {
		for _, f := range fs {
			f.finish(nil, ErrEngineClosed)
		}
	}
}

func (e *Engine) tryInflight(key string) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	_, ok := e.inflight[key]
	if ok {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Engine) doneInflight(key string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	delete(e.inflight, key)
}
