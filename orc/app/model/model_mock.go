package model

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"
	"time"

	"github.com/wfchen/durable/define"
)

// memoryStorage is an in memory Storage, used by tests and as a fallback
// when no database is configured.
type memoryStorage struct {
	sync.RWMutex
	timeout   time.Duration
	instances map[string]*Instance
	histories map[string][]*HistoryEvent
}

func NewMemoryStorage(timeout time.Duration) Storage {
	return &memoryStorage{
		timeout:   timeout,
		instances: make(map[string]*Instance),
		histories: make(map[string][]*HistoryEvent),
	}
}

func (ms *memoryStorage) Timeout() time.Duration {
	return ms.timeout
}

func (ms *memoryStorage) SetTimeout(t time.Duration) {
	ms.timeout = t
}

func deepCopyInstance(in *Instance) *Instance {
	var buffer bytes.Buffer
	if err := gob.NewEncoder(&buffer).Encode(in); err != nil {
		panic(err)
	}
	copied := &Instance{}
	if err := gob.NewDecoder(&buffer).Decode(copied); err != nil {
		panic(err)
	}
	return copied
}

func deepCopyEvents(events []*HistoryEvent) []*HistoryEvent {
	var buffer bytes.Buffer
	if err := gob.NewEncoder(&buffer).Encode(events); err != nil {
		panic(err)
	}
	copied := []*HistoryEvent{}
	if err := gob.NewDecoder(&buffer).Decode(&copied); err != nil {
		panic(err)
	}
	return copied
}

func (ms *memoryStorage) Exist(ctx context.Context, instanceId string) error {
	ms.RLock()
	defer ms.RUnlock()

	_, ok := ms.instances[instanceId]
	if !ok {
		return ErrNotExist
	}
	return nil
}

func (ms *memoryStorage) GetInstance(ctx context.Context, instanceId string) (*Instance, error) {
	ms.RLock()
	defer ms.RUnlock()

	in, ok := ms.instances[instanceId]
	if !ok {
		return nil, ErrNotExist
	}
	return deepCopyInstance(in), nil
}

func (ms *memoryStorage) GetHistory(ctx context.Context, instanceId string) ([]*HistoryEvent, error) {
	ms.RLock()
	defer ms.RUnlock()

	events, ok := ms.histories[instanceId]
	if !ok {
		return []*HistoryEvent{}, nil
	}
	return deepCopyEvents(events), nil
}

func (ms *memoryStorage) CreateInstance(ctx context.Context, in *Instance) error {
	ms.Lock()
	defer ms.Unlock()

	_, ok := ms.instances[in.InstanceId]
	if ok {
		return ErrAlreadyExist
	}
	copied := deepCopyInstance(in)
	copied.Id = int64(len(ms.instances) + 1)
	ms.instances[in.InstanceId] = copied
	return nil
}

func (ms *memoryStorage) AppendEvents(ctx context.Context, instanceId string, events []*HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}

	ms.Lock()
	defer ms.Unlock()

	_, ok := ms.instances[instanceId]
	if !ok {
		return ErrNotExist
	}

	history := ms.histories[instanceId]
	copied := deepCopyEvents(events)
	for i, ev := range copied {
		ev.InstanceId = instanceId
		ev.Sequence = len(history) + 1 + i
		if ev.CreatedTime.IsZero() {
			ev.CreatedTime = time.Now()
		}
	}
	ms.histories[instanceId] = append(history, copied...)

	// surface assigned sequences to the caller, like RETURNING would
	for i := range events {
		events[i].Sequence = copied[i].Sequence
		events[i].CreatedTime = copied[i].CreatedTime
	}
	return nil
}

func (ms *memoryStorage) UpdateInstance(ctx context.Context, in *Instance) error {
	ms.Lock()
	defer ms.Unlock()

	old, ok := ms.instances[in.InstanceId]
	if !ok {
		return ErrNotExist
	}
	ms.update(old, in)
	return nil
}

func (ms *memoryStorage) UpdateInstanceConditions(ctx context.Context, in *Instance, cb func(old *Instance) error) error {
	ms.Lock()
	defer ms.Unlock()

	old, ok := ms.instances[in.InstanceId]
	if !ok {
		return ErrNotExist
	}
	if err := cb(deepCopyInstance(old)); err != nil {
		return err
	}
	ms.update(old, in)
	return nil
}

func (ms *memoryStorage) update(old *Instance, in *Instance) {
	old.RuntimeStatus = in.RuntimeStatus
	old.Output = in.Output
	old.FailureReason = in.FailureReason
	old.CustomStatus = in.CustomStatus
	old.UpdatedTime = time.Now()
}

func (ms *memoryStorage) FindRunning(ctx context.Context, limit int) ([]*Instance, error) {
	ms.RLock()
	defer ms.RUnlock()

	ins := make([]*Instance, 0)
	for _, in := range ms.instances {
		if in.RuntimeStatus != define.RuntimeStatusRunning {
			continue
		}
		ins = append(ins, deepCopyInstance(in))
		if len(ins) >= limit {
			break
		}
	}
	return ins, nil
}
