package statestore

import (
	"context"
	"sync"

	"github.com/wfchen/durable/define"
)

// memoryStore backs tests and single node deployments without redis.
type memoryStore struct {
	sync.RWMutex
	items map[string]define.InventoryItem
}

func NewMemoryStore() Store {
	return &memoryStore{
		items: make(map[string]define.InventoryItem),
	}
}

func (ms *memoryStore) Get(ctx context.Context, itemName string) (*define.InventoryItem, error) {
	ms.RLock()
	defer ms.RUnlock()

	item, ok := ms.items[itemName]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (ms *memoryStore) Save(ctx context.Context, item *define.InventoryItem) error {
	ms.Lock()
	defer ms.Unlock()

	ms.items[item.ItemName] = *item
	return nil
}
