// Package statestore holds the inventory state the order saga's activities
// check and decrement.
package statestore

import (
	"context"

	"github.com/wfchen/durable/define"
)

// Store is keyed by item name. Get returns (nil, nil) for an unknown item.
type Store interface {
	Get(ctx context.Context, itemName string) (*define.InventoryItem, error)
	Save(ctx context.Context, item *define.InventoryItem) error
}
