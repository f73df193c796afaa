package statestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wfchen/durable/define"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	item, err := store.Get(ctx, "cars")
	assert.Nil(t, err)
	assert.Nil(t, item)

	assert.Nil(t, store.Save(ctx, &define.InventoryItem{
		ItemName:    "cars",
		PerItemCost: 5000,
		Quantity:    10,
	}))

	item, err = store.Get(ctx, "cars")
	assert.Nil(t, err)
	assert.Equal(t, 10, item.Quantity)

	// the returned item is a copy
	item.Quantity = 0
	again, err := store.Get(ctx, "cars")
	assert.Nil(t, err)
	assert.Equal(t, 10, again.Quantity)
}
