package statestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/wfchen/durable/define"
)

const keyPrefix = "inventory:"

type redisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

func (rs *redisStore) Get(ctx context.Context, itemName string) (*define.InventoryItem, error) {
	body, err := rs.client.Get(ctx, keyPrefix+itemName).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get inventory : %v", err)
	}

	item := &define.InventoryItem{}
	if err := json.Unmarshal(body, item); err != nil {
		return nil, fmt.Errorf("decode inventory : %v", err)
	}
	return item, nil
}

func (rs *redisStore) Save(ctx context.Context, item *define.InventoryItem) error {
	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return rs.client.Set(ctx, keyPrefix+item.ItemName, body, 0).Err()
}
