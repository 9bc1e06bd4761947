package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const redisKeyPrefix = "cache:"

// RedisStore keeps entries as JSON documents with a Redis TTL.
type RedisStore struct {
	rdb *Client
}

func NewRedisStore(rdb *Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	data, err := s.rdb.Get(ctx, redisKeyPrefix+key)
	if errors.Is(err, ErrMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return &e, true, nil
}

// Put uses SET NX so that the first writer for a key wins.
func (s *RedisStore) Put(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if _, err := s.rdb.SetNX(ctx, redisKeyPrefix+key, data, ttl); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}
