package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ngoyal88/meterproxy/pkg/cache"
)

const (
	finalizeRetries  = 3
	defaultRetention = 30 * 24 * time.Hour
	defaultListLimit = 100
	usageScanLimit   = 10000
	timelineIndex    = "logs:timeline"
)

// RedisStore keeps each record as a JSON document with a retention TTL and
// indexes ids in sorted sets scored by creation time in milliseconds.
type RedisStore struct {
	rdb       *cache.Client
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore returns a Redis-backed Store. Zero retention means 30 days.
func NewRedisStore(rdb *cache.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &RedisStore{rdb: rdb, retention: retention, now: time.Now}
}

func logKey(id string) string        { return "log:" + id }
func userIndex(userID string) string { return "logs:user:" + userID }
func modelIndex(model string) string { return "logs:model:" + model }

func score(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// CreateRequestLog stores a provisional log and indexes it.
func (s *RedisStore) CreateRequestLog(ctx context.Context, log *RequestLog) error {
	data, err := json.Marshal(log)
	if err != nil {
		return err
	}

	ok, err := s.rdb.SetNX(ctx, logKey(log.ID), data, s.retention)
	if err != nil {
		return fmt.Errorf("save request log: %w", err)
	}
	if !ok {
		return fmt.Errorf("request log %s already exists", log.ID)
	}

	member := redis.Z{Score: float64(log.CreatedAt.UnixMilli()), Member: log.ID}
	expired := score(s.now().Add(-s.retention))

	indexes := []string{timelineIndex}
	if log.UserID != "" {
		indexes = append(indexes, userIndex(log.UserID))
	}
	if log.Model != "" {
		indexes = append(indexes, modelIndex(log.Model))
	}

	pipe := s.rdb.Redis().Pipeline()
	for _, idx := range indexes {
		pipe.ZAdd(ctx, idx, member)
		pipe.ZRemRangeByScore(ctx, idx, "-inf", "("+expired)
		pipe.Expire(ctx, idx, s.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index request log: %w", err)
	}
	return nil
}

// FinalizeRequestLog rewrites the stored document under WATCH so that only
// one terminal update can succeed.
func (s *RedisStore) FinalizeRequestLog(ctx context.Context, id string, f Final) error {
	key := logKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var log RequestLog
		if err := json.Unmarshal(data, &log); err != nil {
			return fmt.Errorf("decode request log: %w", err)
		}
		if !log.Pending() {
			return ErrAlreadyFinalized
		}
		f.apply(&log, s.now().UTC())

		updated, err := json.Marshal(&log)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, updated, redis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}

	for i := 0; i < finalizeRetries; i++ {
		err := s.rdb.Redis().Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("finalize %s: %w", id, redis.TxFailedErr)
}

// GetRequestLog loads one record. Unknown or expired ids are ErrNotFound.
func (s *RedisStore) GetRequestLog(ctx context.Context, id string) (*RequestLog, error) {
	data, err := s.rdb.Get(ctx, logKey(id))
	if errors.Is(err, cache.ErrMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var log RequestLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("decode request log %s: %w", id, err)
	}
	return &log, nil
}

// ListRequestLogs returns records newest first. The most selective index
// (user, then model, then the global timeline) drives the scan.
func (s *RedisStore) ListRequestLogs(ctx context.Context, filters LogFilters) ([]*RequestLog, error) {
	index := timelineIndex
	switch {
	case filters.UserID != "":
		index = userIndex(filters.UserID)
	case filters.Model != "":
		index = modelIndex(filters.Model)
	}

	lo, hi := "-inf", "+inf"
	if !filters.From.IsZero() {
		lo = score(filters.From)
	}
	if !filters.To.IsZero() {
		hi = score(filters.To)
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	ids, err := s.rdb.Redis().ZRevRangeByScore(ctx, index, &redis.ZRangeBy{
		Min:    lo,
		Max:    hi,
		Offset: int64(filters.Offset),
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	logs := make([]*RequestLog, 0, len(ids))
	for _, id := range ids {
		log, err := s.GetRequestLog(ctx, id)
		if err != nil {
			continue
		}
		if filters.StatusCode != 0 && log.Status != filters.StatusCode {
			continue
		}
		if filters.UserID != "" && filters.Model != "" && log.Model != filters.Model {
			continue
		}
		logs = append(logs, log)
	}

	return logs, nil
}

// GetUsageStats aggregates the user's records in [from, to].
func (s *RedisStore) GetUsageStats(ctx context.Context, userID string, from, to time.Time) (*UsageStats, error) {
	logs, err := s.ListRequestLogs(ctx, LogFilters{
		UserID: userID,
		From:   from,
		To:     to,
		Limit:  usageScanLimit,
	})
	if err != nil {
		return nil, err
	}
	return aggregate(logs), nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Redis().Ping(ctx).Err()
}
