package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLStore keeps request logs as rows of a gorm-managed table.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) a SQLite database for request logs.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}

	// SQLite allows a single writer; serialize through one connection.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// NewSQLStore migrates the request_logs table on db.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&RequestLog{}); err != nil {
		return nil, fmt.Errorf("migrate request_logs: %w", err)
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

func (s *SQLStore) CreateRequestLog(ctx context.Context, log *RequestLog) error {
	if err := s.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

// FinalizeRequestLog updates the row only while it is still pending.
func (s *SQLStore) FinalizeRequestLog(ctx context.Context, id string, f Final) error {
	res := s.db.WithContext(ctx).Model(&RequestLog{}).
		Where("id = ? AND completion = ?", id, PendingCompletion).
		Updates(map[string]any{
			"status":            f.Status,
			"response_headers":  f.ResponseHeaders,
			"response_body":     f.ResponseBody,
			"cache_hit":         f.CacheHit,
			"streamed":          f.Streamed,
			"prompt_tokens":     f.PromptTokens,
			"completion_tokens": f.CompletionTokens,
			"completion":        f.Completion,
			"completion_id":     f.CompletionID,
			"updated_at":        s.now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("finalize request log: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&RequestLog{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("finalize request log: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrAlreadyFinalized
}

func (s *SQLStore) GetRequestLog(ctx context.Context, id string) (*RequestLog, error) {
	var log RequestLog
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&log).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

func (s *SQLStore) filtered(ctx context.Context, filters LogFilters) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&RequestLog{})
	if filters.UserID != "" {
		q = q.Where("user_id = ?", filters.UserID)
	}
	if filters.Model != "" {
		q = q.Where("model = ?", filters.Model)
	}
	if filters.StatusCode != 0 {
		q = q.Where("status = ?", filters.StatusCode)
	}
	if !filters.From.IsZero() {
		q = q.Where("created_at >= ?", filters.From.UTC())
	}
	if !filters.To.IsZero() {
		q = q.Where("created_at <= ?", filters.To.UTC())
	}
	return q
}

func (s *SQLStore) ListRequestLogs(ctx context.Context, filters LogFilters) ([]*RequestLog, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}

	var logs []*RequestLog
	err := s.filtered(ctx, filters).
		Order("created_at DESC").
		Limit(limit).
		Offset(filters.Offset).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("list request logs: %w", err)
	}
	return logs, nil
}

func (s *SQLStore) GetUsageStats(ctx context.Context, userID string, from, to time.Time) (*UsageStats, error) {
	var logs []*RequestLog
	err := s.filtered(ctx, LogFilters{UserID: userID, From: from, To: to}).
		Select("model", "status", "cache_hit", "streamed", "prompt_tokens", "completion_tokens", "completion").
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("usage stats: %w", err)
	}
	return aggregate(logs), nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
