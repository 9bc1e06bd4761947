// Package storage persists request logs with a two-phase protocol: a
// provisional row before the upstream call and one terminal update after
// the response is known.
package storage

import (
	"context"
	"time"
)

// Store defines the interface for persisting data
type Store interface {
	// CreateRequestLog inserts a new provisional row.
	CreateRequestLog(ctx context.Context, log *RequestLog) error
	// FinalizeRequestLog applies the terminal update to row id. It returns
	// ErrNotFound for unknown ids and ErrAlreadyFinalized if the row is no
	// longer pending.
	FinalizeRequestLog(ctx context.Context, id string, f Final) error

	GetRequestLog(ctx context.Context, id string) (*RequestLog, error)
	ListRequestLogs(ctx context.Context, filters LogFilters) ([]*RequestLog, error)

	// Analytics
	GetUsageStats(ctx context.Context, userID string, from, to time.Time) (*UsageStats, error)

	// Health check
	Ping(ctx context.Context) error
}
