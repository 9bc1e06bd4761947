package storage

import (
	"errors"
	"time"
)

// PendingCompletion marks a record whose terminal update has not landed.
const PendingCompletion = "[pending]"

var (
	ErrNotFound         = errors.New("request log not found")
	ErrAlreadyFinalized = errors.New("request log already finalized")
)

// RequestLog is one proxied request end to end. Field names are a stable
// contract for dashboards and billing.
type RequestLog struct {
	ID               string    `json:"id" gorm:"primaryKey;size:36"`
	IP               string    `json:"ip"`
	URL              string    `json:"url"`
	Method           string    `json:"method"`
	Status           int       `json:"status"`
	RequestHeaders   string    `json:"request_headers" gorm:"type:text"`
	RequestBody      string    `json:"request_body" gorm:"type:text"`
	ResponseHeaders  string    `json:"response_headers" gorm:"type:text"`
	ResponseBody     string    `json:"response_body" gorm:"type:text"`
	CacheHit         bool      `json:"cache_hit"`
	Streamed         bool      `json:"streamed"`
	UserID           string    `json:"user_id" gorm:"index"`
	Model            string    `json:"model" gorm:"index"`
	CompletionID     string    `json:"completion_id"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Completion       string    `json:"completion" gorm:"type:text"`
	CreatedAt        time.Time `json:"created_at" gorm:"index"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (RequestLog) TableName() string { return "request_logs" }

// Pending reports whether the terminal update is still missing.
func (l *RequestLog) Pending() bool {
	return l.Completion == PendingCompletion
}

// Final carries the fields written by the terminal update.
type Final struct {
	Status           int
	ResponseHeaders  string
	ResponseBody     string
	CacheHit         bool
	Streamed         bool
	PromptTokens     int
	CompletionTokens int
	Completion       string
	CompletionID     string
}

func (f Final) apply(l *RequestLog, now time.Time) {
	l.Status = f.Status
	l.ResponseHeaders = f.ResponseHeaders
	l.ResponseBody = f.ResponseBody
	l.CacheHit = f.CacheHit
	l.Streamed = f.Streamed
	l.PromptTokens = f.PromptTokens
	l.CompletionTokens = f.CompletionTokens
	l.Completion = f.Completion
	l.CompletionID = f.CompletionID
	l.UpdatedAt = now
}

// LogFilters for querying request logs
type LogFilters struct {
	UserID     string
	From       time.Time
	To         time.Time
	StatusCode int
	Model      string
	Limit      int
	Offset     int
}

// ModelUsage aggregates one model's traffic.
type ModelUsage struct {
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// UsageStats aggregated usage statistics
type UsageStats struct {
	TotalRequests    int64                  `json:"total_requests"`
	CacheHits        int64                  `json:"cache_hits"`
	CacheMisses      int64                  `json:"cache_misses"`
	Streamed         int64                  `json:"streamed"`
	Pending          int64                  `json:"pending"`
	PromptTokens     int64                  `json:"prompt_tokens"`
	CompletionTokens int64                  `json:"completion_tokens"`
	ByModel          map[string]*ModelUsage `json:"by_model"`
	ByStatusCode     map[int]int64          `json:"by_status_code"`
}

func aggregate(logs []*RequestLog) *UsageStats {
	stats := &UsageStats{
		ByModel:      make(map[string]*ModelUsage),
		ByStatusCode: make(map[int]int64),
	}
	for _, l := range logs {
		stats.TotalRequests++
		if l.Pending() {
			stats.Pending++
		}
		if l.CacheHit {
			stats.CacheHits++
		} else {
			stats.CacheMisses++
		}
		if l.Streamed {
			stats.Streamed++
		}
		stats.PromptTokens += int64(l.PromptTokens)
		stats.CompletionTokens += int64(l.CompletionTokens)
		stats.ByStatusCode[l.Status]++

		if l.Model != "" {
			m, ok := stats.ByModel[l.Model]
			if !ok {
				m = &ModelUsage{}
				stats.ByModel[l.Model] = m
			}
			m.Requests++
			m.PromptTokens += int64(l.PromptTokens)
			m.CompletionTokens += int64(l.CompletionTokens)
		}
	}
	return stats
}
