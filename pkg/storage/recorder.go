package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxBodySize limits stored request and response bodies.
	DefaultMaxBodySize = 1024 * 1024

	truncatedSuffix = "...[truncated]"
	redacted        = "[redacted]"
)

// credential headers are never written to the log store.
var sensitiveHeaders = []string{"Authorization", "X-Api-Key", "X-Admin-Key", "Cookie", "Proxy-Authorization"}

// Meta describes an accepted inbound request.
type Meta struct {
	IP     string
	URL    string
	Method string
	Model  string
	Header http.Header
	Body   []byte
}

// Recorder drives the two-phase write protocol over a Store.
type Recorder struct {
	store       Store
	maxBodySize int
	now         func() time.Time
	newID       func() string
}

// NewRecorder returns a Recorder. maxBodySize <= 0 uses DefaultMaxBodySize.
func NewRecorder(store Store, maxBodySize int) *Recorder {
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}
	return &Recorder{
		store:       store,
		maxBodySize: maxBodySize,
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}
}

// CreateProvisional writes the placeholder row for a request and returns
// its id, the join key for Finalize.
func (r *Recorder) CreateProvisional(ctx context.Context, meta Meta, userID string) (string, error) {
	now := r.now().UTC()
	log := &RequestLog{
		ID:             r.newID(),
		IP:             meta.IP,
		URL:            meta.URL,
		Method:         meta.Method,
		RequestHeaders: SnapshotHeaders(meta.Header),
		RequestBody:    r.truncate(string(meta.Body)),
		UserID:         userID,
		Model:          meta.Model,
		Completion:     PendingCompletion,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.CreateRequestLog(ctx, log); err != nil {
		return "", fmt.Errorf("create provisional log: %w", err)
	}
	return log.ID, nil
}

// Finalize applies the terminal update to the row created for id.
func (r *Recorder) Finalize(ctx context.Context, id string, f Final) error {
	f.ResponseBody = r.truncate(f.ResponseBody)
	if err := r.store.FinalizeRequestLog(ctx, id, f); err != nil {
		return fmt.Errorf("finalize log %s: %w", id, err)
	}
	return nil
}

func (r *Recorder) truncate(s string) string {
	if len(s) > r.maxBodySize {
		return s[:r.maxBodySize] + truncatedSuffix
	}
	return s
}

// SnapshotHeaders renders headers as JSON with credentials redacted.
func SnapshotHeaders(h http.Header) string {
	if len(h) == 0 {
		return "{}"
	}
	c := h.Clone()
	for _, name := range sensitiveHeaders {
		if _, ok := c[name]; ok {
			c[name] = []string{redacted}
		}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}
