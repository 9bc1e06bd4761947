// Package cache stores upstream responses under content-addressed keys.
package cache

import (
	"context"
	"net/http"
	"time"

	"github.com/ngoyal88/meterproxy/pkg/hash"
)

// DefaultTTL is the validity window of a cached response.
const DefaultTTL = 30 * 24 * time.Hour

// Entry is a stored upstream response. Entries are never modified after
// they are written.
type Entry struct {
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	Body      []byte      `json:"body"`
	CreatedAt time.Time   `json:"created_at"`
}

// Store is a keyed response store with passive expiry. Implementations
// must be safe for concurrent use and keep the first entry written for a
// key until it expires.
type Store interface {
	// Get returns the live entry for key, if any.
	Get(ctx context.Context, key string) (*Entry, bool, error)
	// Put stores e unless a live entry already exists.
	Put(ctx context.Context, key string, e *Entry, ttl time.Duration) error
}

// Key derives the cache key of a request: the path exactly as received
// with the body digest appended as a final segment. Headers and query do
// not participate.
func Key(path string, body []byte) string {
	return path + "/" + hash.Digest(body)
}
