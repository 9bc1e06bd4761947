package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ngoyal88/meterproxy/pkg/ai"
	"github.com/ngoyal88/meterproxy/pkg/cache"
	"github.com/ngoyal88/meterproxy/pkg/hash"
	"github.com/ngoyal88/meterproxy/pkg/keymanager"
	"github.com/ngoyal88/meterproxy/pkg/middleware"
	"github.com/ngoyal88/meterproxy/pkg/storage"
)

const testKey = "mp_test"

// wordTokenizer counts whitespace-separated words.
type wordTokenizer struct{}

func (wordTokenizer) Count(text string) int { return len(strings.Fields(text)) }

type staticIdentity map[string]string

func (s staticIdentity) LookupUser(_ context.Context, keyHash string) (string, error) {
	if u, ok := s[keyHash]; ok {
		return u, nil
	}
	return "", keymanager.ErrKeyNotFound
}

// logStore is an in-memory storage.Store that counts terminal updates.
type logStore struct {
	mu          sync.Mutex
	logs        map[string]*storage.RequestLog
	finalizes   map[string]int
	createErr   error
	finalizeErr error
}

func newLogStore() *logStore {
	return &logStore{logs: make(map[string]*storage.RequestLog), finalizes: make(map[string]int)}
}

func (s *logStore) CreateRequestLog(_ context.Context, l *storage.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	c := *l
	s.logs[l.ID] = &c
	return nil
}

func (s *logStore) FinalizeRequestLog(_ context.Context, id string, f storage.Final) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizes[id]++
	if s.finalizeErr != nil {
		return s.finalizeErr
	}
	l, ok := s.logs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !l.Pending() {
		return storage.ErrAlreadyFinalized
	}
	l.Status = f.Status
	l.ResponseHeaders = f.ResponseHeaders
	l.ResponseBody = f.ResponseBody
	l.CacheHit = f.CacheHit
	l.Streamed = f.Streamed
	l.PromptTokens = f.PromptTokens
	l.CompletionTokens = f.CompletionTokens
	l.Completion = f.Completion
	l.CompletionID = f.CompletionID
	return nil
}

func (s *logStore) GetRequestLog(_ context.Context, id string) (*storage.RequestLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *l
	return &c, nil
}

func (s *logStore) ListRequestLogs(context.Context, storage.LogFilters) ([]*storage.RequestLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*storage.RequestLog, 0, len(s.logs))
	for _, l := range s.logs {
		c := *l
		out = append(out, &c)
	}
	return out, nil
}

func (s *logStore) GetUsageStats(context.Context, string, time.Time, time.Time) (*storage.UsageStats, error) {
	return &storage.UsageStats{}, nil
}

func (s *logStore) Ping(context.Context) error { return nil }

func (s *logStore) all(t *testing.T) []*storage.RequestLog {
	t.Helper()
	logs, _ := s.ListRequestLogs(context.Background(), storage.LogFilters{})
	return logs
}

func (s *logStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

// failingCache returns an error from every call.
type failingCache struct{}

func (failingCache) Get(context.Context, string) (*cache.Entry, bool, error) {
	return nil, false, errors.New("cache unavailable")
}

func (failingCache) Put(context.Context, string, *cache.Entry, time.Duration) error {
	return errors.New("cache unavailable")
}

// countingUpstream wraps a handler and counts the requests it receives.
type countingUpstream struct {
	calls atomic.Int64
	srv   *httptest.Server
}

func newCountingUpstream(t *testing.T, h http.HandlerFunc) *countingUpstream {
	t.Helper()
	u := &countingUpstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		h(w, r)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *countingUpstream) config() UpstreamConfig {
	return UpstreamConfig{
		Scheme:  "http",
		Host:    strings.TrimPrefix(u.srv.URL, "http://"),
		Timeout: 5 * time.Second,
	}
}

type fixture struct {
	store    *logStore
	cache    *cache.MemoryStore
	tasks    *Tasks
	resolver *Resolver
	server   http.Handler
}

func newFixture(t *testing.T, up UpstreamConfig, singleFlight bool) *fixture {
	t.Helper()
	f := &fixture{
		store: newLogStore(),
		cache: cache.NewMemoryStore(),
		tasks: NewTasks(5*time.Second, nil),
	}
	f.resolver = NewResolver(f.cache, NewUpstream(up, nil, nil), ResolverConfig{SingleFlight: singleFlight}, nil)
	handler := NewHandler(
		f.resolver,
		storage.NewRecorder(f.store, 0),
		ai.NewAccountant(wordTokenizer{}, nil),
		f.tasks,
		Options{Prices: func() map[string]float64 { return map[string]float64{"gpt-4": 0.03} }},
		nil,
	)
	identity := staticIdentity{hash.DigestString(testKey): "alice"}
	f.server = middleware.Auth(identity, nil)(handler)
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.APIKeyHeader, "Bearer "+testKey)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}
