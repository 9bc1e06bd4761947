package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ngoyal88/meterproxy/pkg/apierr"
	"github.com/ngoyal88/meterproxy/pkg/cache"
	"github.com/ngoyal88/meterproxy/pkg/logging"
)

// CacheControl is attached to every response stored in the cache.
const CacheControl = "public, max-age=2592000"

// Request is the part of an inbound request the resolver needs.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	Stream   bool
}

// Response is a resolved answer. Exactly one of Body or Stream carries the
// payload: Stream is set only for a live upstream response to a streamed
// request and must be closed by the caller.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
	CacheHit   bool

	key string
}

// Live reports whether the payload still has to be read from upstream.
func (r *Response) Live() bool { return r.Stream != nil }

func (r *Response) cacheable() bool {
	return r.key != "" && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r *Response) clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	return &c
}

// ResolverConfig tunes the cache policy.
type ResolverConfig struct {
	TTL          time.Duration
	SingleFlight bool
}

// Resolver answers requests from the cache or the upstream.
type Resolver struct {
	cache    cache.Store
	upstream *Upstream
	ttl      time.Duration
	group    *singleflight.Group
	log      *zap.Logger
}

// NewResolver returns a Resolver. A nil store disables caching.
func NewResolver(store cache.Store, upstream *Upstream, cfg ResolverConfig, log *zap.Logger) *Resolver {
	if cfg.TTL <= 0 {
		cfg.TTL = cache.DefaultTTL
	}
	r := &Resolver{
		cache:    store,
		upstream: upstream,
		ttl:      cfg.TTL,
		log:      logging.OrNop(log),
	}
	if cfg.SingleFlight {
		r.group = &singleflight.Group{}
	}
	return r
}

// Resolve returns the cached response for req or fetches it upstream.
// Transport failures become a synthetic 500 response, never an error.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Response, error) {
	key := cache.Key(req.Path, req.Body)
	log := logging.FromContext(ctx, r.log)

	if r.cache != nil {
		entry, ok, err := r.cache.Get(ctx, key)
		if err != nil {
			log.Warn("cache lookup failed, treating as miss", zap.String("key", key), zap.Error(err))
		}
		if ok {
			cacheHits.Inc()
			return &Response{
				StatusCode: entry.Status,
				Header:     entry.Header.Clone(),
				Body:       entry.Body,
				CacheHit:   true,
			}, nil
		}
	}
	cacheMisses.Inc()

	if req.Stream {
		return r.open(ctx, key, req)
	}
	if r.group == nil {
		return r.fetch(ctx, key, req)
	}

	leader := false
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		leader = true
		return r.fetch(context.WithoutCancel(ctx), key, req)
	})
	if err != nil {
		return nil, err
	}
	resp := v.(*Response).clone()
	if !leader && r.cache != nil && resp.cacheable() {
		// Followers of a cacheable fetch are served what the cache now
		// holds. Uncached replies stay misses for every caller.
		resp.CacheHit = true
	}
	return resp, nil
}

// open starts a streamed upstream exchange.
func (r *Resolver) open(ctx context.Context, key string, req Request) (*Response, error) {
	up, err := r.upstream.Do(ctx, req)
	if err != nil {
		return transportFailure(err)
	}
	resp := &Response{
		StatusCode: up.StatusCode,
		Header:     up.Header.Clone(),
		Stream:     up.Body,
		key:        key,
	}
	if resp.cacheable() {
		resp.Header.Set("Cache-Control", CacheControl)
	}
	return resp, nil
}

// fetch performs a buffered upstream exchange and stores successful
// responses before returning them.
func (r *Resolver) fetch(ctx context.Context, key string, req Request) (*Response, error) {
	up, err := r.upstream.Do(ctx, req)
	if err != nil {
		return transportFailure(err)
	}
	defer up.Body.Close()

	body, err := io.ReadAll(up.Body)
	if err != nil {
		upstreamFailures.Inc()
		return transportFailure(fmt.Errorf("%w: read body: %v", ErrUpstreamTransport, err))
	}

	resp := &Response{
		StatusCode: up.StatusCode,
		Header:     up.Header.Clone(),
		Body:       body,
		key:        key,
	}
	if resp.cacheable() {
		resp.Header.Set("Cache-Control", CacheControl)
		r.store(ctx, key, resp.StatusCode, resp.Header, body)
	}
	return resp, nil
}

// Remember stores the fully read body of a live streamed response. Only
// successful responses are kept.
func (r *Resolver) Remember(ctx context.Context, resp *Response, raw []byte) {
	if !resp.cacheable() {
		return
	}
	r.store(ctx, resp.key, resp.StatusCode, resp.Header, raw)
}

func (r *Resolver) store(ctx context.Context, key string, status int, header http.Header, body []byte) {
	if r.cache == nil {
		return
	}
	entry := &cache.Entry{
		Status:    status,
		Header:    header.Clone(),
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.cache.Put(ctx, key, entry, r.ttl); err != nil {
		logging.FromContext(ctx, r.log).Error("cache store failed", zap.String("key", key), zap.Error(err))
	}
}

// transportFailure converts upstream transport errors into the synthetic
// 500 response; other errors are returned as is.
func transportFailure(err error) (*Response, error) {
	if !errors.Is(err, ErrUpstreamTransport) {
		return nil, err
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &Response{
		StatusCode: http.StatusInternalServerError,
		Header:     h,
		Body:       apierr.Marshal(apierr.CodeUpstreamTransport, err.Error()),
	}, nil
}
