package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ngoyal88/meterproxy/pkg/logging"
)

// ErrUpstreamTransport marks failures where no upstream response exists.
var ErrUpstreamTransport = errors.New("upstream transport failure")

// forwarded lists the only inbound headers sent upstream.
var forwarded = []string{"Content-Type", "Authorization", "X-Api-Key"}

// UpstreamConfig describes the single upstream API.
type UpstreamConfig struct {
	Scheme string
	Host   string
	// APIKey, when set, replaces the inbound Authorization header.
	APIKey string
	// Timeout bounds a whole exchange including the streamed body.
	Timeout     time.Duration
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Upstream sends narrowed requests to the upstream API through a circuit
// breaker.
type Upstream struct {
	scheme  string
	host    string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// NewUpstream builds an Upstream. A nil client uses a fresh http.Client
// with cfg.Timeout.
func NewUpstream(cfg UpstreamConfig, client *http.Client, log *zap.Logger) *Upstream {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	log = logging.OrNop(log)

	maxFailures := cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    fmt.Sprintf("upstream-%s", cfg.Host),
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		// Callers hanging up are not upstream failures.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Upstream{
		scheme:  cfg.Scheme,
		host:    cfg.Host,
		apiKey:  cfg.APIKey,
		client:  client,
		breaker: cb,
		log:     log,
	}
}

// URL returns the upstream address for an inbound path and query.
func (u *Upstream) URL(path, rawQuery string) string {
	target := url.URL{Scheme: u.scheme, Host: u.host, Path: path, RawQuery: rawQuery}
	return target.String()
}

// Do forwards req and returns the live upstream response. Errors wrapping
// ErrUpstreamTransport mean no response was obtained; any other error means
// the request could not be built.
func (u *Upstream) Do(ctx context.Context, req Request) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.URL(req.Path, req.RawQuery), bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for _, name := range forwarded {
		if v := req.Header.Values(name); len(v) > 0 {
			httpReq.Header[name] = append([]string(nil), v...)
		}
	}
	if u.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+u.apiKey)
	}

	start := time.Now()
	out, err := u.breaker.Execute(func() (interface{}, error) {
		return u.client.Do(httpReq)
	})
	upstreamLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		upstreamFailures.Inc()
		logging.FromContext(ctx, u.log).Warn("upstream request failed",
			zap.String("url", httpReq.URL.String()),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUpstreamTransport, err)
	}
	return out.(*http.Response), nil
}

// State reports the breaker state for health endpoints.
func (u *Upstream) State() gobreaker.State {
	return u.breaker.State()
}
