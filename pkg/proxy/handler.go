// Package proxy forwards metered requests to the upstream API, answering
// repeats from the cache and recording every exchange.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/ngoyal88/meterproxy/pkg/ai"
	"github.com/ngoyal88/meterproxy/pkg/apierr"
	"github.com/ngoyal88/meterproxy/pkg/logging"
	"github.com/ngoyal88/meterproxy/pkg/middleware"
	"github.com/ngoyal88/meterproxy/pkg/storage"
	"github.com/ngoyal88/meterproxy/pkg/stream"
)

// DefaultMaxBodyBytes limits inbound request bodies.
const DefaultMaxBodyBytes = 10 << 20

// Options holds optional Handler settings.
type Options struct {
	MaxBodyBytes int64
	// Prices returns USD per 1k tokens by model. It is called on every
	// finalize so pricing changes apply without a restart.
	Prices func() map[string]float64
}

// Handler is the metering proxy endpoint. It expects to run behind
// middleware.Auth.
type Handler struct {
	resolver   *Resolver
	recorder   *storage.Recorder
	accountant *ai.Accountant
	tasks      *Tasks
	opts       Options
	log        *zap.Logger
}

func NewHandler(resolver *Resolver, recorder *storage.Recorder, accountant *ai.Accountant, tasks *Tasks, opts Options, log *zap.Logger) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Prices == nil {
		opts.Prices = func() map[string]float64 { return nil }
	}
	return &Handler{
		resolver:   resolver,
		recorder:   recorder,
		accountant: accountant,
		tasks:      tasks,
		opts:       opts,
		log:        logging.OrNop(log),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		apierr.Write(w, http.StatusMethodNotAllowed, apierr.CodeMethodNotAllowed, "only POST is supported")
		return
	}

	ctx := r.Context()
	log := logging.FromContext(ctx, h.log)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierr.Write(w, http.StatusRequestEntityTooLarge, apierr.CodeBadRequest, "request body too large")
			return
		}
		apierr.Write(w, http.StatusBadRequest, apierr.CodeBadRequest, "could not read request body")
		return
	}
	parsed, _ := ai.ParseRequest(body)
	userID, _ := middleware.UserFromContext(ctx)

	id, err := h.recorder.CreateProvisional(ctx, storage.Meta{
		IP:     clientIP(r),
		URL:    r.URL.RequestURI(),
		Method: r.Method,
		Model:  parsed.Model,
		Header: r.Header,
		Body:   body,
	}, userID)
	if err != nil {
		log.Error("provisional log failed", zap.Error(err))
		apierr.Write(w, http.StatusInternalServerError, apierr.CodeProvisionalLog, "could not record request")
		return
	}
	log = log.With(zap.String("log_id", id))

	resp, err := h.resolver.Resolve(ctx, Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header,
		Body:     body,
		Stream:   parsed.Stream,
	})
	if err != nil {
		log.Error("resolve failed", zap.Error(err))
		apierr.Write(w, http.StatusInternalServerError, apierr.CodeInternal, "could not forward request")
		h.finalize(ctx, id, parsed, storage.Final{Status: http.StatusInternalServerError}, nil)
		return
	}

	if parsed.Stream && (resp.Live() || resp.CacheHit) {
		h.serveStream(ctx, w, id, parsed, resp)
		return
	}
	h.serveBuffered(ctx, w, id, parsed, resp)
}

func (h *Handler) serveBuffered(ctx context.Context, w http.ResponseWriter, id string, req ai.ChatRequest, resp *Response) {
	writeHeader(w, resp.Header, resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		logging.FromContext(ctx, h.log).Info("caller went away before the response was written", zap.Error(err))
	}

	completion := ai.ExtractCompletion(resp.Body)
	h.finalize(ctx, id, req, storage.Final{
		Status:          resp.StatusCode,
		ResponseHeaders: storage.SnapshotHeaders(resp.Header),
		ResponseBody:    string(resp.Body),
		CacheHit:        resp.CacheHit,
		Completion:      completion.Text,
		CompletionID:    completion.ID,
	}, nil)
}

func (h *Handler) serveStream(ctx context.Context, w http.ResponseWriter, id string, req ai.ChatRequest, resp *Response) {
	log := logging.FromContext(ctx, h.log)

	var src io.Reader = bytes.NewReader(resp.Body)
	if resp.Live() {
		defer resp.Stream.Close()
		src = resp.Stream
	}

	writeHeader(w, resp.Header, resp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	acc := stream.NewAccumulator()
	n, err := stream.Copy(w, src, acc)
	switch {
	case errors.Is(err, stream.ErrCallerGone):
		log.Info("caller disconnected mid-stream", zap.Int64("bytes", n))
	case err != nil:
		log.Warn("upstream stream ended with error", zap.Int64("bytes", n), zap.Error(err))
	}
	result := acc.Result()

	var remember func(context.Context)
	if resp.Live() && err == nil {
		remember = func(ctx context.Context) { h.resolver.Remember(ctx, resp, result.Raw) }
	}
	h.finalize(ctx, id, req, storage.Final{
		Status:          resp.StatusCode,
		ResponseHeaders: storage.SnapshotHeaders(resp.Header),
		ResponseBody:    string(result.Raw),
		CacheHit:        resp.CacheHit,
		Streamed:        true,
		Completion:      result.Completion,
		CompletionID:    result.CompletionID,
	}, remember)
}

// finalize schedules the terminal update. before, when set, runs first on
// the same background task.
func (h *Handler) finalize(ctx context.Context, id string, req ai.ChatRequest, f storage.Final, before func(context.Context)) {
	h.tasks.Go(ctx, "finalize", func(ctx context.Context) {
		log := logging.FromContext(ctx, h.log).With(zap.String("log_id", id))
		if before != nil {
			before(ctx)
		}

		prompt, err := h.accountant.CountPrompt(req)
		if err != nil {
			log.Warn("prompt tokens not counted", zap.String("model", req.Model), zap.Error(err))
			prompt = 0
		}
		f.PromptTokens = prompt
		f.CompletionTokens = h.accountant.CountText(f.Completion)

		if err := h.recorder.Finalize(ctx, id, f); err != nil {
			finalizeFailures.Inc()
			log.Error("finalize failed", zap.Error(err))
			return
		}

		promptTokens.Observe(float64(f.PromptTokens))
		completionTokens.Observe(float64(f.CompletionTokens))
		if req.Model != "" && !f.CacheHit {
			cost := ai.EstimateCost(f.PromptTokens+f.CompletionTokens, req.Model, h.opts.Prices())
			estimatedCost.WithLabelValues(req.Model).Add(cost)
		}
	})
}

// hop-by-hop headers are not replayed to the caller.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

func writeHeader(w http.ResponseWriter, header http.Header, status int) {
	dst := w.Header()
	for k, vv := range header {
		if hopHeaders[k] {
			continue
		}
		dst[k] = append([]string(nil), vv...)
	}
	w.WriteHeader(status)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
