package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ngoyal88/meterproxy/pkg/apierr"
	"github.com/ngoyal88/meterproxy/pkg/storage"
)

const chatBody = `{"model":"gpt-4-0613","messages":[{"role":"user","content":"hi"}]}`

const chatResponse = `{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Hello"}}]}`

func chatUpstream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, chatResponse)
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var b apierr.Body
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("error body %q: %v", rec.Body.String(), err)
	}
	return b.Error
}

func TestBufferedMissThenHit(t *testing.T) {
	up := newCountingUpstream(t, chatUpstream)
	f := newFixture(t, up.config(), true)

	first := f.do(http.MethodPost, "/v1/chat/completions", chatBody)
	second := f.do(http.MethodPost, "/v1/chat/completions", chatBody)
	f.tasks.Wait()

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("status = %d / %d", first.Code, second.Code)
	}
	if first.Body.String() != chatResponse || second.Body.String() != chatResponse {
		t.Fatalf("bodies = %q / %q", first.Body.String(), second.Body.String())
	}
	if got := first.Header().Get("Cache-Control"); got != CacheControl {
		t.Fatalf("Cache-Control = %q", got)
	}
	if got := second.Header().Get("Cache-Control"); got != CacheControl {
		t.Fatalf("replayed Cache-Control = %q", got)
	}
	if n := up.calls.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}

	logs := f.store.all(t)
	if len(logs) != 2 {
		t.Fatalf("rows = %d, want 2", len(logs))
	}
	hits := 0
	for _, l := range logs {
		if l.Pending() {
			t.Fatalf("row %s still pending", l.ID)
		}
		if l.Status != 200 || l.UserID != "alice" || l.Model != "gpt-4-0613" || l.Streamed {
			t.Fatalf("row = %+v", l)
		}
		if l.PromptTokens != 8 || l.CompletionTokens != 1 {
			t.Fatalf("tokens = %d/%d, want 8/1", l.PromptTokens, l.CompletionTokens)
		}
		if l.Completion != "Hello" || l.CompletionID != "chatcmpl-1" {
			t.Fatalf("completion = %q id %q", l.Completion, l.CompletionID)
		}
		if l.CacheHit {
			hits++
		}
		if f.store.finalizes[l.ID] != 1 {
			t.Fatalf("row %s finalized %d times", l.ID, f.store.finalizes[l.ID])
		}
	}
	if hits != 1 {
		t.Fatalf("cache hits = %d, want 1", hits)
	}
}

func TestDistinctBodiesMissSeparately(t *testing.T) {
	up := newCountingUpstream(t, chatUpstream)
	f := newFixture(t, up.config(), true)

	f.do(http.MethodPost, "/v1/chat/completions", chatBody)
	f.do(http.MethodPost, "/v1/chat/completions", strings.Replace(chatBody, "hi", "hello", 1))
	f.tasks.Wait()

	if n := up.calls.Load(); n != 2 {
		t.Fatalf("upstream calls = %d, want 2", n)
	}
	if f.cache.Len() != 2 {
		t.Fatalf("cache entries = %d, want 2", f.cache.Len())
	}
}

var sseFrames = []string{
	`data: {"id":"chatcmpl-9","choices":[{"delta":{"role":"assistant"}}]}` + "\n\n",
	`data: {"id":"chatcmpl-9","choices":[{"delta":{"content":"Hello"}}]}` + "\n\n",
	`data: {"id":"chatcmpl-9","choices":[{"delta":{"content":" world"}}]}` + "\n\n",
	"data: [DONE]\n\n",
}

func sseUpstream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	fl := w.(http.Flusher)
	for _, frame := range sseFrames {
		// split each frame to exercise fragment handling
		mid := len(frame) / 2
		io.WriteString(w, frame[:mid])
		fl.Flush()
		io.WriteString(w, frame[mid:])
		fl.Flush()
	}
}

func TestStreamingPassthroughAndReplay(t *testing.T) {
	up := newCountingUpstream(t, sseUpstream)
	f := newFixture(t, up.config(), true)
	body := `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	want := strings.Join(sseFrames, "")

	first := f.do(http.MethodPost, "/v1/chat/completions", body)
	f.tasks.Wait()
	second := f.do(http.MethodPost, "/v1/chat/completions", body)
	f.tasks.Wait()

	if first.Body.String() != want {
		t.Fatalf("relayed stream = %q", first.Body.String())
	}
	if second.Body.String() != want {
		t.Fatalf("replayed stream = %q", second.Body.String())
	}
	if !first.Flushed {
		t.Fatal("stream was not flushed")
	}
	if ct := second.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("replayed Content-Type = %q", ct)
	}
	if n := up.calls.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}

	for _, l := range f.store.all(t) {
		if !l.Streamed || l.Completion != "Hello world" || l.CompletionID != "chatcmpl-9" {
			t.Fatalf("row = %+v", l)
		}
		if l.ResponseBody != want {
			t.Fatalf("stored stream = %q", l.ResponseBody)
		}
		if l.CompletionTokens != 2 {
			t.Fatalf("completion tokens = %d, want 2", l.CompletionTokens)
		}
	}
}

// brokenWriter accepts a fixed number of writes and then fails.
type brokenWriter struct {
	*httptest.ResponseRecorder
	left  int
	wrote chan struct{}
}

func (w *brokenWriter) Write(b []byte) (int, error) {
	if w.left == 0 {
		return 0, errors.New("broken pipe")
	}
	w.left--
	n, err := w.ResponseRecorder.Write(b)
	if w.left == 0 {
		close(w.wrote)
	}
	return n, err
}

func TestStreamingTokenIDPrompt(t *testing.T) {
	frames := []string{
		`data: {"id":"cmpl-7","object":"text_completion","choices":[{"text":"Once","index":0}]}` + "\n\n",
		`data: {"id":"cmpl-7","object":"text_completion","choices":[{"text":" upon","index":0}]}` + "\n\n",
		"data: [DONE]\n\n",
	}
	up := newCountingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			io.WriteString(w, frame)
			w.(http.Flusher).Flush()
		}
	})
	f := newFixture(t, up.config(), true)

	rec := f.do(http.MethodPost, "/v1/completions", `{"model":"gpt-3.5-turbo-instruct","prompt":[1734,374],"stream":true}`)
	f.tasks.Wait()

	want := strings.Join(frames, "")
	if rec.Code != http.StatusOK || rec.Body.String() != want {
		t.Fatalf("status %d body %q", rec.Code, rec.Body.String())
	}
	if !rec.Flushed {
		t.Fatal("stream was not flushed")
	}
	logs := f.store.all(t)
	if len(logs) != 1 {
		t.Fatalf("rows = %d, want 1", len(logs))
	}
	l := logs[0]
	if !l.Streamed || l.Model != "gpt-3.5-turbo-instruct" {
		t.Fatalf("streamed=%v model=%q", l.Streamed, l.Model)
	}
	if l.Completion != "Once upon" || l.CompletionID != "cmpl-7" {
		t.Fatalf("completion = %q id %q", l.Completion, l.CompletionID)
	}
	if l.PromptTokens != 2 || l.CompletionTokens != 2 {
		t.Fatalf("tokens = %d/%d, want 2/2", l.PromptTokens, l.CompletionTokens)
	}
}

func TestStreamingCallerDisconnect(t *testing.T) {
	release := make(chan struct{})
	up := newCountingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseFrames[1])
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
		io.WriteString(w, sseFrames[2])
	})
	f := newFixture(t, up.config(), true)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("X-Api-Key", "Bearer "+testKey)
	w := &brokenWriter{ResponseRecorder: httptest.NewRecorder(), left: 1, wrote: make(chan struct{})}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.server.ServeHTTP(w, req)
	}()

	// The first frame reaches the caller; the next write fails once the
	// upstream sends more.
	select {
	case <-w.wrote:
	case <-time.After(5 * time.Second):
		t.Fatal("first frame never relayed")
	}
	close(release)
	<-done
	f.tasks.Wait()

	if !strings.Contains(w.Body.String(), "Hello") {
		t.Fatalf("caller received %q", w.Body.String())
	}
	logs := f.store.all(t)
	if len(logs) != 1 {
		t.Fatalf("rows = %d", len(logs))
	}
	// Whatever upstream delivered before the failed write is accounted.
	if l := logs[0]; l.Pending() || !strings.HasPrefix(l.Completion, "Hello") || !l.Streamed {
		t.Fatalf("row = %+v", l)
	}
	if f.cache.Len() != 0 {
		t.Fatal("interrupted stream was cached")
	}
}

func TestRejectedRequestsAreNotRecorded(t *testing.T) {
	up := newCountingUpstream(t, chatUpstream)
	f := newFixture(t, up.config(), true)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatBody))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != apierr.CodeAuthMissing {
		t.Fatalf("missing key: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatBody))
	req.Header.Set("X-Api-Key", "Bearer mp_wrong")
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != apierr.CodeAuthUnknown {
		t.Fatalf("unknown key: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusMethodNotAllowed || errorCode(t, rec) != apierr.CodeMethodNotAllowed {
		t.Fatalf("GET: %d %s", rec.Code, rec.Body.String())
	}

	f.tasks.Wait()
	if f.store.count() != 0 || up.calls.Load() != 0 {
		t.Fatalf("rows = %d, upstream calls = %d", f.store.count(), up.calls.Load())
	}
}

func TestProvisionalFailureStopsBeforeUpstream(t *testing.T) {
	up := newCountingUpstream(t, chatUpstream)
	f := newFixture(t, up.config(), true)
	f.store.createErr = errors.New("database is locked")

	rec := f.do(http.MethodPost, "/v1/chat/completions", chatBody)
	if rec.Code != http.StatusInternalServerError || errorCode(t, rec) != apierr.CodeProvisionalLog {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	if up.calls.Load() != 0 {
		t.Fatal("upstream called without a provisional record")
	}
}

func TestUpstreamDown(t *testing.T) {
	up := newCountingUpstream(t, chatUpstream)
	cfg := up.config()
	up.srv.Close()
	f := newFixture(t, cfg, true)

	rec := f.do(http.MethodPost, "/v1/chat/completions", chatBody)
	f.tasks.Wait()

	if rec.Code != http.StatusInternalServerError || errorCode(t, rec) != apierr.CodeUpstreamTransport {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	if f.cache.Len() != 0 {
		t.Fatal("transport failure was cached")
	}
	logs := f.store.all(t)
	if len(logs) != 1 || logs[0].Status != http.StatusInternalServerError || logs[0].Pending() {
		t.Fatalf("rows = %+v", logs)
	}
}

func TestUpstreamErrorsPassThroughUncached(t *testing.T) {
	up := newCountingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"slow down"}}`)
	})
	f := newFixture(t, up.config(), true)

	for i := 0; i < 2; i++ {
		rec := f.do(http.MethodPost, "/v1/chat/completions", chatBody)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d", rec.Code)
		}
		if rec.Header().Get("Cache-Control") != "" {
			t.Fatal("error response marked cacheable")
		}
	}
	f.tasks.Wait()
	if up.calls.Load() != 2 {
		t.Fatalf("upstream calls = %d, want 2", up.calls.Load())
	}
}

func TestConcurrentRequestsFinalizeTheirOwnRow(t *testing.T) {
	up := newCountingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"c","choices":[{"message":{"role":"assistant","content":"echo %s"}}]}`, req.Messages[0].Content)
	})
	f := newFixture(t, up.config(), true)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.do(http.MethodPost, "/v1/chat/completions",
				fmt.Sprintf(`{"model":"gpt-4","messages":[{"role":"user","content":"q%d"}]}`, i))
		}(i)
	}
	wg.Wait()
	f.tasks.Wait()

	logs := f.store.all(t)
	if len(logs) != n {
		t.Fatalf("rows = %d, want %d", len(logs), n)
	}
	for _, l := range logs {
		if f.store.finalizes[l.ID] != 1 {
			t.Fatalf("row %s finalized %d times", l.ID, f.store.finalizes[l.ID])
		}
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.Unmarshal([]byte(l.RequestBody), &req); err != nil {
			t.Fatalf("request body: %v", err)
		}
		if want := "echo " + req.Messages[0].Content; l.Completion != want {
			t.Fatalf("row %s completion = %q, want %q", l.ID, l.Completion, want)
		}
	}
}

func TestFinalizeFailureLeavesPending(t *testing.T) {
	up := newCountingUpstream(t, chatUpstream)
	f := newFixture(t, up.config(), true)
	f.store.finalizeErr = errors.New("connection reset")

	rec := f.do(http.MethodPost, "/v1/chat/completions", chatBody)
	f.tasks.Wait()

	if rec.Code != http.StatusOK || rec.Body.String() != chatResponse {
		t.Fatalf("caller saw %d %q", rec.Code, rec.Body.String())
	}
	logs := f.store.all(t)
	if len(logs) != 1 || !logs[0].Pending() || logs[0].Completion != storage.PendingCompletion {
		t.Fatalf("rows = %+v", logs)
	}
}

func TestSingleFlightCollapsesIdenticalMisses(t *testing.T) {
	release := make(chan struct{})
	up := newCountingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		chatUpstream(w, r)
	})
	f := newFixture(t, up.config(), true)

	const n = 5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.do(http.MethodPost, "/v1/chat/completions", chatBody)
		}()
	}

	deadline := time.After(5 * time.Second)
	for f.store.count() < n || up.calls.Load() < 1 {
		select {
		case <-deadline:
			t.Fatal("requests never reached the resolver")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	f.tasks.Wait()

	if got := up.calls.Load(); got != 1 {
		t.Fatalf("upstream calls = %d, want 1", got)
	}
	misses := 0
	for _, l := range f.store.all(t) {
		if !l.CacheHit {
			misses++
		}
		if l.Completion != "Hello" {
			t.Fatalf("row = %+v", l)
		}
	}
	if misses != 1 {
		t.Fatalf("misses = %d, want 1", misses)
	}
}

func TestSingleFlightUncachedRepliesAreMisses(t *testing.T) {
	release := make(chan struct{})
	up := newCountingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"slow down"}}`)
	})
	f := newFixture(t, up.config(), true)

	const n = 4
	var wg sync.WaitGroup
	codes := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- f.do(http.MethodPost, "/v1/chat/completions", chatBody).Code
		}()
	}

	deadline := time.After(5 * time.Second)
	for f.store.count() < n || up.calls.Load() < 1 {
		select {
		case <-deadline:
			t.Fatal("requests never reached the resolver")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	f.tasks.Wait()
	close(codes)

	for code := range codes {
		if code != http.StatusTooManyRequests {
			t.Fatalf("status = %d, want 429", code)
		}
	}
	if f.cache.Len() != 0 {
		t.Fatalf("cache entries = %d, want 0", f.cache.Len())
	}
	logs := f.store.all(t)
	if len(logs) != n {
		t.Fatalf("rows = %d, want %d", len(logs), n)
	}
	for _, l := range logs {
		if l.CacheHit || l.Status != http.StatusTooManyRequests {
			t.Fatalf("row %s: status=%d cache_hit=%v", l.ID, l.Status, l.CacheHit)
		}
	}
}

func TestSingleFlightTransportFailureIsMiss(t *testing.T) {
	up := newCountingUpstream(t, chatUpstream)
	cfg := up.config()
	up.srv.Close()
	f := newFixture(t, cfg, true)

	const n = 4
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.do(http.MethodPost, "/v1/chat/completions", chatBody)
		}()
	}
	wg.Wait()
	f.tasks.Wait()

	for _, l := range f.store.all(t) {
		if l.CacheHit || l.Status != http.StatusInternalServerError {
			t.Fatalf("row %s: status=%d cache_hit=%v", l.ID, l.Status, l.CacheHit)
		}
	}
}

func TestNonJSONBodyIsProxied(t *testing.T) {
	up := newCountingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Write(b)
	})
	f := newFixture(t, up.config(), true)

	rec := f.do(http.MethodPost, "/v1/echo", "plain text")
	f.tasks.Wait()
	if rec.Code != http.StatusOK || rec.Body.String() != "plain text" {
		t.Fatalf("status %d body %q", rec.Code, rec.Body.String())
	}
	logs := f.store.all(t)
	if len(logs) != 1 || logs[0].Pending() || logs[0].PromptTokens != 0 {
		t.Fatalf("rows = %+v", logs)
	}
}
