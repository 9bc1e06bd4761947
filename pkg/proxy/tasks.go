package proxy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ngoyal88/meterproxy/pkg/logging"
)

// Tasks runs work after a response has been delivered. Each task gets a
// context detached from the request but carrying its values, bounded by
// the task timeout. Shutdown waits for running tasks.
type Tasks struct {
	timeout time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewTasks(timeout time.Duration, log *zap.Logger) *Tasks {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Tasks{timeout: timeout, log: logging.OrNop(log)}
}

// Go schedules fn. After Shutdown, fn runs on the calling goroutine so no
// work is lost.
func (t *Tasks) Go(parent context.Context, name string, fn func(ctx context.Context)) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.run(parent, name, fn)
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		t.run(parent, name, fn)
	}()
}

func (t *Tasks) run(parent context.Context, name string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), t.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx, t.log).Error("background task panicked",
				zap.String("task", name),
				zap.Any("panic", r))
		}
	}()
	fn(ctx)
}

// Wait blocks until every scheduled task has returned.
func (t *Tasks) Wait() {
	t.wg.Wait()
}

// Shutdown stops accepting asynchronous tasks and waits for running ones
// until ctx is done.
func (t *Tasks) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
