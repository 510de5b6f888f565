package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"adk-router/internal/metrics"
)

// Runner executes detached hook tasks. Task errors and panics are logged and
// counted; they never reach the request that scheduled the task.
type Runner struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewRunner creates a Runner. Each task gets its own deadline of timeout.
// The metrics parameter is optional; pass nil to disable failure counting.
func NewRunner(logger *slog.Logger, m *metrics.Metrics, timeout time.Duration) *Runner {
	return &Runner{
		logger:  logger.With("component", "hook_runner"),
		metrics: m,
		timeout: timeout,
	}
}

// Go runs fn on a new goroutine. The task keeps ctx values but not its
// cancellation, so a client disconnect does not cut the hook short.
func (r *Runner) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		taskCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		if err := r.run(taskCtx, fn); err != nil {
			r.Report(name, err)
		}
	}()
}

// Await runs fn on the calling goroutine with the same deadline, panic
// recovery and failure reporting as Go. Cancellation of ctx is kept.
func (r *Runner) Await(ctx context.Context, name string, fn func(ctx context.Context) error) {
	taskCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.run(taskCtx, fn); err != nil {
		r.Report(name, err)
	}
}

func (r *Runner) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panic: %v", p)
		}
	}()
	return fn(ctx)
}

// Report logs and counts a hook failure.
func (r *Runner) Report(name string, err error) {
	r.logger.Warn("hook failed", "hook", name, "err", err)
	if r.metrics != nil {
		r.metrics.HookFailures.WithLabelValues(name).Inc()
	}
}

// Wait blocks until all scheduled tasks finished or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for hooks: %w", ctx.Err())
	}
}
