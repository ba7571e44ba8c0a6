// Package dispatcher implements the event dispatcher: it turns timed
// syncs, chat inbound events, code-hosting polling, and manual triggers
// into one-shot exec-in-running calls against the container lifecycle
// manager, with PR-comment debouncing and retryable-failure backoff.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jib/internal/corr"
	"jib/internal/gwerr"
	"jib/internal/task"
)

// Trigger is one dispatch request, already resolved deterministically to
// an (analyzer script path, arguments, context_id) invocation.
type Trigger struct {
	Origin        corr.Origin
	ContextID     string
	AnalyzerPath  string
	Args          []string
	ContainerID   string
	UserFacing    bool // chat or PR trigger vs. purely scheduled maintenance
	DedupKey      string
}

// Executor runs a trigger's analyzer inside the running container named
// by the trigger. It returns a RetryableError-wrapped error when the
// failure kind is transient.
type Executor interface {
	// Exec runs the analyzer for t in t.ContainerID. The executors in
	// cmd/dispatcherd and cmd/syncd do not start a container; with none
	// running they fail with no_active_container.
	Exec(ctx context.Context, t Trigger) error
}

// RetryableError marks a failure kind the dispatcher should retry with
// bounded backoff: container not yet ready, transient gateway error,
// transient chat-platform error.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Notifier surfaces a content-level failure back to the associated
// thread.
type Notifier interface {
	NotifyFailure(ctx context.Context, contextID, message string) error
}

// Dispatcher is the event dispatcher.
type Dispatcher struct {
	exec     Executor
	notify   Notifier
	tasks    *task.Registry
	logger   *log.Logger
	maxRetry int
	backoff  time.Duration

	mu       sync.Mutex
	seenPR   map[string]bool          // PR event ids already dispatched, for dedup
	debounce map[string]*debounceTimer // key: repo+"#"+number
}

type debounceTimer struct {
	timer    *time.Timer
	comments []string
}

// New builds a Dispatcher.
func New(exec Executor, notify Notifier, tasks *task.Registry, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		exec:     exec,
		notify:   notify,
		tasks:    tasks,
		logger:   logger,
		maxRetry: 3,
		backoff:  2 * time.Second,
		seenPR:   map[string]bool{},
		debounce: map[string]*debounceTimer{},
	}
}

// RunHourlyDocSync schedules the hourly documentation-sync trigger and
// returns the running cron.Cron so the caller can Stop() it on shutdown.
func (d *Dispatcher) RunHourlyDocSync(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc("@hourly", func() {
		d.Dispatch(ctx, Trigger{
			Origin:       corr.OriginTimer,
			ContextID:    "timer-doc-sync",
			AnalyzerPath: "analyzers/post-sync",
			UserFacing:   false,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("schedule hourly doc sync: %w", err)
	}
	c.Start()
	return c, nil
}

// Dispatch runs t immediately, applying the retry policy on failure.
// Purely-scheduled triggers get a single attempt; user-facing triggers
// get up to maxRetry attempts with backoff on retryable errors. A failure
// left after the last attempt is surfaced through the Notifier. Dispatch
// never starts a container itself.
func (d *Dispatcher) Dispatch(ctx context.Context, t Trigger) {
	var lastErr error
	attempts := 1
	var retryable *RetryableError
	if t.UserFacing {
		attempts = d.maxRetry
	}

	for attempt := 0; attempt < attempts; attempt++ {
		err := d.exec.Exec(ctx, t)
		if err == nil {
			return
		}
		lastErr = err
		if !asRetryable(err, &retryable) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.backoff * time.Duration(attempt+1)):
		}
	}

	d.surfaceFailure(ctx, t, lastErr)
}

func asRetryable(err error, out **RetryableError) bool {
	if re, ok := err.(*RetryableError); ok {
		*out = re
		return true
	}
	return false
}

// ClassifyExecError wraps an Executor error as retryable when its gwerr
// kind is transient (no container yet, upstream 5xx, timeout); anything
// else, a content-level analyzer failure included, surfaces as-is.
func ClassifyExecError(err error) error {
	gerr, ok := gwerr.As(err)
	if !ok {
		return err
	}
	switch gerr.Kind {
	case gwerr.NoActiveContainer, gwerr.Upstream5xx, gwerr.Timeout:
		return &RetryableError{Err: err}
	default:
		return err
	}
}

func (d *Dispatcher) surfaceFailure(ctx context.Context, t Trigger, err error) {
	if d.logger != nil {
		d.logger.Printf("dispatcher: trigger %s (%s) failed: %v", t.ContextID, t.AnalyzerPath, err)
	}
	if d.tasks != nil && t.ContextID != "" {
		_, _ = d.tasks.Update(ctx, t.ContextID, "", "analyzer dispatch failed: "+err.Error(), nil)
	}
	if d.notify != nil && t.ContextID != "" {
		_ = d.notify.NotifyFailure(ctx, t.ContextID, "analyzer run failed: "+err.Error())
	}
}

// DispatchPREvent applies event-id dedup before dispatching a
// code-hosting-polling trigger.
func (d *Dispatcher) DispatchPREvent(ctx context.Context, eventID string, t Trigger) {
	d.mu.Lock()
	if d.seenPR[eventID] {
		d.mu.Unlock()
		return
	}
	d.seenPR[eventID] = true
	d.mu.Unlock()

	t.Origin = corr.OriginPREvent
	t.UserFacing = true
	d.Dispatch(ctx, t)
}

// DebounceReviewComment batches PR review comments arriving within
// window into a single analyzer invocation, resetting the timer on each
// new comment.
func (d *Dispatcher) DebounceReviewComment(ctx context.Context, key string, window time.Duration, comment string, build func(comments []string) Trigger) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dt, ok := d.debounce[key]
	if !ok {
		dt = &debounceTimer{}
		d.debounce[key] = dt
	} else {
		dt.timer.Stop()
	}
	dt.comments = append(dt.comments, comment)

	dt.timer = time.AfterFunc(window, func() {
		d.mu.Lock()
		comments := dt.comments
		delete(d.debounce, key)
		d.mu.Unlock()

		d.Dispatch(ctx, build(comments))
	})
}
