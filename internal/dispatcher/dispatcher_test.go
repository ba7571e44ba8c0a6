package dispatcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"jib/internal/gwerr"
	"jib/internal/task"
)

type fakeExec struct {
	mu    sync.Mutex
	calls int
	fail  int // fail this many times before succeeding
	err   func(attempt int) error
}

func (f *fakeExec) Exec(ctx context.Context, t Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	attempt := f.calls
	f.calls++
	if f.err != nil {
		return f.err(attempt)
	}
	if attempt < f.fail {
		return &RetryableError{Err: errors.New("not ready")}
	}
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) NotifyFailure(ctx context.Context, contextID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, contextID+": "+message)
	return nil
}

func newTestDispatcher(t *testing.T, exec Executor, notify Notifier) *Dispatcher {
	t.Helper()
	tasks, err := task.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open tasks: %v", err)
	}
	t.Cleanup(func() { tasks.Close() })
	d := New(exec, notify, tasks, nil)
	d.backoff = time.Millisecond
	return d
}

func TestDispatchSucceedsOnFirstAttempt(t *testing.T) {
	exec := &fakeExec{}
	notify := &fakeNotifier{}
	d := newTestDispatcher(t, exec, notify)

	d.Dispatch(context.Background(), Trigger{ContextID: "ctx-1", UserFacing: true})

	if exec.calls != 1 {
		t.Fatalf("expected 1 call, got %d", exec.calls)
	}
	if len(notify.messages) != 0 {
		t.Fatalf("expected no failure notification, got %v", notify.messages)
	}
}

func TestDispatchRetriesRetryableFailureUntilSuccess(t *testing.T) {
	exec := &fakeExec{fail: 2}
	notify := &fakeNotifier{}
	d := newTestDispatcher(t, exec, notify)

	d.Dispatch(context.Background(), Trigger{ContextID: "ctx-1", UserFacing: true})

	if exec.calls != 3 {
		t.Fatalf("expected 3 calls (2 failures + success), got %d", exec.calls)
	}
	if len(notify.messages) != 0 {
		t.Fatalf("expected no failure surfaced after eventual success, got %v", notify.messages)
	}
}

func TestDispatchSurfacesFailureAfterExhaustingRetries(t *testing.T) {
	exec := &fakeExec{fail: 10}
	notify := &fakeNotifier{}
	d := newTestDispatcher(t, exec, notify)

	d.Dispatch(context.Background(), Trigger{ContextID: "ctx-1", UserFacing: true})

	if exec.calls != d.maxRetry {
		t.Fatalf("expected %d calls, got %d", d.maxRetry, exec.calls)
	}
	if len(notify.messages) != 1 {
		t.Fatalf("expected exactly one failure notification, got %v", notify.messages)
	}
}

func TestDispatchDoesNotRetryNonRetryableFailure(t *testing.T) {
	exec := &fakeExec{err: func(attempt int) error { return errors.New("content failure") }}
	notify := &fakeNotifier{}
	d := newTestDispatcher(t, exec, notify)

	d.Dispatch(context.Background(), Trigger{ContextID: "ctx-1", UserFacing: true})

	if exec.calls != 1 {
		t.Fatalf("expected exactly 1 call for a non-retryable failure, got %d", exec.calls)
	}
	if len(notify.messages) != 1 {
		t.Fatalf("expected failure surfaced, got %v", notify.messages)
	}
}

func TestDispatchPREventDedupsByEventID(t *testing.T) {
	exec := &fakeExec{}
	d := newTestDispatcher(t, exec, &fakeNotifier{})

	d.DispatchPREvent(context.Background(), "evt-1", Trigger{ContextID: "pr-org/repo-1"})
	d.DispatchPREvent(context.Background(), "evt-1", Trigger{ContextID: "pr-org/repo-1"})

	if exec.calls != 1 {
		t.Fatalf("expected duplicate event id to be dropped, got %d calls", exec.calls)
	}
}

func TestDebounceReviewCommentBatchesWithinWindow(t *testing.T) {
	exec := &fakeExec{}
	d := newTestDispatcher(t, exec, &fakeNotifier{})

	var gotComments []string
	var mu sync.Mutex
	build := func(comments []string) Trigger {
		mu.Lock()
		gotComments = comments
		mu.Unlock()
		return Trigger{ContextID: "pr-org/repo-1"}
	}

	d.DebounceReviewComment(context.Background(), "org/repo#1", 20*time.Millisecond, "first", build)
	time.Sleep(5 * time.Millisecond)
	d.DebounceReviewComment(context.Background(), "org/repo#1", 20*time.Millisecond, "second", build)

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(gotComments) != 2 {
		t.Fatalf("expected both comments batched into one dispatch, got %v", gotComments)
	}
	if exec.calls != 1 {
		t.Fatalf("expected exactly one analyzer invocation, got %d", exec.calls)
	}
}

func TestClassifyExecErrorWrapsRetryableKinds(t *testing.T) {
	err := gwerr.New(gwerr.NoActiveContainer, "no container")
	wrapped := ClassifyExecError(err)
	if _, ok := wrapped.(*RetryableError); !ok {
		t.Fatalf("expected no_active_container to classify retryable, got %T", wrapped)
	}
}

func TestClassifyExecErrorLeavesOtherKindsAsIs(t *testing.T) {
	err := gwerr.New(gwerr.NotAllowed, "nope")
	wrapped := ClassifyExecError(err)
	if _, ok := wrapped.(*RetryableError); ok {
		t.Fatalf("expected not_allowed to stay non-retryable")
	}
}
