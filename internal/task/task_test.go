package task

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "tasks.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestEnsureOpenIsIdempotent(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	first, err := r.EnsureOpen(ctx, "thread-1700000000.000100", "list open PRs", []string{"chat", "dm"})
	if err != nil {
		t.Fatalf("ensure open: %v", err)
	}
	second, err := r.EnsureOpen(ctx, "thread-1700000000.000100", "a different title", nil)
	if err != nil {
		t.Fatalf("ensure open again: %v", err)
	}
	if first.InternalID != second.InternalID {
		t.Fatalf("internal id changed across idempotent creation: %s vs %s", first.InternalID, second.InternalID)
	}
	if second.Title != first.Title {
		t.Fatalf("second EnsureOpen must not mutate an existing record's title")
	}

	recs, err := r.Search(ctx, "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(recs))
	}
}

func TestUpdateAppendsAfterClose(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	rec, err := r.EnsureOpen(ctx, "pr-org/repo-42", "PR #42", []string{"pr"})
	if err != nil {
		t.Fatalf("ensure open: %v", err)
	}
	if _, err := r.Update(ctx, rec.ContextID, StatusClosed, "closed by merge", nil); err != nil {
		t.Fatalf("update to closed: %v", err)
	}
	updated, err := r.Update(ctx, rec.ContextID, "", "reopened note after close", nil)
	if err != nil {
		t.Fatalf("update after close: %v", err)
	}
	if len(updated.Notes) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(updated.Notes))
	}
	if updated.Status != StatusClosed {
		t.Fatalf("status-preserving update must not clear status, got %s", updated.Status)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	r := openTestRegistry(t)
	_, ok, err := r.Get(context.Background(), "thread-missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected not found")
	}
}
