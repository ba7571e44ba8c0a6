package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"jib/internal/gateway/worktreemgr"
	"jib/internal/policy"
	"jib/internal/worktree"
	"jib/internal/wrapperproto"
)

func TestHealthEndpointReportsPrivateModeAndPolicySummary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repositories.yaml")
	if err := os.WriteFile(path, []byte("github_username: bot\nwritable_repos:\n  - org/repo\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	store, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	idx, err := worktree.Open(filepath.Join(dir, "worktrees.json"))
	if err != nil {
		t.Fatalf("open worktree index: %v", err)
	}

	s := &Server{Policy: store, Worktrees: worktreemgr.New(idx, dir, nil), PrivateMode: true}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["private_mode"] != true {
		t.Fatalf("expected private_mode=true, got %v", body["private_mode"])
	}
}

func TestGitLocalRejectsCallerWithoutWorktree(t *testing.T) {
	dir := t.TempDir()
	idx, err := worktree.Open(filepath.Join(dir, "worktrees.json"))
	if err != nil {
		t.Fatalf("open worktree index: %v", err)
	}
	s := &Server{Worktrees: worktreemgr.New(idx, dir, nil)}

	body := strings.NewReader(`{"container_id":"c1","repo":"org/repo","argv":["status"]}`)
	req := httptest.NewRequest(http.MethodPost, "/git/local", body)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a caller with no worktree, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp["error"] != "not_allowed" {
		t.Fatalf("expected not_allowed, got %v", resp)
	}
}

func TestGitLocalTrustsHeaderIdentityOverBody(t *testing.T) {
	dir := t.TempDir()
	idx, err := worktree.Open(filepath.Join(dir, "worktrees.json"))
	if err != nil {
		t.Fatalf("open worktree index: %v", err)
	}
	// only c1 has a worktree; a body claiming c1 with a header saying c2
	// must resolve as c2 and be refused
	if err := idx.Put(worktree.Record{ContainerID: "c1", RepoFullName: "org/repo", WorkingDirPath: dir}); err != nil {
		t.Fatalf("seed worktree record: %v", err)
	}
	s := &Server{Worktrees: worktreemgr.New(idx, dir, nil)}

	body := strings.NewReader(`{"container_id":"c1","repo":"org/repo","argv":["status"]}`)
	req := httptest.NewRequest(http.MethodPost, "/git/local", body)
	req.Header.Set(wrapperproto.ContainerIDHeader, "c2")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when the header identity has no worktree, got %d", rec.Code)
	}
}

// TestWorktreeListRoundTrip exercises the HTTP surface for listing worktree
// records. Worktree *creation* requires a real clone/`git worktree add`
// against a code host (internal/gateway/worktreemgr), so that path is
// covered by worktreemgr's own tests; here the index is seeded directly,
// the same way TestSweepRemovesOnlyOrphans seeds internal/worktree's index
// in its own package.
func TestWorktreeListRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx, err := worktree.Open(filepath.Join(dir, "worktrees.json"))
	if err != nil {
		t.Fatalf("open worktree index: %v", err)
	}
	if err := idx.Put(worktree.Record{ContainerID: "c1", RepoFullName: "org/repo", BranchName: "agent/c1/work"}); err != nil {
		t.Fatalf("seed worktree record: %v", err)
	}
	s := &Server{Worktrees: worktreemgr.New(idx, dir, nil)}

	req := httptest.NewRequest(http.MethodGet, "/worktrees", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	var list []worktree.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode worktree list: %v", err)
	}
	if len(list) != 1 || list[0].ContainerID != "c1" {
		t.Fatalf("expected 1 worktree record for c1, got %+v", list)
	}
}
