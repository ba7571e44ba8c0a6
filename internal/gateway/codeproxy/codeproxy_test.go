package codeproxy

import (
	"os"
	"path/filepath"
	"testing"

	"jib/internal/policy"
)

func TestSplitRepo(t *testing.T) {
	owner, repo, err := splitRepo("org/repo")
	if err != nil || owner != "org" || repo != "repo" {
		t.Fatalf("splitRepo(org/repo) = %q, %q, %v", owner, repo, err)
	}
	if _, _, err := splitRepo("not-a-full-name"); err == nil {
		t.Fatalf("expected error for malformed full_name")
	}
}

func writeTestPolicy(t *testing.T, yaml string) *policy.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "repositories.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	store, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	return store
}

func TestGuardWriteRejectsReadableRepo(t *testing.T) {
	store := writeTestPolicy(t, `
github_username: bot
writable_repos:
  - org/writable
readable_repos:
  - org/readable
`)
	p := &Proxy{store: store}
	if err := p.guardWrite("org/readable"); err == nil {
		t.Fatalf("expected rejection for write to a readable-only repo")
	}
	if err := p.guardWrite("org/writable"); err != nil {
		t.Fatalf("expected allow for writable repo, got %v", err)
	}
}
