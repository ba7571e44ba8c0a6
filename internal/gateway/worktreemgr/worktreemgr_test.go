package worktreemgr

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"jib/internal/gateway/credentials"
	"jib/internal/policy"
	"jib/internal/secrets"
	"jib/internal/worktree"
)

func TestSafeNameEscapesSlashes(t *testing.T) {
	if got := safeName("org/repo"); got != "org__repo" {
		t.Fatalf("safeName = %q, want org__repo", got)
	}
}

func TestCentralGitDirIsStableUnderReposRoot(t *testing.T) {
	m := &Manager{ReposRoot: "/var/lib/jib/worktrees"}
	got := m.centralGitDir("org/repo")
	want := filepath.Join("/var/lib/jib/worktrees", ".central", "org__repo.git")
	if got != want {
		t.Fatalf("centralGitDir = %q, want %q", got, want)
	}
}

func TestRemoteURLForBuildsHTTPSCloneURL(t *testing.T) {
	if got := remoteURLFor("org/repo"); got != "https://github.com/org/repo.git" {
		t.Fatalf("remoteURLFor = %q", got)
	}
}

func TestHasUncommittedChangesFalseForMissingDir(t *testing.T) {
	if hasUncommittedChanges(nil, "") {
		t.Fatalf("empty working dir should never report uncommitted changes")
	}
}

// TestCreateSetsIncognitoCommitIdentity drives Create end to end against a
// local bare origin and asserts the resulting worktree's git config carries
// the incognito identity, so commits made there are attributed to it rather
// than to the host's ambient git identity.
func TestCreateSetsIncognitoCommitIdentity(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	scratch := t.TempDir()

	git := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}

	// a local origin with one commit for the central mirror to clone
	origin := filepath.Join(scratch, "origin.git")
	seed := filepath.Join(scratch, "seed")
	git("init", "--bare", origin)
	git("-C", origin, "symbolic-ref", "HEAD", "refs/heads/main")
	git("init", seed)
	git("-C", seed, "-c", "user.name=seed", "-c", "user.email=seed@example.com", "commit", "--allow-empty", "-m", "seed")
	git("-C", seed, "push", origin, "HEAD:refs/heads/main")

	policyPath := filepath.Join(scratch, "repositories.yaml")
	if err := os.WriteFile(policyPath, []byte(`
writable_repos:
  - org/app
repo_settings:
  org/app:
    auth_mode: incognito
incognito:
  github_user: shadow-bot
  git_name: Shadow Bot
  git_email: shadow@example.com
`), 0o644); err != nil {
		t.Fatalf("write repositories.yaml: %v", err)
	}
	store, err := policy.Load(policyPath)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}

	secretsPath := filepath.Join(scratch, "secrets.env")
	if err := os.WriteFile(secretsPath, []byte(`INCOGNITO_PERSONAL_TOKEN="tok-xyz"`), 0o600); err != nil {
		t.Fatalf("write secrets.env: %v", err)
	}
	w, err := secrets.NewWatcher(secretsPath)
	if err != nil {
		t.Fatalf("new secret watcher: %v", err)
	}
	defer w.Close()

	idx, err := worktree.Open(filepath.Join(scratch, "worktrees.json"))
	if err != nil {
		t.Fatalf("open worktree index: %v", err)
	}
	m := New(idx, filepath.Join(scratch, "worktrees"), credentials.NewSelector(nil, w.Current, store))
	m.remoteURL = func(string) string { return origin }

	rec, err := m.Create(ctx, "c1", "org/app", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	readConfig := func(key string) string {
		t.Helper()
		out, err := exec.Command("git", "-C", rec.WorkingDirPath, "config", key).Output()
		if err != nil {
			t.Fatalf("git config %s: %v", key, err)
		}
		return strings.TrimSpace(string(out))
	}
	if got := readConfig("user.name"); got != "Shadow Bot" {
		t.Fatalf("expected worktree user.name %q, got %q", "Shadow Bot", got)
	}
	if got := readConfig("user.email"); got != "shadow@example.com" {
		t.Fatalf("expected worktree user.email %q, got %q", "shadow@example.com", got)
	}
}
