// Package worktreemgr implements the gateway side of the worktree
// lifecycle: it is the only code path that actually invokes `git worktree
// add`/`remove` against a shared central repository, so that
// internal/worktree's index never drifts from what exists on disk.
package worktreemgr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"jib/internal/gateway/credentials"
	"jib/internal/gwerr"
	"jib/internal/isolation"
	"jib/internal/worktree"
)

// Manager wires internal/worktree's persisted index to the real git
// plumbing that keeps it truthful: one shared bare repository per
// full_name under ReposRoot/.central, with one `git worktree add` per
// container+repo. Every worktree of a repository shares that repository's
// objects and refs; only the admin directory and working tree are
// per-container.
type Manager struct {
	*worktree.Index

	ReposRoot string
	Creds     *credentials.Selector

	remoteURL func(repoFull string) string
}

// New builds a worktree manager over an already-open index.
func New(idx *worktree.Index, reposRoot string, creds *credentials.Selector) *Manager {
	return &Manager{Index: idx, ReposRoot: reposRoot, Creds: creds, remoteURL: remoteURLFor}
}

func safeName(repoFull string) string {
	return strings.ReplaceAll(repoFull, "/", "__")
}

func (m *Manager) centralGitDir(repoFull string) string {
	return filepath.Join(m.ReposRoot, ".central", safeName(repoFull)+".git")
}

func remoteURLFor(repoFull string) string {
	return "https://github.com/" + repoFull + ".git"
}

// ensureCentral clones a bare mirror of repoFull the first time any
// container needs a worktree for it; subsequent calls just fetch so every
// worktree shares an up to date object store.
func (m *Manager) ensureCentral(ctx context.Context, repoFull string) (string, error) {
	central := m.centralGitDir(repoFull)
	if _, err := os.Stat(central); err == nil {
		cmd := exec.CommandContext(ctx, "git", "--git-dir", central, "fetch", "--prune", "origin")
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", gwerr.New(gwerr.Internal, "fetch central repo for %s: %s", repoFull, stderr.String())
		}
		return central, nil
	} else if !os.IsNotExist(err) {
		return "", gwerr.New(gwerr.Internal, "stat central repo: %v", err)
	}

	cred, err := m.Creds.For(repoFull)
	if err != nil {
		return "", gwerr.New(gwerr.Internal, "resolve credential for %s: %v", repoFull, err)
	}
	remote := credentials.AuthenticatedRemote(m.remoteURL(repoFull), cred.Token)

	if err := os.MkdirAll(filepath.Dir(central), 0o755); err != nil {
		return "", gwerr.New(gwerr.Internal, "mkdir central repo parent: %v", err)
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--bare", remote, central)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", gwerr.New(gwerr.Internal, "clone central repo for %s: %s", repoFull, stderr.String())
	}
	return central, nil
}

// Create makes a worktree for container+repo on a fresh branch
// agent/<container_id>/<slug> and returns its record, working-directory
// path included.
func (m *Manager) Create(ctx context.Context, containerID, repoFull, slug string) (worktree.Record, error) {
	central, err := m.ensureCentral(ctx, repoFull)
	if err != nil {
		return worktree.Record{}, err
	}

	base := isolation.NewWorktree(containerID, repoFull, m.ReposRoot, slug)
	branch, workingDir := base.BranchName, base.WorkingDirPath
	if err := os.MkdirAll(filepath.Dir(workingDir), 0o755); err != nil {
		return worktree.Record{}, gwerr.New(gwerr.Internal, "mkdir working dir parent: %v", err)
	}

	cmd := exec.CommandContext(ctx, "git", "--git-dir", central, "worktree", "add", "-b", branch, workingDir, "HEAD")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return worktree.Record{}, gwerr.New(gwerr.Internal, "git worktree add: %s", stderr.String())
	}

	// Incognito repositories pin the commit author so commits made in
	// this worktree carry the incognito attribution, not the host's
	// ambient git identity. auth_mode is per-repo, so the shared repo
	// config every worktree of this repository reads is the right scope.
	if m.Creds != nil {
		if name, email, ok := m.Creds.CommitIdentity(repoFull); ok {
			if err := setCommitIdentity(ctx, workingDir, name, email); err != nil {
				return worktree.Record{}, err
			}
		}
	}

	rec := worktree.Record{
		ContainerID:    containerID,
		RepoFullName:   repoFull,
		BranchName:     branch,
		WorkingDirPath: workingDir,
		AdminDirPath:   filepath.Join(central, "worktrees", filepath.Base(workingDir)),
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.Index.Put(rec); err != nil {
		return worktree.Record{}, gwerr.New(gwerr.Internal, "persist worktree record: %v", err)
	}
	return rec, nil
}

// Destroy removes the worktree for container+repo. The returned warning
// is non-empty exactly when the worktree carried uncommitted changes at
// removal time.
func (m *Manager) Destroy(ctx context.Context, containerID, repoFull string) (warning string, err error) {
	rec, ok := m.Index.Get(containerID, repoFull)
	if !ok {
		return "", gwerr.New(gwerr.NotAllowed, "no worktree recorded for %s/%s", containerID, repoFull)
	}

	if hasUncommittedChanges(ctx, rec.WorkingDirPath) {
		warning = fmt.Sprintf("worktree %s had uncommitted changes at removal time", rec.WorkingDirPath)
	}

	central := m.centralGitDir(repoFull)
	cmd := exec.CommandContext(ctx, "git", "--git-dir", central, "worktree", "remove", "--force", rec.WorkingDirPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return warning, gwerr.New(gwerr.Internal, "git worktree remove: %s", stderr.String())
	}

	if err := m.Index.Remove(containerID, repoFull); err != nil {
		return warning, gwerr.New(gwerr.Internal, "remove worktree record: %v", err)
	}
	return warning, nil
}

func setCommitIdentity(ctx context.Context, workingDir, name, email string) error {
	for _, kv := range [][2]string{{"user.name", name}, {"user.email", email}} {
		cmd := exec.CommandContext(ctx, "git", "-C", workingDir, "config", kv[0], kv[1])
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return gwerr.New(gwerr.Internal, "git config %s: %s", kv[0], stderr.String())
		}
	}
	return nil
}

func hasUncommittedChanges(ctx context.Context, workingDir string) bool {
	if workingDir == "" {
		return false
	}
	cmd := exec.CommandContext(ctx, "git", "-C", workingDir, "status", "--porcelain")
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return len(bytes.TrimSpace(out)) > 0
}

// Sweep is the crash-recovery pass run at gateway startup: any worktree
// whose container_id does not correspond to a running container is
// removed. It returns one warning string per orphan that carried
// uncommitted changes.
func (m *Manager) Sweep(ctx context.Context, active worktree.ActiveContainers) (removed []worktree.Record, warnings []string, err error) {
	orphaned, sweepErr := m.Index.Sweep(active)
	if sweepErr != nil {
		return nil, nil, sweepErr
	}

	for _, rec := range orphaned {
		if hasUncommittedChanges(ctx, rec.WorkingDirPath) {
			warnings = append(warnings, fmt.Sprintf("removing orphaned worktree %s (container %s) with uncommitted changes", rec.WorkingDirPath, rec.ContainerID))
		}
		central := m.centralGitDir(rec.RepoFullName)
		cmd := exec.CommandContext(ctx, "git", "--git-dir", central, "worktree", "remove", "--force", rec.WorkingDirPath)
		_ = cmd.Run() // best effort: the index entry is already gone either way
		removed = append(removed, rec)
	}
	return removed, warnings, nil
}
