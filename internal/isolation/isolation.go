// Package isolation implements the git-isolation substrate: the
// per-repository filesystem view a sandbox container gets (a read-write
// working tree bind mount plus a tmpfs shadow over .git), the wrapper
// binaries that force git and the code-hosting CLI through the gateway,
// and the agent/<container_id>/<slug> branch/worktree convention.
package isolation

import (
	"fmt"
	"path/filepath"

	"github.com/docker/docker/api/types/mount"

	"jib/internal/worktree"
)

// RepoMountPlan is the mount topology for one repository inside a sandbox
// container.
type RepoMountPlan struct {
	Repo           string // full_name, used only to derive the in-container path
	WorkingDirHost string // host path of the worktree's working tree
	ContainerDir   string // e.g. /workspace/<repo-basename>
}

// Mounts returns the working-tree bind mount and the tmpfs .git shadow
// mount for one repository: the container sees a .git path that behaves
// like an empty directory regardless of what the underlying worktree has
// placed there.
func (p RepoMountPlan) Mounts() []mount.Mount {
	gitShadowTarget := filepath.Join(p.ContainerDir, ".git")
	return []mount.Mount{
		{Type: mount.TypeBind, Source: p.WorkingDirHost, Target: p.ContainerDir},
		{Type: mount.TypeTmpfs, Target: gitShadowTarget},
	}
}

// BuildMounts composes the full mount set for a container across every
// repository it has been granted, plus the wrapper-binary bind mounts
// that replace the real git and gh binaries.
func BuildMounts(plans []RepoMountPlan, wrapperBinDirHost string) []mount.Mount {
	var mounts []mount.Mount
	for _, p := range plans {
		mounts = append(mounts, p.Mounts()...)
	}
	mounts = append(mounts,
		mount.Mount{Type: mount.TypeBind, Source: filepath.Join(wrapperBinDirHost, "git"), Target: "/usr/bin/git", ReadOnly: true},
		mount.Mount{Type: mount.TypeBind, Source: filepath.Join(wrapperBinDirHost, "gh"), Target: "/usr/bin/gh", ReadOnly: true},
	)
	return mounts
}

// ContainerDirFor derives the in-container mount path for a repository
// full_name, e.g. "org/repo" -> "/workspace/repo".
func ContainerDirFor(repoFull string) string {
	base := filepath.Base(repoFull)
	if base == "." || base == "/" {
		base = "repo"
	}
	return filepath.Join("/workspace", base)
}

// NewWorktree computes the worktree record for a fresh container+repo
// assignment: branch agent/<container_id>/<slug> (slug defaults to
// "work"), one admin
// dir per container+repo, a working dir shared only by that container.
// internal/gateway/worktreemgr calls this to derive the branch and
// working-directory naming convention before it runs the real `git
// worktree add`; it then replaces AdminDirPath with the admin directory
// git creates under the central repository (<central>/worktrees/<basename>).
func NewWorktree(containerID, repoFull, worktreesRoot, slug string) worktree.Record {
	branch := worktree.BranchName(containerID, slug)
	return worktree.Record{
		ContainerID:    containerID,
		RepoFullName:   repoFull,
		BranchName:     branch,
		WorkingDirPath: filepath.Join(worktreesRoot, containerID, filepath.Base(repoFull)),
		AdminDirPath:   filepath.Join(worktreesRoot, ".admin", containerID, filepath.Base(repoFull)),
	}
}

// EnvContract builds the container environment: no credentials of any
// kind, only the gateway base URL, container identity, mounted-repo list,
// and private-mode flag.
func EnvContract(gatewayBaseURL, containerID string, repos []string, privateMode bool) []string {
	env := []string{
		"JIB_MODEL_BASE_URL=" + gatewayBaseURL,
		"JIB_CONTAINER_ID=" + containerID,
		fmt.Sprintf("JIB_PRIVATE_MODE=%t", privateMode),
	}
	for i, r := range repos {
		env = append(env, fmt.Sprintf("JIB_REPO_%d=%s", i, r))
	}
	return env
}
