// Package worktree implements the worktree record store and orphan sweep.
// It is mutated only by the gateway process. Persistence follows the same
// mutex-guarded JSON-file pattern as internal/corr.
package worktree

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Record is one worktree's bookkeeping entry.
type Record struct {
	ContainerID    string    `json:"container_id"`
	RepoFullName   string    `json:"repo_full_name"`
	BranchName     string    `json:"branch_name"`
	WorkingDirPath string    `json:"working_dir_path"`
	AdminDirPath   string    `json:"admin_dir_path"`
	CreatedAt      time.Time `json:"created_at"`
}

// BranchName builds the branch-ownership-encoding name
// agent/<container_id>/<slug>.
func BranchName(containerID, slug string) string {
	if slug == "" {
		slug = "work"
	}
	return fmt.Sprintf("agent/%s/%s", containerID, slug)
}

// OwningContainer extracts the container_id a branch name encodes, or ""
// if the branch does not follow the agent/<container_id>/<slug> convention.
func OwningContainer(branch string) string {
	const prefix = "agent/"
	if !strings.HasPrefix(branch, prefix) {
		return ""
	}
	rest := branch[len(prefix):]
	i := strings.IndexByte(rest, '/')
	if i <= 0 {
		return ""
	}
	return rest[:i]
}

// Index is the on-disk worktree index.
type Index struct {
	mu   sync.Mutex
	path string
	recs map[string]Record // key: containerID + "/" + repoFullName
}

func key(containerID, repo string) string { return containerID + "/" + repo }

// Open loads (or initializes) the worktree index at path.
func Open(path string) (*Index, error) {
	idx := &Index{path: path, recs: map[string]Record{}}
	b, err := os.ReadFile(path)
	if err == nil {
		var list []Record
		if jerr := json.Unmarshal(b, &list); jerr == nil {
			for _, r := range list {
				idx.recs[key(r.ContainerID, r.RepoFullName)] = r
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return idx, nil
}

// Put inserts or replaces a worktree record.
func (idx *Index) Put(rec Record) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.recs[key(rec.ContainerID, rec.RepoFullName)] = rec
	return idx.persist()
}

// Remove deletes a worktree record.
func (idx *Index) Remove(containerID, repo string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.recs, key(containerID, repo))
	return idx.persist()
}

// Get looks up a worktree record.
func (idx *Index) Get(containerID, repo string) (Record, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	r, ok := idx.recs[key(containerID, repo)]
	return r, ok
}

// List returns every worktree record.
func (idx *Index) List() []Record {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]Record, 0, len(idx.recs))
	for _, r := range idx.recs {
		out = append(out, r)
	}
	return out
}

// ActiveContainers reports whether a container_id is currently running.
type ActiveContainers interface {
	IsRunning(containerID string) bool
}

// Sweep removes records whose container_id is not in the active-container
// set. It returns the removed records so the caller can check each one
// for uncommitted changes and log
// a warning before the worktree itself is removed from disk. Only the
// gateway's git layer (internal/gateway/worktreemgr) can answer that, so
// this package only ever decides membership, never uncommitted status.
func (idx *Index) Sweep(active ActiveContainers) ([]Record, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var orphaned []Record
	for k, rec := range idx.recs {
		if active.IsRunning(rec.ContainerID) {
			continue
		}
		orphaned = append(orphaned, rec)
		delete(idx.recs, k)
	}
	if err := idx.persist(); err != nil {
		return nil, err
	}
	return orphaned, nil
}

func (idx *Index) persist() error {
	list := make([]Record, 0, len(idx.recs))
	for _, r := range idx.recs {
		list = append(list, r)
	}
	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, idx.path)
}
