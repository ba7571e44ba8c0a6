// Package staging implements the staging/merge pipeline's drop-zone
// reader and apply-tool logic: a staged-changes/<slug>/ bundle
// (CHANGES.md + changes.patch + optional raw files) is read, its target
// repository detected, the patch applied (or a file-copy fallback used
// when it doesn't apply cleanly, with a diff rendered for review), and
// the accepted drop archived with a timestamp.
package staging

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Bundle is one staged-changes/<slug>/ drop.
type Bundle struct {
	Slug        string
	Dir         string
	ChangesMD   string // contents of CHANGES.md
	PatchText   string // contents of changes.patch, if present
	HasPatch    bool
	RawFilesDir string // <dir>/files/ when present, relative-repo-path fallback copies
	HasRawFiles bool
}

// ReadDropZone scans root (staged-changes/) and loads every slug bundle.
func ReadDropZone(root string) ([]Bundle, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var bundles []Bundle
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		b := Bundle{Slug: e.Name(), Dir: dir}

		if md, err := os.ReadFile(filepath.Join(dir, "CHANGES.md")); err == nil {
			b.ChangesMD = string(md)
		} else if !os.IsNotExist(err) {
			return nil, err
		}

		if patch, err := os.ReadFile(filepath.Join(dir, "changes.patch")); err == nil {
			b.PatchText = string(patch)
			b.HasPatch = true
		} else if !os.IsNotExist(err) {
			return nil, err
		}

		filesDir := filepath.Join(dir, "files")
		if info, err := os.Stat(filesDir); err == nil && info.IsDir() {
			b.RawFilesDir = filesDir
			b.HasRawFiles = true
		}

		bundles = append(bundles, b)
	}
	return bundles, nil
}

var targetRepoLine = regexp.MustCompile(`(?im)^\s*target repository:\s*(\S+)\s*$`)

// DetectRepo auto-detects the target repository from a "Target
// repository: org/repo" line in CHANGES.md; callers may override the
// result.
func DetectRepo(changesMD string) (repo string, ok bool) {
	m := targetRepoLine.FindStringSubmatch(changesMD)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ApplyResult reports how a bundle was applied.
type ApplyResult struct {
	UsedFallback bool
	Diff         string // human-reviewable diff, always populated
}

// Apply applies a bundle's patch against repoDir, preferring the unified
// diff and falling back to a raw file copy with a computed diff when the
// patch does not apply cleanly. The two forms are never mixed within a
// single apply.
func Apply(ctx context.Context, repoDir string, b Bundle) (ApplyResult, error) {
	if b.HasPatch {
		if diff, err := applyPatch(ctx, repoDir, b.PatchText); err == nil {
			return ApplyResult{UsedFallback: false, Diff: diff}, nil
		}
	}
	if !b.HasRawFiles {
		return ApplyResult{}, fmt.Errorf("patch did not apply cleanly and no raw file fallback is present for %q", b.Slug)
	}
	diff, err := copyRawFiles(repoDir, b.RawFilesDir)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("file-copy fallback for %q: %w", b.Slug, err)
	}
	return ApplyResult{UsedFallback: true, Diff: diff}, nil
}

// applyPatch shells out to `git apply`, the standard patch-application
// tool changes.patch is generated to be compatible with. It returns the
// resulting `git diff` for review.
func applyPatch(ctx context.Context, repoDir, patchText string) (string, error) {
	check := exec.CommandContext(ctx, "git", "-C", repoDir, "apply", "--check", "-")
	check.Stdin = strings.NewReader(patchText)
	if err := check.Run(); err != nil {
		return "", fmt.Errorf("patch check failed: %w", err)
	}

	apply := exec.CommandContext(ctx, "git", "-C", repoDir, "apply", "-")
	apply.Stdin = strings.NewReader(patchText)
	if out, err := apply.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git apply: %w: %s", err, out)
	}

	diffCmd := exec.CommandContext(ctx, "git", "-C", repoDir, "diff", "HEAD")
	var buf bytes.Buffer
	diffCmd.Stdout = &buf
	_ = diffCmd.Run()
	return buf.String(), nil
}

// copyRawFiles copies every file under rawFilesDir into repoDir at the
// same repository-relative path, returning a human-readable diff of old
// vs. new content per file.
func copyRawFiles(repoDir, rawFilesDir string) (string, error) {
	dmp := diffmatchpatch.New()
	var diffBuilder strings.Builder

	err := filepath.Walk(rawFilesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(rawFilesDir, path)
		if err != nil {
			return err
		}
		newContent, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		dest := filepath.Join(repoDir, rel)

		oldContent, _ := os.ReadFile(dest) // zero value if file is new

		diffs := dmp.DiffMain(string(oldContent), string(newContent), false)
		fmt.Fprintf(&diffBuilder, "--- %s\n+++ %s\n", rel, rel)
		diffBuilder.WriteString(dmp.DiffPrettyText(diffs))
		diffBuilder.WriteString("\n")

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		return os.WriteFile(dest, newContent, 0o644)
	})
	if err != nil {
		return "", err
	}
	return diffBuilder.String(), nil
}

// CoAuthorTrailer is the fixed co-author attribution appended to every
// applied commit's message.
const CoAuthorTrailer = "Co-authored-by: jib-agent <agent@noreply.local>"

// CommitMessage derives a commit message from CHANGES.md: its first
// non-empty line as the subject, the remaining body verbatim, with the
// fixed co-author trailer appended.
func CommitMessage(changesMD string) string {
	lines := strings.Split(changesMD, "\n")
	var subject string
	var bodyStart int
	for i, l := range lines {
		t := strings.TrimSpace(strings.TrimPrefix(l, "#"))
		if t != "" {
			subject = t
			bodyStart = i + 1
			break
		}
	}
	body := strings.TrimSpace(strings.Join(lines[bodyStart:], "\n"))

	msg := subject
	if body != "" {
		msg += "\n\n" + body
	}
	return msg + "\n\n" + CoAuthorTrailer
}

// Archive moves an applied (or explicitly accepted) drop into an archive
// directory timestamped at application time. Rejected or skipped drops
// stay where they are.
func Archive(dropZoneRoot, archiveRoot, slug string, appliedAt time.Time) error {
	src := filepath.Join(dropZoneRoot, slug)
	dst := filepath.Join(archiveRoot, appliedAt.UTC().Format("20060102T150405Z")+"-"+slug)
	if err := os.MkdirAll(archiveRoot, 0o755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}
