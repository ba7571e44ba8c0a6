package staging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func mustWrite(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestReadDropZoneLoadsEveryBundle(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "fix-typo", "CHANGES.md"), "Target repository: org/app\n\nFix a typo.\n")
	mustWrite(t, filepath.Join(root, "fix-typo", "changes.patch"), "diff --git a/x b/x\n")
	mustWrite(t, filepath.Join(root, "add-asset", "CHANGES.md"), "Add a logo asset.\n")
	mustWrite(t, filepath.Join(root, "add-asset", "files", "assets", "logo.png"), "binary-ish")

	bundles, err := ReadDropZone(root)
	if err != nil {
		t.Fatalf("ReadDropZone: %v", err)
	}
	if len(bundles) != 2 {
		t.Fatalf("expected 2 bundles, got %d", len(bundles))
	}

	byslug := map[string]Bundle{}
	for _, b := range bundles {
		byslug[b.Slug] = b
	}
	if !byslug["fix-typo"].HasPatch {
		t.Fatalf("expected fix-typo to have a patch")
	}
	if byslug["fix-typo"].HasRawFiles {
		t.Fatalf("did not expect fix-typo to have raw files")
	}
	if !byslug["add-asset"].HasRawFiles {
		t.Fatalf("expected add-asset to have raw files")
	}
	if byslug["add-asset"].HasPatch {
		t.Fatalf("did not expect add-asset to have a patch")
	}
}

func TestReadDropZoneMissingRootReturnsNoBundlesNoError(t *testing.T) {
	bundles, err := ReadDropZone(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("expected no error for a missing drop zone root, got %v", err)
	}
	if bundles != nil {
		t.Fatalf("expected nil bundles, got %+v", bundles)
	}
}

func TestDetectRepoFindsTargetRepositoryLine(t *testing.T) {
	repo, ok := DetectRepo("# Some change\n\nTarget repository: org/app\n\nDetails.\n")
	if !ok || repo != "org/app" {
		t.Fatalf("expected org/app, got %q ok=%v", repo, ok)
	}
}

func TestDetectRepoCaseInsensitiveLabel(t *testing.T) {
	repo, ok := DetectRepo("TARGET REPOSITORY: org/other\n")
	if !ok || repo != "org/other" {
		t.Fatalf("expected org/other, got %q ok=%v", repo, ok)
	}
}

func TestDetectRepoReturnsFalseWithoutLine(t *testing.T) {
	if _, ok := DetectRepo("no target line here\n"); ok {
		t.Fatalf("expected no match")
	}
}

func TestCommitMessageUsesFirstNonEmptyLineAsSubject(t *testing.T) {
	msg := CommitMessage("# Fix the thing\n\nThis fixes the thing in detail.\nSecond line.\n")
	if !strings.HasPrefix(msg, "Fix the thing\n\nThis fixes the thing in detail.") {
		t.Fatalf("unexpected message: %q", msg)
	}
	if !strings.HasSuffix(msg, CoAuthorTrailer+"\n") && !strings.Contains(msg, CoAuthorTrailer) {
		t.Fatalf("expected co-author trailer to be appended, got %q", msg)
	}
}

func TestCommitMessageWithNoBodyStillAppendsTrailer(t *testing.T) {
	msg := CommitMessage("Just a subject\n")
	if !strings.Contains(msg, "Just a subject") || !strings.Contains(msg, CoAuthorTrailer) {
		t.Fatalf("unexpected message: %q", msg)
	}
}

func TestApplyUsesRawFileFallbackWhenNoPatchPresent(t *testing.T) {
	repoDir := t.TempDir()
	bundleDir := t.TempDir()
	mustWrite(t, filepath.Join(bundleDir, "files", "config", "app.yaml"), "key: value\n")
	b := Bundle{Slug: "add-config", RawFilesDir: filepath.Join(bundleDir, "files"), HasRawFiles: true}

	res, err := Apply(context.Background(), repoDir, b)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.UsedFallback {
		t.Fatalf("expected the raw-file fallback to be used")
	}
	got, err := os.ReadFile(filepath.Join(repoDir, "config", "app.yaml"))
	if err != nil {
		t.Fatalf("expected app.yaml to be copied into repoDir: %v", err)
	}
	if string(got) != "key: value\n" {
		t.Fatalf("unexpected copied content: %q", got)
	}
}

func TestApplyFailsWithoutPatchOrRawFiles(t *testing.T) {
	repoDir := t.TempDir()
	b := Bundle{Slug: "empty-bundle"}
	if _, err := Apply(context.Background(), repoDir, b); err == nil {
		t.Fatalf("expected an error when a bundle has neither a patch nor raw files")
	}
}

func TestArchiveMovesDropIntoTimestampedDirectory(t *testing.T) {
	dropZone := t.TempDir()
	archiveRoot := t.TempDir()
	mustWrite(t, filepath.Join(dropZone, "fix-typo", "CHANGES.md"), "Fix a typo.\n")

	at := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	if err := Archive(dropZone, archiveRoot, "fix-typo", at); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	expected := filepath.Join(archiveRoot, "20260305T120000Z-fix-typo")
	if _, err := os.Stat(expected); err != nil {
		t.Fatalf("expected archived bundle at %s: %v", expected, err)
	}
	if _, err := os.Stat(filepath.Join(dropZone, "fix-typo")); !os.IsNotExist(err) {
		t.Fatalf("expected the original drop-zone bundle to be gone after archiving")
	}
}
