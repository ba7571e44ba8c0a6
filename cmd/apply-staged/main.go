// Command apply-staged is the staging/merge pipeline's apply tool: it
// reads every bundle under sharing/staged-changes/, applies each against
// its detected (or overridden) target repository checkout, shows the
// resulting diff, asks for a commit confirmation, commits with the fixed
// co-author trailer, and archives the applied drop.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"jib/internal/config"
	"jib/internal/staging"
)

var logger = log.New(os.Stderr, "apply-staged ", log.LstdFlags|log.LUTC)

func main() {
	var (
		reposRoot    string
		repoOverride string
		fileSync     bool
		yes          bool
	)

	root := &cobra.Command{
		Use:   "apply-staged [slug]",
		Short: "apply staged change bundles against their target repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var only string
			if len(args) == 1 {
				only = args[0]
			}
			return run(reposRoot, repoOverride, fileSync, yes, only)
		},
	}
	root.Flags().StringVar(&reposRoot, "repos-root", envOr("JIB_REPOS_ROOT", "."), "directory containing repository checkouts, one subdir per repo basename")
	root.Flags().StringVar(&repoOverride, "repo", "", "override the auto-detected target repository for a single-slug run")
	root.Flags().BoolVar(&fileSync, "file-sync", false, "allow a raw file-copy fallback to run even when the bundle also carries a patch that failed to apply")
	root.Flags().BoolVar(&yes, "yes", false, "commit without asking for confirmation")
	if err := root.Execute(); err != nil {
		logger.Fatal(err)
	}
}

func run(reposRoot, repoOverride string, fileSync, yes bool, only string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dropZone := filepath.Join(cfg.SharingDir, "staged-changes")
	archiveRoot := filepath.Join(cfg.SharingDir, "staged-changes-archive")

	bundles, err := staging.ReadDropZone(dropZone)
	if err != nil {
		return err
	}

	applied := 0
	for _, b := range bundles {
		if only != "" && b.Slug != only {
			continue
		}

		// Never mix patch and file-copy within one apply. A patch that
		// fails its check with raw files also present is a conflict
		// unless --file-sync was passed explicitly.
		if b.HasPatch && b.HasRawFiles && !fileSync {
			if !patchApplies(dropZone, reposRoot, repoOverride, b) {
				logger.Printf("%s: patch does not apply cleanly and raw files are also present; pass --file-sync to allow the fallback", b.Slug)
				continue
			}
		}

		repo := repoOverride
		if repo == "" {
			detected, ok := staging.DetectRepo(b.ChangesMD)
			if !ok {
				logger.Printf("%s: could not auto-detect target repository; pass --repo", b.Slug)
				continue
			}
			repo = detected
		}
		repoDir := filepath.Join(reposRoot, filepath.Base(repo))

		result, err := staging.Apply(context.Background(), repoDir, b)
		if err != nil {
			logger.Printf("%s: apply failed: %v", b.Slug, err)
			continue
		}

		fmt.Printf("%s -> %s (fallback=%t)\n%s\n", b.Slug, repo, result.UsedFallback, result.Diff)
		showStatus(repoDir)
		if !yes && !confirm(fmt.Sprintf("commit %s to %s?", b.Slug, repo)) {
			logger.Printf("%s: skipped at confirmation; drop left in place", b.Slug)
			continue
		}

		msg := staging.CommitMessage(b.ChangesMD)
		if err := commit(repoDir, msg); err != nil {
			logger.Printf("%s: commit failed: %v", b.Slug, err)
			continue
		}

		if err := staging.Archive(dropZone, archiveRoot, b.Slug, time.Now()); err != nil {
			logger.Printf("%s: archive failed: %v", b.Slug, err)
			continue
		}

		fmt.Printf("applied %s\n", b.Slug)
		applied++
	}

	fmt.Printf("applied %d/%d staged bundle(s)\n", applied, len(bundles))
	return nil
}

// patchApplies reports whether a bundle's patch would apply cleanly,
// without mutating the checkout, so run can decide whether the file-copy
// fallback needs an explicit opt-in.
func patchApplies(dropZone, reposRoot, repoOverride string, b staging.Bundle) bool {
	repo := repoOverride
	if repo == "" {
		detected, ok := staging.DetectRepo(b.ChangesMD)
		if !ok {
			return false
		}
		repo = detected
	}
	repoDir := filepath.Join(reposRoot, filepath.Base(repo))
	cmd := exec.Command("git", "-C", repoDir, "apply", "--check", "-")
	cmd.Stdin = nil
	f, err := os.Open(filepath.Join(dropZone, b.Slug, "changes.patch"))
	if err != nil {
		return false
	}
	defer f.Close()
	cmd.Stdin = f
	return cmd.Run() == nil
}

func showStatus(repoDir string) {
	cmd := exec.Command("git", "-C", repoDir, "status", "--short")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	_ = cmd.Run()
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func commit(repoDir, message string) error {
	add := exec.Command("git", "-C", repoDir, "add", "-A")
	if out, err := add.CombinedOutput(); err != nil {
		return fmt.Errorf("git add: %w: %s", err, out)
	}
	commitCmd := exec.Command("git", "-C", repoDir, "commit", "-m", message)
	if out, err := commitCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git commit: %w: %s", err, out)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
