// Command jib is the operator-facing CLI for the container lifecycle
// manager: start a sandbox session (optionally rebuilding the image
// first), exec a one-shot analyzer invocation against a running session
// (optionally on a fresh isolated worktree), or attach an interactive TTY
// to it.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"jib/internal/config"
	"jib/internal/container"
	"jib/internal/corr"
	"jib/internal/isolation"
	"jib/internal/wrapperproto"
)

var logger = log.New(os.Stderr, "jib ", log.LstdFlags|log.LUTC)

func main() {
	root := &cobra.Command{
		Use:   "jib",
		Short: "start, exec, and attach to sandboxed agent sessions",
	}
	root.AddCommand(newStartCmd(), newExecCmd(), newAttachCmd(), newStopCmd())
	if err := root.Execute(); err != nil {
		logger.Fatal(err)
	}
}

func newStartCmd() *cobra.Command {
	var (
		image      string
		repos      []string
		prompt     string
		gatewayURL string
		rebuild    bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start a new sandbox container",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(repos) == 0 {
				return fmt.Errorf("at least one --repo is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if rebuild {
				if err := rebuildImage(image); err != nil {
					return fmt.Errorf("rebuild image %s: %w", image, err)
				}
			}
			mgr, err := container.NewManager()
			if err != nil {
				return err
			}
			defer mgr.Close()

			containerID := uuid.NewString()

			// Worktree creation is a gateway-mediated operation: jib
			// never touches the worktree index file directly, it asks the
			// gateway to create each worktree and mounts whatever working
			// directory comes back.
			var plans []isolation.RepoMountPlan
			for _, repo := range repos {
				rec, err := createWorktree(gatewayURL, containerID, repo, "work")
				if err != nil {
					return fmt.Errorf("create worktree for %s: %w", repo, err)
				}
				plans = append(plans, isolation.RepoMountPlan{
					Repo:           repo,
					WorkingDirHost: rec.WorkingDirPath,
					ContainerDir:   isolation.ContainerDirFor(repo),
				})
			}

			wrapperBinDir := envOr("JIB_WRAPPER_BIN_DIR", filepath.Join(cfg.ConfigDir, "wrappers"))
			startedID, err := mgr.StartSession(context.Background(), containerID, container.StartSessionOptions{
				Image:         image,
				Repos:         plans,
				PrivateMode:   privateModeEnv(),
				InitialPrompt: prompt,
				GatewayURL:    gatewayURL,
				WrapperBinDir: wrapperBinDir,
			})
			if err != nil {
				return err
			}
			fmt.Printf("container_id=%s docker_id=%s\n", containerID, startedID)
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "jib-sandbox:latest", "sandbox image to run")
	cmd.Flags().StringArrayVar(&repos, "repo", nil, "repository full_name to mount (repeatable)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "initial prompt for the agent")
	cmd.Flags().StringVar(&gatewayURL, "gateway-url", envOr("JIB_GATEWAY_ADDR_URL", "http://127.0.0.1:7171"), "gateway base URL reachable from inside the sandbox")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "rebuild the sandbox image before starting")
	return cmd
}

// rebuildImage rebuilds the sandbox image from the build context named by
// JIB_IMAGE_CONTEXT (default ".") using the docker CLI, streaming build
// output straight through.
func rebuildImage(image string) error {
	buildCtx := envOr("JIB_IMAGE_CONTEXT", ".")
	cmd := exec.Command("docker", "build", "-t", image, buildCtx)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func newExecCmd() *cobra.Command {
	var (
		origin     string
		contextID  string
		worktree   bool
		repo       string
		gatewayURL string
	)
	cmd := &cobra.Command{
		Use:   "exec <container_id> -- <argv...>",
		Short: "run a command inside a running sandbox container",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			containerID := args[0]
			argv := args[1:]

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			mgr, err := container.NewManager()
			if err != nil {
				return err
			}
			defer mgr.Close()

			if worktree {
				if repo == "" {
					return fmt.Errorf("--worktree requires --repo")
				}
				slug := "exec-" + uuid.NewString()[:8]
				rec, err := createWorktree(gatewayURL, containerID, repo, slug)
				if err != nil {
					return fmt.Errorf("create exec worktree for %s: %w", repo, err)
				}
				logger.Printf("exec worktree %s on branch %s", rec.WorkingDirPath, rec.BranchName)
			}

			corrStore, err := corr.Open(filepath.Join(cfg.SharingDir, "container-logs"))
			if err != nil {
				return err
			}

			exitCode, err := mgr.Exec(context.Background(), corrStore, container.ExecRequest{
				ContainerID: containerID,
				Argv:        argv,
				RunID:       uuid.NewString(),
				Origin:      corr.Origin(origin),
				ContextID:   contextID,
			})
			if err != nil {
				return err
			}
			if exitCode != 0 {
				os.Exit(exitCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&origin, "origin", string(corr.OriginManual), "run correlation origin (timer, chat, pr-event, manual)")
	cmd.Flags().StringVar(&contextID, "context-id", "", "context_id to correlate this run against")
	cmd.Flags().BoolVar(&worktree, "worktree", false, "create a fresh isolated worktree for this exec")
	cmd.Flags().StringVar(&repo, "repo", "", "repository full_name the fresh worktree is for (with --worktree)")
	cmd.Flags().StringVar(&gatewayURL, "gateway-url", envOr("JIB_GATEWAY_ADDR_URL", "http://127.0.0.1:7171"), "gateway base URL")
	return cmd
}

func newStopCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop <container_id>",
		Short: "stop and remove a sandbox container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := container.NewManager()
			if err != nil {
				return err
			}
			defer mgr.Close()
			return mgr.Remove(context.Background(), args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "force-remove even if running")
	return cmd
}

// createWorktree asks the gateway to create a worktree for repo against
// containerID. This call happens directly from the trusted host side
// rather than through a sandbox wrapper.
func createWorktree(gatewayURL, containerID, repo, slug string) (*wrapperproto.WorktreeCreateResponse, error) {
	reqBody, err := json.Marshal(wrapperproto.WorktreeCreateRequest{
		ContainerID: containerID,
		Repo:        repo,
		Slug:        slug,
	})
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	httpReq, err := http.NewRequest(http.MethodPost, strings.TrimRight(gatewayURL, "/")+"/worktree", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(wrapperproto.ContainerIDHeader, containerID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp wrapperproto.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Message != "" {
			return nil, fmt.Errorf("gateway: %s: %s", errResp.Error, errResp.Message)
		}
		return nil, fmt.Errorf("gateway: unexpected status %d", resp.StatusCode)
	}

	var out wrapperproto.WorktreeCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func privateModeEnv() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("JIB_PRIVATE_MODE")))
	return v == "1" || v == "true" || v == "yes"
}
