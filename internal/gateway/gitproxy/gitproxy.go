// Package gitproxy implements the local-git-exec and git-over-network
// endpoints. It validates every invocation against internal/allowlist
// before running anything, and routes push through
// internal/gateway/pushfsm so branch-ownership/protected-branch checks
// and credential injection happen in one state machine instead of being
// re-derived per call site.
package gitproxy

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"jib/internal/allowlist"
	"jib/internal/gateway/credentials"
	"jib/internal/gateway/pushfsm"
	"jib/internal/gwerr"
	"jib/internal/worktree"
)

// Proxy is the git-isolation substrate's gateway-side implementation.
type Proxy struct {
	localTable   allowlist.Table
	networkTable allowlist.Table
	protected    map[string]bool

	creds *credentials.Selector
	push  *pushfsm.Machine
}

// New builds a git proxy with the default allow-lists.
func New(creds *credentials.Selector) *Proxy {
	p := &Proxy{
		localTable:   allowlist.DefaultLocalGit(),
		networkTable: allowlist.DefaultGitNetwork(),
		protected:    allowlist.ProtectedBranches(),
		creds:        creds,
	}
	p.push = pushfsm.New(p.authorizePush, p.mintToken, p.executePush)
	return p
}

// LocalExecRequest is the body of the local-git-exec endpoint.
type LocalExecRequest struct {
	ContainerID string   `json:"container_id"`
	Repo        string   `json:"repo"`
	Argv        []string `json:"argv"`
	WorkingDir  string   `json:"working_dir"` // the container's worktree on the host side
}

// LocalExecResult is what local-git-exec returns; local ops never get
// credentials injected.
type LocalExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// LocalExec validates argv against the local-git allow-list and runs it in
// the worktree on the host side, where the metadata actually exists.
func (p *Proxy) LocalExec(ctx context.Context, req LocalExecRequest) (LocalExecResult, error) {
	if len(req.Argv) == 0 {
		return LocalExecResult{}, gwerr.New(gwerr.NotAllowed, "empty argv")
	}
	sub := req.Argv[0]
	if ok, reason := p.localTable.Validate(sub, req.Argv[1:]); !ok {
		return LocalExecResult{}, gwerr.New(gwerr.NotAllowed, "%s", reason)
	}

	cmd := exec.CommandContext(ctx, "git", req.Argv...)
	cmd.Dir = req.WorkingDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return LocalExecResult{}, gwerr.New(gwerr.Internal, "exec git %s: %v", sub, err)
		}
	}
	return LocalExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

// NetworkRequest is the body of push/fetch/pull/ls-remote.
// RemoteURL is accepted from the caller but
// never trusted for credential injection: the sandbox wrapper has no way
// to know the code host's real URL (it holds no credentials to look one
// up), so it always sends the literal remote name "origin". The gateway
// derives the authenticated URL itself from Repo, the same way it derives
// everything else security-relevant from server-side state.
type NetworkRequest struct {
	ContainerID string `json:"container_id"`
	Repo        string `json:"repo"`
	RemoteURL   string `json:"remote_url"`
	Refspec     string `json:"refspec"`
	WorkingDir  string `json:"working_dir"`
	Force       bool   `json:"force"`
	Subcommand  string `json:"-"` // set by the router from the URL path, never client-supplied
}

// remoteURLFor derives the code host's https clone URL for a repository
// full_name, the address credential injection rewrites with the minted
// token.
func remoteURLFor(repoFull string) string {
	return "https://github.com/" + repoFull + ".git"
}

// Network routes fetch/pull/ls-remote directly, and push through the push
// state machine.
func (p *Proxy) Network(ctx context.Context, req NetworkRequest) (LocalExecResult, error) {
	argv := []string{req.Subcommand, req.Refspec}
	if ok, reason := p.networkTable.Validate(req.Subcommand, argv[1:]); !ok {
		return LocalExecResult{}, gwerr.New(gwerr.NotAllowed, "%s", reason)
	}
	req.RemoteURL = remoteURLFor(req.Repo)

	if req.Subcommand != "push" {
		cred, err := p.creds.For(req.Repo)
		if err != nil {
			return LocalExecResult{}, gwerr.New(gwerr.Internal, "resolve credential: %v", err)
		}
		return p.run(ctx, req, cred.Token)
	}

	result := p.push.Run(pushfsm.Request{
		ContainerID: req.ContainerID,
		RepoFull:    req.Repo,
		Refspec:     req.Refspec,
		Branch:      req.Refspec,
		Force:       req.Force,
		WorkingDir:  req.WorkingDir,
		RemoteURL:   req.RemoteURL,
	})
	if result.Err != nil {
		if ge, ok := gwerr.As(result.Err); ok {
			return LocalExecResult{}, ge
		}
		return LocalExecResult{}, gwerr.New(gwerr.Internal, "%v", result.Err)
	}
	return LocalExecResult{ExitCode: 0}, nil
}

// authorizePush enforces branch ownership and protected-branch policy:
// push must target agent/<container_id>/... and never a
// protected branch; force pushes to branches owned by another container
// are rejected.
func (p *Proxy) authorizePush(r pushfsm.Request) error {
	if p.protected[r.Branch] {
		return gwerr.New(gwerr.ProtectedBranch, "push to protected branch %q", r.Branch)
	}
	owner := worktree.OwningContainer(r.Branch)
	if owner == "" || owner != r.ContainerID {
		return gwerr.New(gwerr.BranchNotOwned, "container %q may not push to %q", r.ContainerID, r.Branch)
	}
	return nil
}

func (p *Proxy) mintToken(repoFull string) (string, error) {
	cred, err := p.creds.For(repoFull)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

func (p *Proxy) executePush(req pushfsm.Request, token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	remote := credentials.AuthenticatedRemote(req.RemoteURL, token)
	argv := []string{"push"}
	if req.Force {
		argv = append(argv, "--force-with-lease")
	}
	argv = append(argv, remote, req.Branch)

	cmd := exec.CommandContext(ctx, "git", argv...)
	cmd.Dir = req.WorkingDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if isRetryableGitError(stderr.String()) {
			return &pushfsm.RetryableError{Err: fmt.Errorf("push: %s", stderr.String())}
		}
		return fmt.Errorf("push: %s", stderr.String())
	}
	return nil
}

// isRetryableGitError recognizes the stderr shapes a stale/expired
// installation token produces, eligible for the one-time refresh-and-retry
// cycle.
func isRetryableGitError(stderr string) bool {
	return bytes.Contains([]byte(stderr), []byte("Authentication failed")) ||
		bytes.Contains([]byte(stderr), []byte("401")) ||
		bytes.Contains([]byte(stderr), []byte("403"))
}

func (p *Proxy) run(ctx context.Context, req NetworkRequest, token string) (LocalExecResult, error) {
	remote := credentials.AuthenticatedRemote(req.RemoteURL, token)
	argv := []string{req.Subcommand, remote}
	if req.Refspec != "" && req.Subcommand != "ls-remote" {
		argv = append(argv, req.Refspec)
	}
	cmd := exec.CommandContext(ctx, "git", argv...)
	cmd.Dir = req.WorkingDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return LocalExecResult{}, gwerr.New(gwerr.Internal, "exec git %s: %v", req.Subcommand, err)
		}
	}
	return LocalExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}
