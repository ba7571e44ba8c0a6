// Package wrapperproto defines the wire types shared between callers that
// must not import a gateway-internal package and the gateway's HTTP
// surface: the sandbox wrapper binaries (cmd/sandbox-git, cmd/sandbox-gh)
// talking to the local-git, git-over-network, and code-hosting endpoints,
// and cmd/jib talking to the worktree-lifecycle endpoints from the
// trusted host side. Neither caller constructs a gateway request type
// directly from internal/gateway/gitproxy, internal/gateway/codeproxy, or
// internal/gateway/worktreemgr (those packages are gateway-process-
// internal), so this package is the one place every side agrees on field
// names and the container-identity header.
package wrapperproto

// ContainerIDHeader carries the calling container's identity on every
// wrapper-to-gateway request; the gateway never trusts a value from the
// request body for this.
const ContainerIDHeader = "X-Jib-Container-Id"

// GitLocalRequest is the body cmd/sandbox-git posts to POST /git/local for
// any subcommand that never touches a remote.
type GitLocalRequest struct {
	ContainerID string   `json:"container_id"`
	Repo        string   `json:"repo"`
	Argv        []string `json:"argv"`
	WorkingDir  string   `json:"working_dir"`
}

// GitLocalResponse mirrors internal/gateway/gitproxy.LocalExecResult.
type GitLocalResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// GitNetworkRequest is the body cmd/sandbox-git posts to POST
// /git/{push,fetch,pull,ls-remote}.
type GitNetworkRequest struct {
	ContainerID string `json:"container_id"`
	Repo        string `json:"repo"`
	RemoteURL   string `json:"remote_url"`
	Refspec     string `json:"refspec"`
	WorkingDir  string `json:"working_dir"`
	Force       bool   `json:"force"`
}

// ErrorResponse is the gateway's standard {error, message, request_id}
// error shape.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// IssueRequest is the body cmd/sandbox-gh posts to create an issue or a
// PR comment.
type IssueRequest struct {
	Repo   string   `json:"repo"`
	Title  string   `json:"title,omitempty"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

// ReviewRequest is the body cmd/sandbox-gh posts to submit a PR review.
// Event must never be "MERGE"; the gateway rejects it regardless, since
// humans merge.
type ReviewRequest struct {
	Repo  string `json:"repo"`
	Event string `json:"event"`
	Body  string `json:"body"`
}

// WorktreeCreateRequest is the body cmd/jib posts to POST /worktree. Slug
// defaults to "work" on the gateway side when empty.
type WorktreeCreateRequest struct {
	ContainerID string `json:"container_id"`
	Repo        string `json:"repo"`
	Slug        string `json:"slug,omitempty"`
}

// WorktreeCreateResponse mirrors internal/worktree.Record: the fields a
// caller needs to mount the working directory into a sandbox container.
type WorktreeCreateResponse struct {
	ContainerID    string `json:"container_id"`
	RepoFullName   string `json:"repo_full_name"`
	BranchName     string `json:"branch_name"`
	WorkingDirPath string `json:"working_dir_path"`
	AdminDirPath   string `json:"admin_dir_path"`
	CreatedAt      string `json:"created_at"`
}
