// Package container implements the container lifecycle manager: the
// start-a-session and exec-in-running operations, backed by the Docker
// daemon.
package container

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"jib/internal/corr"
	"jib/internal/gwerr"
	"jib/internal/isolation"
)

const (
	LabelApp         = "app"
	AppLabel         = "jib-sandbox"
	LabelContainerID = "jib.container_id"
)

// Manager is the Docker-backed container lifecycle manager.
type Manager struct {
	api *client.Client
}

// NewManager connects to the Docker daemon using environment-driven
// options plus API version negotiation.
func NewManager() (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Manager{api: cli}, nil
}

func (m *Manager) Close() error {
	if m == nil || m.api == nil {
		return nil
	}
	return m.api.Close()
}

// StartSessionOptions are the inputs to a start-a-session operation.
type StartSessionOptions struct {
	UserIdentity  string
	Image         string
	Repos         []isolation.RepoMountPlan
	PrivateMode   bool
	InitialPrompt string
	GatewayURL    string
	WrapperBinDir string
}

// StartSession launches a sandbox container with the git-isolation mount
// topology, wrapper binaries, and credential-free environment.
func (m *Manager) StartSession(ctx context.Context, containerID string, opts StartSessionOptions) (string, error) {
	repoNames := make([]string, 0, len(opts.Repos))
	for _, r := range opts.Repos {
		repoNames = append(repoNames, r.Repo)
	}
	env := isolation.EnvContract(opts.GatewayURL, containerID, repoNames, opts.PrivateMode)
	if opts.InitialPrompt != "" {
		env = append(env, "JIB_INITIAL_PROMPT="+opts.InitialPrompt)
	}

	cfg := &container.Config{
		Image:      opts.Image,
		Env:        env,
		Labels:     map[string]string{LabelApp: AppLabel, LabelContainerID: containerID},
		WorkingDir: "/workspace",
		Cmd:        []string{"tail", "-f", "/dev/null"},
	}
	hostCfg := &container.HostConfig{
		Mounts:        isolation.BuildMounts(opts.Repos, opts.WrapperBinDir),
		RestartPolicy: container.RestartPolicy{Name: "no"},
	}
	netCfg := &network.NetworkingConfig{}

	name := Name(containerID)
	resp, err := m.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", gwerr.New(gwerr.Internal, "create container: %v", err)
	}
	if err := m.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", gwerr.New(gwerr.Internal, "start container: %v", err)
	}
	return resp.ID, nil
}

// Name derives the Docker container name StartSession registered for a
// given internal container_id; every other Docker API call (or `docker`
// CLI invocation, as cmd/jib/attach.go makes) that needs to address this
// container must resolve through this same name, since the Docker daemon
// knows nothing of our container_id beyond the "jib.container_id" label.
func Name(containerID string) string {
	return "jib-" + containerID
}

// IsRunning implements worktree.ActiveContainers.
func (m *Manager) IsRunning(containerID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	list, err := m.api.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", LabelContainerID, containerID))),
	})
	if err != nil {
		return false
	}
	for _, c := range list {
		if c.State == "running" {
			return true
		}
	}
	return false
}

// ExecRequest is the input to the exec-in-running operation.
type ExecRequest struct {
	ContainerID string
	Argv        []string
	RunID       string
	Origin      corr.Origin
	ContextID   string
	SourceRef   string
}

// Exec runs argv inside the currently running container, capturing
// combined output to a log file and recording a run-correlation record on
// exit. If no container is running, it returns no_active_container.
func (m *Manager) Exec(ctx context.Context, corrStore *corr.Store, req ExecRequest) (exitCode int, err error) {
	if !m.IsRunning(req.ContainerID) {
		return 0, gwerr.New(gwerr.NoActiveContainer, "no container running for %q", req.ContainerID)
	}

	logPath := corrStore.LogPath(req.Origin, req.RunID)
	if err := corrStore.Start(corr.Record{
		RunID:       req.RunID,
		Origin:      req.Origin,
		SourceRef:   req.SourceRef,
		StartedAt:   time.Now().UTC(),
		ContainerID: req.ContainerID,
		LogsPath:    logPath,
		ContextID:   req.ContextID,
	}); err != nil {
		return 0, gwerr.New(gwerr.Internal, "start run correlation: %v", err)
	}

	execResp, err := m.api.ContainerExecCreate(ctx, Name(req.ContainerID), types.ExecConfig{
		Cmd:          req.Argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, gwerr.New(gwerr.Internal, "create exec: %v", err)
	}

	attach, err := m.api.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return 0, gwerr.New(gwerr.Internal, "attach exec: %v", err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	_, _ = stdcopy.StdCopy(&buf, &buf, attach.Reader)

	inspect, err := m.api.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return 0, gwerr.New(gwerr.Internal, "inspect exec: %v", err)
	}

	if werr := writeLog(logPath, buf.Bytes()); werr != nil {
		return 0, gwerr.New(gwerr.Internal, "write run log: %v", werr)
	}
	if err := corrStore.Finish(req.RunID, inspect.ExitCode); err != nil {
		return 0, gwerr.New(gwerr.Internal, "finish run correlation: %v", err)
	}
	return inspect.ExitCode, nil
}

func writeLog(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// Remove stops and removes a container.
func (m *Manager) Remove(ctx context.Context, containerID string, force bool) error {
	return m.api.ContainerRemove(ctx, Name(containerID), container.RemoveOptions{Force: force})
}
