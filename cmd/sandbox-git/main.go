// Command sandbox-git is the wrapper binary bind-mounted over /usr/bin/git
// inside a sandbox container. It never touches a real git binary or
// network itself: every subcommand is forwarded to the gateway's
// /git/local or /git/{push,fetch,pull,ls-remote} endpoint over
// internal/wrapperproto, using only the environment the container was
// granted (no credentials). `--version` is answered synthetically and
// `config --global` edits $HOME/.gitconfig directly, since there is no
// git binary in here to delegate either to.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jib/internal/wrapperproto"
)

// exitBlocked is the exit code reserved for operations refused by the
// proxy or firewall, distinguishable from an ordinary git failure.
const exitBlocked = 60

var networkSubcommands = map[string]bool{
	"push":      true,
	"fetch":     true,
	"pull":      true,
	"ls-remote": true,
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "sandbox-git: missing subcommand")
		return 1
	}

	if argv[0] == "--version" || argv[0] == "version" {
		fmt.Println("git version 2.43.0.jib")
		return 0
	}
	if argv[0] == "config" && hasFlag(argv[1:], "--global") {
		return runGlobalConfig(argv[1:])
	}

	gatewayBase := os.Getenv("JIB_MODEL_BASE_URL")
	containerID := os.Getenv("JIB_CONTAINER_ID")
	if gatewayBase == "" || containerID == "" {
		fmt.Fprintln(os.Stderr, "sandbox-git: missing gateway environment contract")
		return 1
	}

	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sandbox-git:", err)
		return 1
	}
	repo := os.Getenv("JIB_REPO_0")

	sub := argv[0]
	client := &http.Client{Timeout: 60 * time.Second}

	if networkSubcommands[sub] {
		return runNetwork(client, gatewayBase, containerID, repo, wd, sub, argv[1:])
	}
	return runLocal(client, gatewayBase, containerID, repo, wd, argv)
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

// runGlobalConfig edits $HOME/.gitconfig directly. Only the two-argument
// set form (`git config --global <section.key> <value>`) is supported;
// any other form, reads included, is refused with exit status 2.
func runGlobalConfig(args []string) int {
	var positional []string
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			positional = append(positional, a)
		}
	}
	if len(positional) != 2 {
		fmt.Fprintln(os.Stderr, "sandbox-git: config --global supports only `config --global <key> <value>`")
		return 2
	}
	key, value := positional[0], positional[1]
	section, name, ok := strings.Cut(key, ".")
	if !ok {
		fmt.Fprintf(os.Stderr, "sandbox-git: malformed config key %q\n", key)
		return 2
	}

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sandbox-git:", err)
		return 1
	}
	path := filepath.Join(home, ".gitconfig")
	if err := setGitConfig(path, section, name, value); err != nil {
		fmt.Fprintln(os.Stderr, "sandbox-git:", err)
		return 1
	}
	return 0
}

// setGitConfig sets one key in a minimal INI-style .gitconfig, creating
// the file or section as needed and replacing an existing assignment.
func setGitConfig(path, section, name, value string) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	header := "[" + section + "]"
	assignment := "\t" + name + " = " + value
	var out []string
	inSection := false
	sectionFound := false
	replaced := false

	for _, line := range strings.Split(string(existing), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") {
			if inSection && !replaced {
				out = append(out, assignment)
				replaced = true
			}
			inSection = trimmed == header
			if inSection {
				sectionFound = true
			}
		} else if inSection {
			if k, _, ok := strings.Cut(trimmed, "="); ok && strings.TrimSpace(k) == name {
				if replaced {
					continue
				}
				line = assignment
				replaced = true
			}
		}
		out = append(out, line)
	}
	if inSection && !replaced {
		out = append(out, assignment)
		replaced = true
	}
	if !sectionFound {
		if len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
			out = out[:len(out)-1]
		}
		out = append(out, header, assignment)
	}

	content := strings.Join(out, "\n")
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func runLocal(client *http.Client, gatewayBase, containerID, repo, wd string, argv []string) int {
	reqBody := wrapperproto.GitLocalRequest{ContainerID: containerID, Repo: repo, Argv: argv, WorkingDir: wd}
	var resp wrapperproto.GitLocalResponse
	if err := postJSON(client, gatewayBase+"/git/local", containerID, reqBody, &resp); err != nil {
		fmt.Fprintln(os.Stderr, "sandbox-git:", err)
		return exitCodeFor(err)
	}
	fmt.Fprint(os.Stdout, resp.Stdout)
	fmt.Fprint(os.Stderr, resp.Stderr)
	return resp.ExitCode
}

// runNetwork maps a subcommand's positional args to the refspec/remote-url
// shape the gateway's network endpoint expects. git invocations inside the
// sandbox always target the single configured "origin" remote; the
// sandbox never sees credentials that would let it add another.
func runNetwork(client *http.Client, gatewayBase, containerID, repo, wd, sub string, args []string) int {
	var refspec string
	force := false
	for _, a := range args {
		switch a {
		case "--force", "--force-with-lease":
			force = true
		case "origin":
			// the remote name itself; nothing to record
		default:
			if len(a) > 0 && a[0] != '-' {
				refspec = a
			}
		}
	}

	reqBody := wrapperproto.GitNetworkRequest{ContainerID: containerID, Repo: repo, RemoteURL: "origin", Refspec: refspec, WorkingDir: wd, Force: force}
	var resp wrapperproto.GitLocalResponse
	if err := postJSON(client, gatewayBase+"/git/"+sub, containerID, reqBody, &resp); err != nil {
		fmt.Fprintln(os.Stderr, "sandbox-git:", err)
		return exitCodeFor(err)
	}
	fmt.Fprint(os.Stdout, resp.Stdout)
	fmt.Fprint(os.Stderr, resp.Stderr)
	return resp.ExitCode
}

// gatewayError carries the gateway's typed error kind so the wrapper can
// distinguish a policy refusal from an ordinary failure.
type gatewayError struct {
	Kind    string
	Message string
}

func (e *gatewayError) Error() string {
	if e.Message != "" {
		return e.Kind + ": " + e.Message
	}
	return e.Kind
}

var blockedKinds = map[string]bool{
	"not_allowed":        true,
	"branch_not_owned":   true,
	"protected_branch":   true,
	"blocked_visibility": true,
}

func exitCodeFor(err error) int {
	if ge, ok := err.(*gatewayError); ok && blockedKinds[ge.Kind] {
		return exitBlocked
	}
	return 1
}

func postJSON(client *http.Client, url, containerID string, reqBody, respBody any) error {
	b, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(wrapperproto.ContainerIDHeader, containerID)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp wrapperproto.ErrorResponse
		body, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(body, &errResp)
		if errResp.Error != "" {
			return &gatewayError{Kind: errResp.Error, Message: errResp.Message}
		}
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(respBody)
}
