// Command sandbox-gh is the wrapper binary bind-mounted over /usr/bin/gh
// inside a sandbox container: a pure HTTP client for the gateway's
// /code/* endpoints exposing the narrow subset of the gh CLI surface the
// agent actually needs (issue/PR view, create, comment, review). No real
// gh binary and no credential is ever present in the sandbox.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"jib/internal/wrapperproto"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	if len(argv) < 1 {
		fmt.Fprintln(os.Stderr, "sandbox-gh: missing subcommand")
		return 1
	}

	gatewayBase := os.Getenv("JIB_MODEL_BASE_URL")
	containerID := os.Getenv("JIB_CONTAINER_ID")
	if gatewayBase == "" || containerID == "" {
		fmt.Fprintln(os.Stderr, "sandbox-gh: missing gateway environment contract")
		return 1
	}
	repo := os.Getenv("JIB_REPO_0")
	client := &http.Client{Timeout: 60 * time.Second}

	switch argv[0] {
	case "issue", "pr":
		return dispatchIssueLike(client, gatewayBase, containerID, repo, argv[1:])
	default:
		fmt.Fprintf(os.Stderr, "sandbox-gh: unsupported subcommand %q\n", argv[0])
		return 1
	}
}

func dispatchIssueLike(client *http.Client, gatewayBase, containerID, repo string, argv []string) int {
	if len(argv) < 1 {
		fmt.Fprintln(os.Stderr, "sandbox-gh: missing action")
		return 1
	}
	switch argv[0] {
	case "create":
		return runCreate(client, gatewayBase, containerID, repo, argv[1:])
	case "comment":
		return runComment(client, gatewayBase, containerID, repo, argv[1:])
	case "review":
		return runReview(client, gatewayBase, containerID, repo, argv[1:])
	case "view":
		return runView(client, gatewayBase, containerID, repo, argv[1:])
	default:
		fmt.Fprintf(os.Stderr, "sandbox-gh: unsupported action %q\n", argv[0])
		return 1
	}
}

func runCreate(client *http.Client, gatewayBase, containerID, repo string, argv []string) int {
	title, body, labels := parseCreateFlags(argv)
	reqBody := wrapperproto.IssueRequest{Repo: repo, Title: title, Body: body, Labels: labels}
	var resp map[string]any
	if err := postJSON(client, gatewayBase+"/code/pr", containerID, reqBody, &resp); err != nil {
		fmt.Fprintln(os.Stderr, "sandbox-gh:", err)
		return 1
	}
	return printJSON(resp)
}

func runComment(client *http.Client, gatewayBase, containerID, repo string, argv []string) int {
	number, body, ok := parseNumberBody(argv)
	if !ok {
		fmt.Fprintln(os.Stderr, "sandbox-gh: comment requires <number> --body <text>")
		return 1
	}
	reqBody := struct {
		Repo string `json:"repo"`
		Body string `json:"body"`
	}{Repo: repo, Body: body}
	var resp map[string]any
	if err := postJSON(client, gatewayBase+"/code/pr/"+strconv.Itoa(number)+"/comment", containerID, reqBody, &resp); err != nil {
		fmt.Fprintln(os.Stderr, "sandbox-gh:", err)
		return 1
	}
	return printJSON(resp)
}

func runReview(client *http.Client, gatewayBase, containerID, repo string, argv []string) int {
	number, body, ok := parseNumberBody(argv)
	if !ok {
		fmt.Fprintln(os.Stderr, "sandbox-gh: review requires <number> --body <text>")
		return 1
	}
	event := "COMMENT"
	for i, a := range argv {
		switch a {
		case "--approve":
			event = "APPROVE"
		case "--request-changes":
			event = "REQUEST_CHANGES"
		case "--event":
			if i+1 < len(argv) {
				event = argv[i+1]
			}
		}
	}
	reqBody := wrapperproto.ReviewRequest{Repo: repo, Event: event, Body: body}
	var resp map[string]any
	if err := postJSON(client, gatewayBase+"/code/pr/"+strconv.Itoa(number)+"/review", containerID, reqBody, &resp); err != nil {
		fmt.Fprintln(os.Stderr, "sandbox-gh:", err)
		return 1
	}
	return printJSON(resp)
}

func runView(client *http.Client, gatewayBase, containerID, repo string, argv []string) int {
	if len(argv) < 1 {
		fmt.Fprintln(os.Stderr, "sandbox-gh: view requires <number>")
		return 1
	}
	number, err := strconv.Atoi(argv[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "sandbox-gh: invalid number:", argv[0])
		return 1
	}
	u := gatewayBase + "/code/pr/" + strconv.Itoa(number) + "?" + url.Values{"repo": {repo}}.Encode()
	var resp map[string]any
	if err := getJSON(client, u, containerID, &resp); err != nil {
		fmt.Fprintln(os.Stderr, "sandbox-gh:", err)
		return 1
	}
	return printJSON(resp)
}

func parseCreateFlags(argv []string) (title, body string, labels []string) {
	for i := 0; i < len(argv); i++ {
		switch argv[i] {
		case "--title":
			if i+1 < len(argv) {
				title = argv[i+1]
				i++
			}
		case "--body":
			if i+1 < len(argv) {
				body = argv[i+1]
				i++
			}
		case "--label":
			if i+1 < len(argv) {
				labels = append(labels, argv[i+1])
				i++
			}
		}
	}
	return
}

func parseNumberBody(argv []string) (number int, body string, ok bool) {
	if len(argv) < 1 {
		return 0, "", false
	}
	n, err := strconv.Atoi(argv[0])
	if err != nil {
		return 0, "", false
	}
	for i := 1; i < len(argv); i++ {
		if argv[i] == "--body" && i+1 < len(argv) {
			return n, argv[i+1], true
		}
	}
	return n, "", false
}

func printJSON(v any) int {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "sandbox-gh:", err)
		return 1
	}
	fmt.Fprintln(os.Stdout, string(b))
	return 0
}

func postJSON(client *http.Client, reqURL, containerID string, reqBody, respBody any) error {
	b, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, reqURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(wrapperproto.ContainerIDHeader, containerID)
	return doAndDecode(client, req, respBody)
}

func getJSON(client *http.Client, reqURL, containerID string, respBody any) error {
	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set(wrapperproto.ContainerIDHeader, containerID)
	return doAndDecode(client, req, respBody)
}

func doAndDecode(client *http.Client, req *http.Request, respBody any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp wrapperproto.ErrorResponse
		body, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(body, &errResp)
		if errResp.Message != "" {
			return fmt.Errorf("%s: %s", errResp.Error, errResp.Message)
		}
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(respBody)
}
