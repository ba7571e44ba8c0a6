// Package codeproxy implements the code-hosting proxy:
// get/list/create/comment/review on issues and pull requests,
// repository-checks queries, and file-tree queries, gated by repository
// policy (writes) and private-mode visibility (reads).
package codeproxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v66/github"

	"jib/internal/gateway/credentials"
	"jib/internal/gateway/visibility"
	"jib/internal/gwerr"
	"jib/internal/policy"
)

// Proxy is the code-hosting proxy.
type Proxy struct {
	creds       *credentials.Selector
	store       *policy.Store
	vis         *visibility.Cache
	privateMode bool
}

// New builds a code-hosting proxy.
func New(creds *credentials.Selector, store *policy.Store, vis *visibility.Cache, privateMode bool) *Proxy {
	return &Proxy{creds: creds, store: store, vis: vis, privateMode: privateMode}
}

func splitRepo(full string) (owner, repo string, err error) {
	parts := strings.SplitN(full, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed repository full_name %q", full)
	}
	return parts[0], parts[1], nil
}

// guardRead rejects reads of public repos while in private mode.
func (p *Proxy) guardRead(ctx context.Context, client *github.Client, repoFull string) error {
	if !p.privateMode {
		return nil
	}
	owner, repo, err := splitRepo(repoFull)
	if err != nil {
		return gwerr.New(gwerr.NotAllowed, "%v", err)
	}
	vis := p.vis.Lookup(repoFull, func() (visibility.Visibility, bool) {
		r, _, err := client.Repositories.Get(ctx, owner, repo)
		if err != nil || r == nil {
			return "", false
		}
		if r.GetPrivate() {
			return visibility.Private, true
		}
		return visibility.Public, true
	})
	if vis == visibility.Public {
		return gwerr.New(gwerr.BlockedVisibility, "private mode: %s is public", repoFull)
	}
	return nil
}

// guardWrite rejects writes to repositories not marked writable.
func (p *Proxy) guardWrite(repoFull string) error {
	if !p.store.IsWritable(repoFull) {
		return gwerr.New(gwerr.NotAllowed, "%s is not a writable repository", repoFull)
	}
	return nil
}

func (p *Proxy) client(repoFull string) (*github.Client, error) {
	rec, ok := p.store.Lookup(repoFull)
	if !ok {
		return nil, gwerr.New(gwerr.NotAllowed, "unknown repository %s", repoFull)
	}
	if rec.AuthMode == policy.AuthApp {
		return p.creds.InstallationClient()
	}
	cred, err := p.creds.For(repoFull)
	if err != nil {
		return nil, gwerr.New(gwerr.Internal, "resolve credential: %v", err)
	}
	return github.NewTokenClient(context.Background(), cred.Token), nil
}

// Issue is the narrow view of github.Issue the gateway forwards.
type Issue struct {
	Number  int
	Title   string
	Body    string
	State   string
	HTMLURL string
	Labels  []string
}

// GetIssue fetches a single issue or PR by number.
func (p *Proxy) GetIssue(ctx context.Context, repoFull string, number int) (Issue, error) {
	client, err := p.client(repoFull)
	if err != nil {
		return Issue{}, err
	}
	if err := p.guardRead(ctx, client, repoFull); err != nil {
		return Issue{}, err
	}
	owner, repo, err := splitRepo(repoFull)
	if err != nil {
		return Issue{}, gwerr.New(gwerr.NotAllowed, "%v", err)
	}
	iss, _, err := client.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return Issue{}, gwerr.Upstream(upstreamStatus(err), err.Error())
	}
	return toIssue(iss), nil
}

// ListIssues lists issues/PRs for a repository.
func (p *Proxy) ListIssues(ctx context.Context, repoFull string, state string) ([]Issue, error) {
	client, err := p.client(repoFull)
	if err != nil {
		return nil, err
	}
	if err := p.guardRead(ctx, client, repoFull); err != nil {
		return nil, err
	}
	owner, repo, err := splitRepo(repoFull)
	if err != nil {
		return nil, gwerr.New(gwerr.NotAllowed, "%v", err)
	}
	issues, _, err := client.Issues.ListByRepo(ctx, owner, repo, &github.IssueListByRepoOptions{State: state})
	if err != nil {
		return nil, gwerr.Upstream(upstreamStatus(err), err.Error())
	}
	out := make([]Issue, 0, len(issues))
	for _, iss := range issues {
		out = append(out, toIssue(iss))
	}
	return out, nil
}

// CreateIssue opens a new issue.
func (p *Proxy) CreateIssue(ctx context.Context, repoFull, title, body string, labels []string) (Issue, error) {
	if err := p.guardWrite(repoFull); err != nil {
		return Issue{}, err
	}
	client, err := p.client(repoFull)
	if err != nil {
		return Issue{}, err
	}
	owner, repo, err := splitRepo(repoFull)
	if err != nil {
		return Issue{}, gwerr.New(gwerr.NotAllowed, "%v", err)
	}
	iss, _, err := client.Issues.Create(ctx, owner, repo, &github.IssueRequest{
		Title:  github.String(title),
		Body:   github.String(body),
		Labels: &labels,
	})
	if err != nil {
		return Issue{}, gwerr.Upstream(upstreamStatus(err), err.Error())
	}
	return toIssue(iss), nil
}

// Comment posts a comment on an issue or PR.
func (p *Proxy) Comment(ctx context.Context, repoFull string, number int, body string) error {
	if err := p.guardWrite(repoFull); err != nil {
		return err
	}
	client, err := p.client(repoFull)
	if err != nil {
		return err
	}
	owner, repo, err := splitRepo(repoFull)
	if err != nil {
		return gwerr.New(gwerr.NotAllowed, "%v", err)
	}
	_, _, err = client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: github.String(body)})
	if err != nil {
		return gwerr.Upstream(upstreamStatus(err), err.Error())
	}
	return nil
}

// ReviewEvent mirrors github.PullRequestReviewRequest's Event.
type ReviewEvent string

const (
	ReviewApprove        ReviewEvent = "APPROVE"
	ReviewRequestChanges ReviewEvent = "REQUEST_CHANGES"
	ReviewComment        ReviewEvent = "COMMENT"
)

// Review submits a PR review. There is deliberately no merge operation
// anywhere on this surface; humans merge.
func (p *Proxy) Review(ctx context.Context, repoFull string, number int, event ReviewEvent, body string) error {
	if err := p.guardWrite(repoFull); err != nil {
		return err
	}
	client, err := p.client(repoFull)
	if err != nil {
		return err
	}
	owner, repo, err := splitRepo(repoFull)
	if err != nil {
		return gwerr.New(gwerr.NotAllowed, "%v", err)
	}
	_, _, err = client.PullRequests.CreateReview(ctx, owner, repo, number, &github.PullRequestReviewRequest{
		Event: github.String(string(event)),
		Body:  github.String(body),
	})
	if err != nil {
		return gwerr.Upstream(upstreamStatus(err), err.Error())
	}
	return nil
}

// Check is the narrow view of a repository check run the gateway forwards.
type Check struct {
	Name       string
	Status     string
	Conclusion string
	HTMLURL    string
}

// Checks queries the combined check runs for a ref.
func (p *Proxy) Checks(ctx context.Context, repoFull, ref string) ([]Check, error) {
	client, err := p.client(repoFull)
	if err != nil {
		return nil, err
	}
	if err := p.guardRead(ctx, client, repoFull); err != nil {
		return nil, err
	}
	owner, repo, err := splitRepo(repoFull)
	if err != nil {
		return nil, gwerr.New(gwerr.NotAllowed, "%v", err)
	}
	runs, _, err := client.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, nil)
	if err != nil {
		return nil, gwerr.Upstream(upstreamStatus(err), err.Error())
	}
	out := make([]Check, 0, runs.GetTotal())
	for _, r := range runs.CheckRuns {
		out = append(out, Check{Name: r.GetName(), Status: r.GetStatus(), Conclusion: r.GetConclusion(), HTMLURL: r.GetHTMLURL()})
	}
	return out, nil
}

// TreeEntry is one entry of a file-tree query.
type TreeEntry struct {
	Path string
	Type string
	SHA  string
}

// Tree lists a repository's file tree at ref/path.
func (p *Proxy) Tree(ctx context.Context, repoFull, ref, path string) ([]TreeEntry, error) {
	client, err := p.client(repoFull)
	if err != nil {
		return nil, err
	}
	if err := p.guardRead(ctx, client, repoFull); err != nil {
		return nil, err
	}
	owner, repo, err := splitRepo(repoFull)
	if err != nil {
		return nil, gwerr.New(gwerr.NotAllowed, "%v", err)
	}
	_, dirContents, _, err := client.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, gwerr.Upstream(upstreamStatus(err), err.Error())
	}
	out := make([]TreeEntry, 0, len(dirContents))
	for _, c := range dirContents {
		out = append(out, TreeEntry{Path: c.GetPath(), Type: c.GetType(), SHA: c.GetSHA()})
	}
	return out, nil
}

func toIssue(iss *github.Issue) Issue {
	labels := make([]string, 0, len(iss.Labels))
	for _, l := range iss.Labels {
		labels = append(labels, l.GetName())
	}
	return Issue{
		Number:  iss.GetNumber(),
		Title:   iss.GetTitle(),
		Body:    iss.GetBody(),
		State:   iss.GetState(),
		HTMLURL: iss.GetHTMLURL(),
		Labels:  labels,
	}
}

func upstreamStatus(err error) int {
	if ge, ok := err.(*github.ErrorResponse); ok && ge.Response != nil {
		return ge.Response.StatusCode
	}
	return 502
}
