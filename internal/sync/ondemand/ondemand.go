// Package ondemand implements the on-demand code-hosting sync adapter:
// it polls open pull requests for a configured set of repositories and
// hands new or updated ones to the event dispatcher, deduplicated by an
// event id derived from the PR number and its last-updated timestamp so
// a re-poll of an unchanged PR is a no-op.
package ondemand

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/go-github/v66/github"
)

// Dispatch hands off one deduplicated polling event; callers wire this to
// (*dispatcher.Dispatcher).DispatchPREvent.
type Dispatch func(eventID string, repoFull string, number int, updatedAt time.Time)

// Poller sweeps a fixed repository list for open pull requests on a timer.
type Poller struct {
	client *github.Client
	repos  []string
	logger *log.Logger
	seen   map[string]time.Time // repo#number -> last dispatched UpdatedAt
}

// New builds a Poller against repos (each "owner/name").
func New(client *github.Client, repos []string, logger *log.Logger) *Poller {
	return &Poller{client: client, repos: repos, logger: logger, seen: map[string]time.Time{}}
}

// PollOnce sweeps every configured repository once, calling dispatch for
// each pull request that is new or has a newer UpdatedAt than the last
// sweep saw.
func (p *Poller) PollOnce(ctx context.Context, dispatch Dispatch) error {
	var firstErr error
	for _, repoFull := range p.repos {
		owner, name, err := splitRepo(repoFull)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		prs, _, err := p.client.PullRequests.List(ctx, owner, name, &github.PullRequestListOptions{State: "open"})
		if err != nil {
			if p.logger != nil {
				p.logger.Printf("ondemand: list PRs for %s: %v", repoFull, err)
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, pr := range prs {
			key := fmt.Sprintf("%s#%d", repoFull, pr.GetNumber())
			updatedAt := pr.GetUpdatedAt().Time
			if last, ok := p.seen[key]; ok && !updatedAt.After(last) {
				continue
			}
			p.seen[key] = updatedAt
			eventID := fmt.Sprintf("%s@%d", key, updatedAt.UnixNano())
			dispatch(eventID, repoFull, pr.GetNumber(), updatedAt)
		}
	}
	return firstErr
}

func splitRepo(full string) (owner, repo string, err error) {
	for i := 0; i < len(full); i++ {
		if full[i] == '/' {
			return full[:i], full[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed repository full_name %q", full)
}
