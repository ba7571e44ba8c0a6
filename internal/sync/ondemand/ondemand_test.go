package ondemand

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-github/v66/github"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *github.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := github.NewClient(srv.Client())
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	client.BaseURL = base
	return client
}

func TestPollOnceDispatchesNewPullRequests(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"number":1,"updated_at":"2026-01-01T00:00:00Z"}]`)
	})
	p := New(client, []string{"org/repo"}, nil)

	var got []string
	err := p.PollOnce(context.Background(), func(eventID, repoFull string, number int, updatedAt time.Time) {
		got = append(got, eventID)
	})
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 dispatched event, got %d", len(got))
	}
}

func TestPollOnceSkipsUnchangedPullRequest(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"number":1,"updated_at":"2026-01-01T00:00:00Z"}]`)
	})
	p := New(client, []string{"org/repo"}, nil)

	dispatched := 0
	dispatch := func(eventID, repoFull string, number int, updatedAt time.Time) { dispatched++ }

	if err := p.PollOnce(context.Background(), dispatch); err != nil {
		t.Fatalf("first PollOnce: %v", err)
	}
	if err := p.PollOnce(context.Background(), dispatch); err != nil {
		t.Fatalf("second PollOnce: %v", err)
	}
	if dispatched != 1 {
		t.Fatalf("expected exactly 1 dispatch across two identical sweeps, got %d", dispatched)
	}
}

func TestPollOnceDispatchesAgainOnNewerUpdate(t *testing.T) {
	updatedAt := "2026-01-01T00:00:00Z"
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"number":1,"updated_at":%q}]`, updatedAt)
	})
	p := New(client, []string{"org/repo"}, nil)

	dispatched := 0
	dispatch := func(eventID, repoFull string, number int, at time.Time) { dispatched++ }

	if err := p.PollOnce(context.Background(), dispatch); err != nil {
		t.Fatalf("first PollOnce: %v", err)
	}
	updatedAt = "2026-01-02T00:00:00Z"
	if err := p.PollOnce(context.Background(), dispatch); err != nil {
		t.Fatalf("second PollOnce: %v", err)
	}
	if dispatched != 2 {
		t.Fatalf("expected a second dispatch after UpdatedAt advanced, got %d", dispatched)
	}
}

func TestPollOnceReportsFirstErrorButContinuesOtherRepos(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/org/bad/pulls" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `[{"number":5,"updated_at":"2026-01-01T00:00:00Z"}]`)
	})
	p := New(client, []string{"org/bad", "org/good"}, nil)

	var got []string
	err := p.PollOnce(context.Background(), func(eventID, repoFull string, number int, updatedAt time.Time) {
		got = append(got, repoFull)
	})
	if err == nil {
		t.Fatalf("expected an error surfaced from the failing repo")
	}
	if len(got) != 1 || got[0] != "org/good" {
		t.Fatalf("expected the healthy repo to still dispatch, got %+v", got)
	}
}

func TestSplitRepoRejectsMalformedName(t *testing.T) {
	if _, _, err := splitRepo("not-a-repo"); err == nil {
		t.Fatalf("expected an error for a full_name with no slash")
	}
}
