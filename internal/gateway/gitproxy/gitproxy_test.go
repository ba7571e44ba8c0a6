package gitproxy

import (
	"testing"

	"jib/internal/gateway/pushfsm"
	"jib/internal/gwerr"
)

func TestAuthorizePushRejectsProtectedBranch(t *testing.T) {
	p := &Proxy{protected: map[string]bool{"main": true, "master": true}}
	err := p.authorizePush(pushfsm.Request{ContainerID: "c1", Branch: "main"})
	if err == nil {
		t.Fatalf("expected rejection for protected branch")
	}
	ge, ok := gwerr.As(err)
	if !ok || ge.Kind != gwerr.ProtectedBranch {
		t.Fatalf("expected ProtectedBranch error, got %v", err)
	}
}

func TestAuthorizePushRejectsWrongOwner(t *testing.T) {
	p := &Proxy{protected: map[string]bool{}}
	err := p.authorizePush(pushfsm.Request{ContainerID: "c1", Branch: "agent/c2/work"})
	if err == nil {
		t.Fatalf("expected rejection for branch owned by another container")
	}
	ge, ok := gwerr.As(err)
	if !ok || ge.Kind != gwerr.BranchNotOwned {
		t.Fatalf("expected BranchNotOwned error, got %v", err)
	}
}

func TestAuthorizePushAllowsOwnBranch(t *testing.T) {
	p := &Proxy{protected: map[string]bool{"main": true}}
	if err := p.authorizePush(pushfsm.Request{ContainerID: "c1", Branch: "agent/c1/work"}); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
}

func TestIsRetryableGitError(t *testing.T) {
	cases := map[string]bool{
		"remote: Authentication failed for 'https://...'": true,
		"fatal: unable to access: The requested URL returned error: 403": true,
		"fatal: protocol error: bad line length": false,
	}
	for stderr, want := range cases {
		if got := isRetryableGitError(stderr); got != want {
			t.Errorf("isRetryableGitError(%q) = %v, want %v", stderr, got, want)
		}
	}
}
