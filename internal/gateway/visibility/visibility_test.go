package visibility

import (
	"testing"
	"time"
)

func TestLookupCachesPositiveResult(t *testing.T) {
	c := New(time.Hour, time.Minute)
	calls := 0
	fetch := func() (Visibility, bool) { calls++; return Public, true }

	if got := c.Lookup("org/repo", fetch); got != Public {
		t.Fatalf("expected Public, got %s", got)
	}
	if got := c.Lookup("org/repo", fetch); got != Public {
		t.Fatalf("expected cached Public, got %s", got)
	}
	if calls != 1 {
		t.Fatalf("expected fetch called once, got %d", calls)
	}
}

func TestLookupFailsClosedOnFetchError(t *testing.T) {
	c := New(time.Hour, time.Minute)
	fetch := func() (Visibility, bool) { return "", false }
	if got := c.Lookup("org/repo", fetch); got != Private {
		t.Fatalf("expected fail-closed Private, got %s", got)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	c := New(time.Hour, time.Minute)
	calls := 0
	fetch := func() (Visibility, bool) { calls++; return Public, true }
	c.Lookup("org/repo", fetch)
	c.Invalidate("org/repo")
	c.Lookup("org/repo", fetch)
	if calls != 2 {
		t.Fatalf("expected 2 fetches after invalidate, got %d", calls)
	}
}
