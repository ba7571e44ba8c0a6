package allowlist

import "testing"

func TestValidateRejectsUnknownSubcommand(t *testing.T) {
	table := DefaultLocalGit()
	ok, reason := table.Validate("push", nil)
	if ok || reason == "" {
		t.Fatalf("expected push to be rejected for the local-git table")
	}
}

func TestValidateRejectsGloballyBlockedFlag(t *testing.T) {
	table := DefaultLocalGit()
	ok, reason := table.Validate("commit", []string{"-m", "msg", "--no-verify"})
	if ok {
		t.Fatalf("expected --no-verify to be rejected")
	}
	if reason == "" {
		t.Fatalf("expected a reason for rejection")
	}
}

func TestValidateRejectsBlockedFlagWithEqualsValue(t *testing.T) {
	table := DefaultLocalGit()
	ok, _ := table.Validate("commit", []string{"--config-env=foo=bar"})
	if ok {
		t.Fatalf("expected --config-env=... to be rejected regardless of its value")
	}
}

func TestValidateRejectsFlagNotInSubcommandAllowlist(t *testing.T) {
	table := DefaultLocalGit()
	ok, _ := table.Validate("status", []string{"--force"})
	if ok {
		t.Fatalf("expected --force to be rejected for status")
	}
}

func TestValidateAcceptsKnownSubcommandAndFlags(t *testing.T) {
	table := DefaultLocalGit()
	ok, reason := table.Validate("status", []string{"--short", "--branch"})
	if !ok {
		t.Fatalf("expected status --short --branch to be accepted, got reason %q", reason)
	}
}

func TestValidateAcceptsPositionalArgsWithoutFlagPrefix(t *testing.T) {
	table := DefaultGitNetwork()
	ok, reason := table.Validate("push", []string{"refs/heads/agent/c1/work"})
	if !ok {
		t.Fatalf("expected a bare refspec argument to be accepted, got reason %q", reason)
	}
}

func TestDefaultGitNetworkRejectsArbitrarySubcommand(t *testing.T) {
	table := DefaultGitNetwork()
	ok, _ := table.Validate("clone", nil)
	if ok {
		t.Fatalf("expected clone to be rejected; network table only allows push/fetch/pull/ls-remote")
	}
}

func TestProtectedBranchesIncludesMainAndMaster(t *testing.T) {
	protected := ProtectedBranches()
	for _, b := range []string{"main", "master"} {
		if !protected[b] {
			t.Fatalf("expected %q to be protected", b)
		}
	}
	if protected["feature/x"] {
		t.Fatalf("did not expect feature/x to be protected")
	}
}
