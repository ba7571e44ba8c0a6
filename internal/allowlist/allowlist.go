// Package allowlist holds the gateway's declarative command/flag
// allow-lists. Every operation type the gateway exposes carries an
// explicit list of permitted subcommands and, for each subcommand, an
// explicit list of permitted flags; anything else is refused.
package allowlist

import "strings"

// Op identifies a class of operation validated against an allow-list.
type Op string

const (
	OpGitLocal   Op = "git_local"
	OpGitNetwork Op = "git_network"
)

// Subcommand describes one allowed subcommand and the flags it accepts.
type Subcommand struct {
	Name          string
	AllowedFlags  map[string]bool
	AllowsNoFlags bool // not set by the default tables and not read by Validate
}

// Table is a set of allowed subcommands for one Op.
type Table struct {
	Op          Op
	Subcommands map[string]Subcommand
}

// globallyBlockedFlagPrefixes are forbidden on every git invocation
// regardless of subcommand: runtime config override, hook bypass, anything
// that can exec arbitrary commands, anything that changes git-dir or
// work-tree.
var globallyBlockedFlagPrefixes = []string{
	"-c", "--config-env", // runtime config override
	"--no-verify",                      // hook bypass (commit/push)
	"--upload-pack", "--receive-pack", "--exec", // arbitrary command execution
	"--git-dir", "--work-tree", // changes git/work dir
	"--exec-path",
}

// DefaultLocalGit is the allow-list for local git exec:
// read/stage/commit/branch/checkout operations a sandbox needs to work
// locally, nothing that talks to a remote or bypasses metadata safety.
func DefaultLocalGit() Table {
	noFlags := func(name string, flags ...string) Subcommand {
		set := map[string]bool{}
		for _, f := range flags {
			set[f] = true
		}
		return Subcommand{Name: name, AllowedFlags: set}
	}
	return Table{
		Op: OpGitLocal,
		Subcommands: map[string]Subcommand{
			"status": noFlags("status", "--short", "--branch", "--porcelain"),
			"diff":   noFlags("diff", "--stat", "--name-only", "--cached", "--staged"),
			"log":    noFlags("log", "--oneline", "--graph", "-n", "--max-count", "-p"),
			"add":    noFlags("add", "-A", "--all", "-u", "--update"),
			"commit": noFlags("commit", "-m", "--message", "--amend"),
			"branch": noFlags("branch", "-a", "--all", "-d", "-D", "-v"),
			"checkout": noFlags("checkout", "-b", "-B"),
			"switch":   noFlags("switch", "-c", "-C"),
			"restore":  noFlags("restore", "--staged", "--worktree"),
			"show":     noFlags("show", "--stat"),
			"rev-parse": noFlags("rev-parse", "--abbrev-ref", "--short"),
			"config": {
				Name: "config",
				// --global only; local/system config-file rewrite is blocked by
				// routing `config --global` to a direct $HOME/.gitconfig edit in
				// the sandbox wrapper rather than the real binary at all.
				AllowedFlags: map[string]bool{"--global": true, "--get": true},
			},
		},
	}
}

// DefaultGitNetwork is the allow-list for the git-over-network endpoint:
// push/fetch/pull/ls-remote only.
func DefaultGitNetwork() Table {
	flags := func(fs ...string) map[string]bool {
		m := map[string]bool{}
		for _, f := range fs {
			m[f] = true
		}
		return m
	}
	return Table{
		Op: OpGitNetwork,
		Subcommands: map[string]Subcommand{
			"push":      {Name: "push", AllowedFlags: flags("--force-with-lease", "-u", "--set-upstream")},
			"fetch":     {Name: "fetch", AllowedFlags: flags("--prune", "--tags", "--depth")},
			"pull":      {Name: "pull", AllowedFlags: flags("--rebase", "--ff-only")},
			"ls-remote": {Name: "ls-remote", AllowedFlags: flags("--heads", "--tags")},
		},
	}
}

// Validate checks a subcommand + flag set against t, and additionally
// rejects any flag from the global blocklist regardless of subcommand.
// It returns a descriptive reason on rejection; the caller must refuse
// the whole operation, never execute part of it.
func (t Table) Validate(subcommand string, argv []string) (ok bool, reason string) {
	sub, known := t.Subcommands[subcommand]
	if !known {
		return false, "subcommand not allowed: " + subcommand
	}
	for _, a := range argv {
		flag, _, isFlag := splitFlag(a)
		if !isFlag {
			continue
		}
		for _, blocked := range globallyBlockedFlagPrefixes {
			if flag == blocked || strings.HasPrefix(flag, blocked+"=") {
				return false, "flag permanently blocked: " + flag
			}
		}
		if !sub.AllowedFlags[flag] {
			return false, "flag not allowed for " + subcommand + ": " + flag
		}
	}
	return true, ""
}

func splitFlag(arg string) (flag string, value string, isFlag bool) {
	if !strings.HasPrefix(arg, "-") {
		return "", "", false
	}
	if i := strings.Index(arg, "="); i >= 0 {
		return arg[:i], arg[i+1:], true
	}
	return arg, "", true
}

// ProtectedBranches returns the default set of branch names that can never
// be pushed to or merged.
func ProtectedBranches() map[string]bool {
	return map[string]bool{"main": true, "master": true}
}
