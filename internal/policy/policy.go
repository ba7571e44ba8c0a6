// Package policy implements the repository policy store: a declarative,
// YAML-backed list of writable and readable repositories with per-repo
// authentication mode, incognito identity mapping, and default reviewer,
// loaded from config/repositories.yaml. It is mutated only by setup and
// read by the gateway per request.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AuthMode selects how the gateway authenticates writes to a repository.
type AuthMode string

const (
	AuthApp       AuthMode = "app"
	AuthPAT       AuthMode = "pat"
	AuthIncognito AuthMode = "incognito"
)

// Role is whether a container may write to, or only read, a repository.
type Role string

const (
	RoleWritable Role = "writable"
	RoleReadable Role = "readable"
)

// Record is one repository policy record.
type Record struct {
	FullName        string   `yaml:"-"`
	Role            Role     `yaml:"-"`
	AuthMode        AuthMode `yaml:"auth_mode"`
	DefaultReviewer string   `yaml:"default_reviewer,omitempty"`
}

// Incognito is the identity used for writable repos with auth_mode
// incognito: commits are attributed to this user instead of the
// organizational app.
type Incognito struct {
	GitHubUser string `yaml:"github_user"`
	GitName    string `yaml:"git_name"`
	GitEmail   string `yaml:"git_email"`
	// PersonalToken is read from the secret bundle, never from this file.
	PersonalToken string `yaml:"-"`
}

// file is the on-disk shape of config/repositories.yaml.
type file struct {
	GitHubUsername string            `yaml:"github_username"`
	WritableRepos  []string          `yaml:"writable_repos"`
	ReadableRepos  []string          `yaml:"readable_repos"`
	RepoSettings   map[string]Record `yaml:"repo_settings"`
	Incognito      Incognito         `yaml:"incognito"`
}

// Store is the loaded, validated repository policy.
type Store struct {
	GitHubUsername string
	Incognito      Incognito
	records        map[string]Record // keyed by full_name
}

// Load reads and validates config/repositories.yaml at path.
func Load(path string) (*Store, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	records := map[string]Record{}
	add := func(name string, role Role) error {
		if _, dup := records[name]; dup {
			return fmt.Errorf("repository %q listed more than once", name)
		}
		rec := f.RepoSettings[name]
		rec.FullName = name
		rec.Role = role
		if rec.AuthMode == "" {
			rec.AuthMode = AuthApp
		}
		records[name] = rec
		return nil
	}
	for _, name := range f.WritableRepos {
		if err := add(name, RoleWritable); err != nil {
			return nil, err
		}
	}
	for _, name := range f.ReadableRepos {
		if err := add(name, RoleReadable); err != nil {
			return nil, err
		}
	}

	needsIncognito := false
	for _, r := range records {
		if r.AuthMode == AuthIncognito {
			needsIncognito = true
		}
	}
	if needsIncognito {
		if f.Incognito.GitHubUser == "" || f.Incognito.GitName == "" || f.Incognito.GitEmail == "" {
			return nil, fmt.Errorf("incognito auth_mode in use but incognito identity is not fully populated")
		}
	}

	return &Store{
		GitHubUsername: f.GitHubUsername,
		Incognito:      f.Incognito,
		records:        records,
	}, nil
}

// Lookup returns the policy record for a repository, if any.
func (s *Store) Lookup(fullName string) (Record, bool) {
	r, ok := s.records[fullName]
	return r, ok
}

// IsWritable reports whether fullName is configured as writable.
func (s *Store) IsWritable(fullName string) bool {
	r, ok := s.records[fullName]
	return ok && r.Role == RoleWritable
}

// IsKnown reports whether fullName appears in either list.
func (s *Store) IsKnown(fullName string) bool {
	_, ok := s.records[fullName]
	return ok
}

// Summary returns a non-sensitive summary for the health endpoint.
type Summary struct {
	WritableCount int      `json:"writable_count"`
	ReadableCount int      `json:"readable_count"`
	Repos         []string `json:"repos"`
}

func (s *Store) Summary() Summary {
	sum := Summary{}
	for name, r := range s.records {
		if r.Role == RoleWritable {
			sum.WritableCount++
		} else {
			sum.ReadableCount++
		}
		sum.Repos = append(sum.Repos, name)
	}
	return sum
}
