// Package config is the single on-disk location for non-secret jib
// settings: it resolves the config directory, migrates a legacy path into
// it if found, and loads the three files the rest of the system needs
// (repositories.yaml via internal/policy, secrets.env via
// internal/secrets, context-filters.yaml here).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	RepositoriesFile   = "repositories.yaml"
	SecretsFile        = "secrets.env"
	ContextFiltersFile = "context-filters.yaml"
)

// Dir resolves the canonical jib configuration directory: $JIB_CONFIG_DIR,
// else $XDG_CONFIG_HOME/jib, else ~/.config/jib.
func Dir() string {
	if v := strings.TrimSpace(os.Getenv("JIB_CONFIG_DIR")); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); v != "" {
		return filepath.Join(v, "jib")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".jib")
	}
	return filepath.Join(home, ".config", "jib")
}

// legacyDir is the pre-rename on-disk location this project grew up from.
func legacyDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".jib")
}

// MigrateLegacy copies files from the legacy config directory into dir if
// dir does not already contain them; a file already in dir is never
// overwritten, and the legacy files are left in place. It is idempotent:
// running it twice is a no-op the second time.
func MigrateLegacy(dir string) error {
	legacy := legacyDir()
	if legacy == "" || legacy == dir {
		return nil
	}
	info, err := os.Stat(legacy)
	if err != nil || !info.IsDir() {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, name := range []string{RepositoriesFile, SecretsFile, ContextFiltersFile} {
		src := filepath.Join(legacy, name)
		dst := filepath.Join(dir, name)
		if _, err := os.Stat(dst); err == nil {
			continue // already migrated, never clobber
		}
		data, err := os.ReadFile(src)
		if err != nil {
			continue // legacy file doesn't exist for this name
		}
		mode := os.FileMode(0o644)
		if name == SecretsFile {
			mode = 0o600
		}
		if err := os.WriteFile(dst, data, mode); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

// ContextFilters is config/context-filters.yaml: allowlists for bulk-pull
// sources.
type ContextFilters struct {
	Spaces   []string `yaml:"spaces"`
	Projects []string `yaml:"projects"`
}

// LoadContextFilters reads context-filters.yaml at path. A missing file is
// treated as an empty allowlist (nothing to sync), not an error.
func LoadContextFilters(path string) (ContextFilters, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ContextFilters{}, nil
		}
		return ContextFilters{}, err
	}
	var cf ContextFilters
	if err := yaml.Unmarshal(b, &cf); err != nil {
		return ContextFilters{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cf, nil
}

// Runtime bundles the paths every daemon resolves the same way, plus the
// timing knobs with their defaults (chat batch window, PR debounce window,
// per-channel pacing, analyzer wall-time cap).
type Runtime struct {
	ConfigDir            string
	RepositoriesPath     string
	SecretsPath          string
	ContextFiltersPath   string
	SharingDir           string
	ChatBatchWindow      time.Duration
	PRDebounceWindow     time.Duration
	ChatPacingInterval   time.Duration
	AnalyzerMaxWallTime  time.Duration
}

// Load resolves the Runtime from environment overrides with jib's defaults,
// migrating the legacy config dir first.
func Load() (Runtime, error) {
	dir := Dir()
	if err := MigrateLegacy(dir); err != nil {
		return Runtime{}, err
	}
	sharing := envOr("JIB_SHARING_DIR", filepath.Join(dir, "sharing"))
	return Runtime{
		ConfigDir:           dir,
		RepositoriesPath:    filepath.Join(dir, RepositoriesFile),
		SecretsPath:         filepath.Join(dir, SecretsFile),
		ContextFiltersPath:  filepath.Join(dir, ContextFiltersFile),
		SharingDir:          sharing,
		ChatBatchWindow:     envDuration("JIB_CHAT_BATCH_WINDOW", 30*time.Second),
		PRDebounceWindow:    envDuration("JIB_PR_DEBOUNCE_WINDOW", 60*time.Second),
		ChatPacingInterval:  envDuration("JIB_CHAT_PACING_INTERVAL", 1*time.Second),
		AnalyzerMaxWallTime: envDuration("JIB_ANALYZER_MAX_WALL_TIME", 20*time.Minute),
	}, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// SharingSubdirs are the well-known subdirectories of the shared
// filesystem between host and container.
var SharingSubdirs = []string{
	"notifications",
	"incoming",
	"responses",
	"staged-changes",
	"tracking",
	"container-logs",
}

// EnsureSharingLayout creates every SharingSubdirs entry under dir.
func EnsureSharingLayout(dir string) error {
	for _, sub := range SharingSubdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return err
		}
	}
	return nil
}
