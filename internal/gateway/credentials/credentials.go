// Package credentials implements credential selection for the gateway:
// minting and caching GitHub App installation tokens, and falling back to
// a PAT or the incognito identity's personal token per repository policy.
package credentials

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v66/github"

	"jib/internal/policy"
	"jib/internal/secrets"
)

// App wraps the GitHub App identity used to mint installation tokens.
type App struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPEM  []byte
}

// Selector resolves a push/write credential per repository policy. The
// container never receives any value it returns.
type Selector struct {
	app          *App
	secretBundle func() *secrets.Bundle
	store        *policy.Store

	mu    sync.Mutex
	cache map[string]cachedToken // keyed by repo full_name
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// NewSelector builds a credential selector. secretBundle is called lazily
// so the selector always observes the latest hot-reloaded secret snapshot.
func NewSelector(app *App, secretBundle func() *secrets.Bundle, store *policy.Store) *Selector {
	return &Selector{app: app, secretBundle: secretBundle, store: store, cache: map[string]cachedToken{}}
}

// Credential is what gitproxy/codeproxy inject into the outbound request;
// it never reaches the sandbox.
type Credential struct {
	Token    string
	GitName  string
	GitEmail string
}

// For resolves the credential to use for a write to repoFull, per the
// repository's configured auth_mode.
func (s *Selector) For(repoFull string) (Credential, error) {
	rec, ok := s.store.Lookup(repoFull)
	if !ok {
		return Credential{}, fmt.Errorf("unknown repository %q", repoFull)
	}

	switch rec.AuthMode {
	case policy.AuthApp:
		tok, err := s.appToken(repoFull)
		if err != nil {
			return Credential{}, err
		}
		return Credential{Token: tok}, nil

	case policy.AuthPAT:
		tok := s.secretBundle().Get(secrets.KeyCodeHostToken)
		if tok == "" {
			return Credential{}, fmt.Errorf("auth_mode=pat but no fallback token configured")
		}
		return Credential{Token: tok}, nil

	case policy.AuthIncognito:
		tok := s.secretBundle().Get(secrets.KeyIncognitoPersonalToken)
		if tok == "" {
			return Credential{}, fmt.Errorf("auth_mode=incognito but no personal token configured")
		}
		return Credential{Token: tok, GitName: s.store.Incognito.GitName, GitEmail: s.store.Incognito.GitEmail}, nil

	default:
		return Credential{}, fmt.Errorf("repository %q has unknown auth_mode %q", repoFull, rec.AuthMode)
	}
}

// CommitIdentity returns the commit author to pin on a repository's
// worktrees. Only incognito-mode repositories carry one; commits there
// must be attributed to the incognito identity, never to whatever
// ambient git identity the host happens to have. Unlike For, this never
// mints a token.
func (s *Selector) CommitIdentity(repoFull string) (name, email string, ok bool) {
	rec, found := s.store.Lookup(repoFull)
	if !found || rec.AuthMode != policy.AuthIncognito {
		return "", "", false
	}
	return s.store.Incognito.GitName, s.store.Incognito.GitEmail, true
}

// appToken mints (or returns a cached) installation access token. Installation
// tokens are valid for one hour; cached with a small safety margin.
func (s *Selector) appToken(repoFull string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.cache[repoFull]; ok && time.Now().Before(cached.expiresAt) {
		return cached.token, nil
	}

	tr, err := ghinstallation.New(http.DefaultTransport, s.app.AppID, s.app.InstallationID, s.app.PrivateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("build installation transport: %w", err)
	}
	tok, err := tr.Token(context.Background())
	if err != nil {
		return "", fmt.Errorf("mint installation token: %w", err)
	}

	s.cache[repoFull] = cachedToken{token: tok, expiresAt: time.Now().Add(50 * time.Minute)}
	return tok, nil
}

// InstallationClient returns a go-github client authenticated as the App's
// installation, for the code-hosting proxy's issue/PR/checks/tree calls.
func (s *Selector) InstallationClient() (*github.Client, error) {
	tr, err := ghinstallation.New(http.DefaultTransport, s.app.AppID, s.app.InstallationID, s.app.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	return github.NewClient(&http.Client{Transport: tr}), nil
}

// AuthenticatedRemote rewrites a plain https remote URL to embed token as
// the basic-auth username, the way git-over-https credential injection
// works without a credential helper.
func AuthenticatedRemote(remoteURL, token string) string {
	if !strings.HasPrefix(remoteURL, "https://") {
		return remoteURL
	}
	return "https://x-access-token:" + token + "@" + strings.TrimPrefix(remoteURL, "https://")
}
