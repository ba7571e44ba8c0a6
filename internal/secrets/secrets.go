// Package secrets loads the secret bundle from config/secrets.env, a
// shell-style `KEY="value"` file, and watches it for mtime changes so the
// gateway can hot-reload credentials without a restart. A file change
// swaps in a fresh snapshot atomically on the next request boundary.
package secrets

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Well-known keys in the secret bundle.
const (
	KeyChatBotToken           = "CHAT_BOT_TOKEN"
	KeyChatSocketToken        = "CHAT_SOCKET_TOKEN"
	KeyCodeHostToken          = "CODE_HOST_TOKEN"
	KeyCodeHostAppID          = "CODE_HOST_APP_ID"
	KeyCodeHostInstallationID = "CODE_HOST_INSTALLATION_ID"
	KeyCodeHostPrivateKeyPath = "CODE_HOST_PRIVATE_KEY_PATH"
	KeyIncognitoPersonalToken = "INCOGNITO_PERSONAL_TOKEN"
	KeyModelAPIKey            = "MODEL_API_KEY"
	KeyModelOAuthToken        = "MODEL_OAUTH_TOKEN"
	KeyDocsBaseURL            = "DOCS_BASE_URL"
	KeyDocsUser               = "DOCS_USER"
	KeyDocsAPIToken           = "DOCS_API_TOKEN"
)

// Bundle is a read-only snapshot of the secret bundle. Never logged, never
// passed to the sandbox.
type Bundle struct {
	values map[string]string
}

// Get returns a secret value, or "" if unset.
func (b *Bundle) Get(key string) string {
	if b == nil {
		return ""
	}
	return b.values[key]
}

func parse(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := map[string]string{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		val = strings.Trim(val, `"`)
		if key == "" {
			continue
		}
		values[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &Bundle{values: values}, nil
}

// Watcher owns the live, hot-reloadable Bundle for a secrets.env path.
type Watcher struct {
	path    string
	current atomic.Pointer[Bundle]
	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewWatcher loads path once and starts watching it for mtime changes.
// Callers treat a load failure here as fatal; there is no point starting
// a gateway with no credentials.
func NewWatcher(path string) (*Watcher, error) {
	b, err := parse(path)
	if err != nil {
		return nil, fmt.Errorf("load secret bundle: %w", err)
	}
	w := &Watcher{path: path}
	w.current.Store(b)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, err
	}
	w.watcher = fw
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// reload re-parses the file and swaps the snapshot atomically. A parse
// failure leaves the previous snapshot in place; the gateway never
// silently runs with a half-applied bundle.
func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, err := parse(w.path)
	if err != nil {
		return
	}
	w.current.Store(b)
}

// Current returns the latest loaded bundle.
func (w *Watcher) Current() *Bundle {
	return w.current.Load()
}

// Close stops the filesystem watch.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
