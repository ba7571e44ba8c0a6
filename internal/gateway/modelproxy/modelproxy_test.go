package modelproxy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"jib/internal/secrets"
)

func TestStripToolsRemovesBlockedNamesOnly(t *testing.T) {
	body := []byte(`{"model":"x","tools":[{"name":"web_search"},{"name":"read_file"},{"name":"Web_Fetch"}]}`)
	out, redacted := stripTools(body)
	if !redacted {
		t.Fatalf("expected redaction")
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	tools := decoded["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("expected 1 surviving tool, got %d: %v", len(tools), tools)
	}
	name := tools[0].(map[string]any)["name"]
	if name != "read_file" {
		t.Fatalf("expected read_file to survive, got %v", name)
	}
}

func TestStripToolsNoOpWithoutToolsField(t *testing.T) {
	body := []byte(`{"model":"x"}`)
	out, redacted := stripTools(body)
	if redacted {
		t.Fatalf("expected no redaction")
	}
	if string(out) != string(body) {
		t.Fatalf("expected body unchanged")
	}
}

func writeSecretsFile(t *testing.T, contents string) *secrets.Bundle {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.env")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}
	w, err := secrets.NewWatcher(path)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w.Current()
}

func TestAuthHeaderPrefersOAuthOverAPIKey(t *testing.T) {
	bundle := writeSecretsFile(t, "MODEL_OAUTH_TOKEN=\"oauth-tok\"\nMODEL_API_KEY=\"api-key\"\n")
	p := &Proxy{secretBundle: func() *secrets.Bundle { return bundle }}
	name, value, ok := p.authHeader()
	if !ok || name != "Authorization" || value != "Bearer oauth-tok" {
		t.Fatalf("expected OAuth bearer header, got %q=%q ok=%v", name, value, ok)
	}
}

func TestAuthHeaderFallsBackToAPIKey(t *testing.T) {
	bundle := writeSecretsFile(t, "MODEL_API_KEY=\"api-key\"\n")
	p := &Proxy{secretBundle: func() *secrets.Bundle { return bundle }}
	name, value, ok := p.authHeader()
	if !ok || name != "X-Api-Key" || value != "api-key" {
		t.Fatalf("expected API key header, got %q=%q ok=%v", name, value, ok)
	}
}
