// Package modelproxy implements the model proxy: it forwards
// chat/messages and token-count requests to the external model API,
// injects either a bearer OAuth token or an API key header (OAuth
// preferred), streams SSE responses back without buffering, forwards all
// headers except a fixed auth blocklist, passes through error responses
// verbatim including the upstream request id header, and in private mode
// strips named tool declarations before forwarding and logs the
// redaction.
package modelproxy

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"jib/internal/gwerr"
	"jib/internal/reqlog"
	"jib/internal/secrets"
	"jib/internal/wrapperproto"
)

// blockedHeaders are stripped from the inbound request before forwarding;
// the gateway sets its own auth header and nothing else auth-related may
// pass through.
var blockedHeaders = map[string]bool{
	"Authorization":       true,
	"X-Api-Key":           true,
	"Proxy-Authorization": true,
	"Cookie":              true,

	// internal correlation header, not for the upstream
	wrapperproto.ContainerIDHeader: true,
}

// strippedTools are removed from the request body's tool declarations in
// private mode; matching is case-insensitive.
var strippedTools = map[string]bool{
	"web_search": true,
	"web_fetch":  true,
}

// Proxy forwards model API requests with credential injection and,
// in private mode, tool-declaration stripping.
type Proxy struct {
	upstreamBase string
	httpClient   *http.Client
	secretBundle func() *secrets.Bundle
	privateMode  bool
	log          *reqlog.Log
	logger       *log.Logger
}

// New builds a model proxy targeting upstreamBase (e.g. the provider's API
// root).
func New(upstreamBase string, client *http.Client, secretBundle func() *secrets.Bundle, privateMode bool, reqLog *reqlog.Log, logger *log.Logger) *Proxy {
	if client == nil {
		client = http.DefaultClient
	}
	return &Proxy{upstreamBase: strings.TrimRight(upstreamBase, "/"), httpClient: client, secretBundle: secretBundle, privateMode: privateMode, log: reqLog, logger: logger}
}

// authHeader resolves the credential to inject: the OAuth bearer token
// when configured, the API key otherwise.
func (p *Proxy) authHeader() (name, value string, ok bool) {
	bundle := p.secretBundle()
	if tok := bundle.Get(secrets.KeyModelOAuthToken); tok != "" {
		return "Authorization", "Bearer " + tok, true
	}
	if key := bundle.Get(secrets.KeyModelAPIKey); key != "" {
		return "X-Api-Key", key, true
	}
	return "", "", false
}

// ServeHTTP forwards r to the upstream model API path, streaming the
// response body back without buffering so SSE frames pass through live.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	containerID := r.Header.Get(wrapperproto.ContainerIDHeader)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		p.fail(w, containerID, "model.proxy", gwerr.New(gwerr.Internal, "read body: %v", err))
		return
	}

	if p.privateMode {
		stripped, redacted := stripTools(body)
		if redacted {
			body = stripped
			if p.logger != nil {
				p.logger.Printf("model proxy: stripped web-access tools from request (private mode), container=%s", containerID)
			}
		}
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, p.upstreamBase+r.URL.Path, bytes.NewReader(body))
	if err != nil {
		p.fail(w, containerID, "model.proxy", gwerr.New(gwerr.Internal, "build upstream request: %v", err))
		return
	}
	for name, vals := range r.Header {
		if blockedHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range vals {
			req.Header.Add(name, v)
		}
	}
	if name, value, ok := p.authHeader(); ok {
		req.Header.Set(name, value)
	} else {
		p.fail(w, containerID, "model.proxy", gwerr.New(gwerr.Unauthorized, "no model credential configured"))
		return
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.fail(w, containerID, "model.proxy", gwerr.New(gwerr.Upstream5xx, "upstream request: %v", err))
		return
	}
	defer resp.Body.Close()

	for name, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			break
		}
	}

	code := "ok"
	if resp.StatusCode >= 400 {
		code = "upstream_error"
	}
	p.appendLog(containerID, "model.proxy", code)
}

func (p *Proxy) fail(w http.ResponseWriter, containerID, op string, gerr *gwerr.Error) {
	p.appendLog(containerID, op, "error")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gerr.Status())
	_ = json.NewEncoder(w).Encode(map[string]string{"error": string(gerr.Kind), "message": gerr.Message})
}

func (p *Proxy) appendLog(containerID, op, code string) {
	if p.log == nil {
		return
	}
	_ = p.log.Append(reqlog.Entry{ContainerID: containerID, Operation: op, ResultCode: code})
}

// stripTools removes named tool declarations from a chat/messages request
// body. It operates on the generic {"tools": [{"name": "..."}]} shape
// common to model APIs, leaving the body untouched if it doesn't parse or
// carries no tools field.
func stripTools(body []byte) (out []byte, redacted bool) {
	var generic map[string]any
	if err := json.Unmarshal(body, &generic); err != nil {
		return body, false
	}
	toolsRaw, ok := generic["tools"].([]any)
	if !ok {
		return body, false
	}
	kept := make([]any, 0, len(toolsRaw))
	for _, t := range toolsRaw {
		tm, ok := t.(map[string]any)
		if !ok {
			kept = append(kept, t)
			continue
		}
		name, _ := tm["name"].(string)
		if strippedTools[strings.ToLower(name)] {
			redacted = true
			continue
		}
		kept = append(kept, t)
	}
	if !redacted {
		return body, false
	}
	generic["tools"] = kept
	b, err := json.Marshal(generic)
	if err != nil {
		return body, false
	}
	return b, true
}
