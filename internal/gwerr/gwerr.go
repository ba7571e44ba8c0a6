// Package gwerr defines the typed error kinds the gateway surfaces to its
// callers (sandbox wrappers, chat bridge, dispatcher). A Kind always carries
// an HTTP status and a stable machine-readable string so a handler never has
// to re-derive either from a formatted message.
package gwerr

import (
	"fmt"
	"net/http"
)

// Kind is one of the error kinds enumerated in the gateway's error design.
type Kind string

const (
	NotAllowed        Kind = "not_allowed"
	Unauthorized      Kind = "unauthorized"
	BlockedVisibility Kind = "blocked_visibility"
	BranchNotOwned    Kind = "branch_not_owned"
	ProtectedBranch   Kind = "protected_branch"
	Upstream4xx       Kind = "upstream_4xx"
	Upstream5xx       Kind = "upstream_5xx"
	Timeout           Kind = "timeout"
	NoActiveContainer Kind = "no_active_container"
	Conflict          Kind = "conflict"
	Internal          Kind = "internal"
)

var statusByKind = map[Kind]int{
	NotAllowed:        http.StatusForbidden,
	Unauthorized:      http.StatusUnauthorized,
	BlockedVisibility: http.StatusForbidden,
	BranchNotOwned:    http.StatusForbidden,
	ProtectedBranch:   http.StatusForbidden,
	Upstream4xx:       http.StatusBadGateway,
	Upstream5xx:       http.StatusBadGateway,
	Timeout:           http.StatusGatewayTimeout,
	NoActiveContainer: http.StatusConflict,
	Conflict:          http.StatusConflict,
	Internal:          http.StatusInternalServerError,
}

// Error is a typed gateway error. It carries the upstream status/body when
// it wraps a passthrough response, and a request id when the gateway itself
// failed so the id can be cross-referenced in the request log.
type Error struct {
	Kind         Kind
	Message      string
	RequestID    string
	UpstreamBody string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

// Status returns the HTTP status code this error kind maps to.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given kind with a message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Upstream wraps a passthrough upstream failure, preserving its status class
// and body so the gateway can return it verbatim.
func Upstream(status int, body string) *Error {
	k := Upstream4xx
	if status >= 500 {
		k = Upstream5xx
	}
	return &Error{Kind: k, Message: fmt.Sprintf("upstream status %d", status), UpstreamBody: body}
}

// As reports whether err is a *Error and returns it.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
