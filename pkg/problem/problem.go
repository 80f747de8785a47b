package problem

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a failure class in the bridge error taxonomy.
// The set is stable: callers parse these strings.
type Kind string

const (
	KindFraming              Kind = "FramingError"
	KindPolicyDenied         Kind = "PolicyDenied"
	KindConnectionLost       Kind = "ConnectionLost"
	KindBackpressureOverflow Kind = "BackpressureOverflow"
	KindTimeout              Kind = "Timeout"
	KindNavigationDenied     Kind = "NavigationDenied"
	KindBrowserTimeout       Kind = "BrowserTimeout"
	KindPoolExhausted        Kind = "PoolExhausted"
	KindUnparameterizedQuery Kind = "UnparameterizedQuery"
	KindNotFound             Kind = "NotFound"
	KindInternal             Kind = "Internal"
)

// Error is the internal error type carrying a taxonomy kind.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap returns the underlying cause, if any
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a taxonomy error
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates a taxonomy error with a formatted detail string
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates a taxonomy error wrapping a cause. The cause is kept for
// internal logging only and never surfaces in the Problem response.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// KindOf returns the taxonomy kind for an error, falling back to Internal
// for errors that carry no kind. Context deadline errors map to Timeout.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// SessionFatal reports whether a failure class terminates the whole
// session rather than a single request.
func SessionFatal(kind Kind) bool {
	return kind == KindFraming || kind == KindConnectionLost
}

// Problem is the machine-parseable error shape surfaced to callers.
type Problem struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Status  int    `json:"status"`
	Detail  string `json:"detail,omitempty"`
	TraceID string `json:"traceId,omitempty"`
}

var titles = map[Kind]string{
	KindFraming:              "Malformed wire data",
	KindPolicyDenied:         "Request denied by policy",
	KindConnectionLost:       "Connection to tool server lost",
	KindBackpressureOverflow: "Consumer too slow, chunk queue overflowed",
	KindTimeout:              "Request deadline exceeded",
	KindNavigationDenied:     "Navigation target not allowlisted",
	KindBrowserTimeout:       "Browser operation timed out",
	KindPoolExhausted:        "Database connection pool exhausted",
	KindUnparameterizedQuery: "Statement must be parameterized",
	KindNotFound:             "Tool not found",
	KindInternal:             "Internal error",
}

var statuses = map[Kind]int{
	KindFraming:              http.StatusBadGateway,
	KindPolicyDenied:         http.StatusForbidden,
	KindConnectionLost:       http.StatusBadGateway,
	KindBackpressureOverflow: http.StatusTooManyRequests,
	KindTimeout:              http.StatusGatewayTimeout,
	KindNavigationDenied:     http.StatusForbidden,
	KindBrowserTimeout:       http.StatusGatewayTimeout,
	KindPoolExhausted:        http.StatusServiceUnavailable,
	KindUnparameterizedQuery: http.StatusBadRequest,
	KindNotFound:             http.StatusNotFound,
	KindInternal:             http.StatusInternalServerError,
}

// From converts any error into a Problem. Internal detail (wrapped causes,
// stack context) is dropped; only the taxonomy kind and the human detail
// string survive.
func From(err error, traceID string) Problem {
	kind := KindOf(err)

	detail := ""
	var e *Error
	if errors.As(err, &e) {
		detail = e.Detail
	}

	return Problem{
		Type:    string(kind),
		Title:   titles[kind],
		Status:  statuses[kind],
		Detail:  detail,
		TraceID: traceID,
	}
}
