// ABOUTME: Error taxonomy shared by every gateway component
// ABOUTME: Kinds map one-to-one onto HTTP status codes and structured error bodies

package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how the caller should react to it.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindExpired    Kind = "expired"
	KindUpstream   Kind = "upstream"
	KindTimeout    Kind = "timeout"
	KindInternal   Kind = "internal"
)

// Well-known error codes carried in Error.Code.
const (
	CodeUnknownMode               = "unknown_mode"
	CodeCheckpointAlreadyResolved = "checkpoint_already_resolved"
	CodeCheckpointExpired         = "checkpoint_expired"
	CodeConcurrentStreamRejected  = "concurrent_stream_rejected"
	CodeUpstreamStatus            = "upstream_status"
	CodeUpstreamDisconnected      = "upstream_disconnected"
	CodeUpstreamUnreachable       = "upstream_unreachable"
	CodeTimeout                   = "timeout"
)

// Error is the structured error returned by gateway components.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail returns e with key set in its details map.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Validation reports malformed input the caller can fix.
func Validation(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

// NotFound reports an entity that is absent or not owned by the caller.
func NotFound(code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg}
}

// Conflict reports a state conflict such as a duplicate resolution.
func Conflict(code, msg string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg}
}

// Expired reports a deadline that has passed.
func Expired(code, msg string) *Error {
	return &Error{Kind: KindExpired, Code: code, Message: msg}
}

// Upstream reports a compute engine failure. status is 0 when no response arrived.
func Upstream(code, msg string, status int, err error) *Error {
	e := &Error{Kind: KindUpstream, Code: code, Message: msg, Err: err}
	if status != 0 {
		e.WithDetail("upstream_status", status)
	}
	return e
}

// Timeout reports a connect or preflight timeout.
func Timeout(msg string, err error) *Error {
	return &Error{Kind: KindTimeout, Code: CodeTimeout, Message: msg, Err: err}
}

// Internal wraps an unexpected failure.
func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Code: "internal", Message: msg, Err: err}
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindTimeout for context deadline errors and
// KindInternal for anything unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HasCode reports whether err is an *Error with the given code.
func HasCode(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// HTTPStatus maps err onto the client-facing status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindExpired:
		return http.StatusGone
	case KindUpstream:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON shape written for error responses.
type Body struct {
	Error BodyError `json:"error"`
}

// BodyError is the inner object of Body.
type BodyError struct {
	Kind    Kind           `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ToBody converts err into its response body. Internal errors never leak their cause.
func ToBody(err error) Body {
	e, ok := As(err)
	if !ok {
		if KindOf(err) == KindTimeout {
			return Body{Error: BodyError{Kind: KindTimeout, Code: CodeTimeout, Message: "upstream timeout"}}
		}
		return Body{Error: BodyError{Kind: KindInternal, Code: "internal", Message: "internal server error"}}
	}
	msg := e.Message
	if e.Kind == KindInternal {
		msg = "internal server error"
	}
	return Body{Error: BodyError{Kind: e.Kind, Code: e.Code, Message: msg, Details: e.Details}}
}
