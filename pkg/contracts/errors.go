package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry and surfacing decisions. Only the
// HTTP layer converts kinds to status codes; the engine itself branches on
// kind, never on message text.
type ErrorKind string

const (
	// KindValidation: malformed input, unknown enum value, missing field. Never retried.
	KindValidation ErrorKind = "validation"
	// KindAuthorization: tenant mismatch. Fatal per request.
	KindAuthorization ErrorKind = "authorization"
	// KindNotFound: referenced id absent in tenant scope.
	KindNotFound ErrorKind = "not_found"
	// KindExternalProviderConfig: mock disabled and credentials missing. Never retried.
	KindExternalProviderConfig ErrorKind = "external_provider_config"
	// KindUpstream: non-2xx from a provider or fetcher. Retried under policy.
	KindUpstream ErrorKind = "upstream"
	// KindConflict: illegal state transition.
	KindConflict ErrorKind = "conflict"
	// KindLimitExceeded: size cap hit; returned as an envelope, not retried.
	KindLimitExceeded ErrorKind = "limit_exceeded"
	// KindTransient: DB deadlock, lease contention. Retried internally.
	KindTransient ErrorKind = "transient"
)

// Retryable reports whether failures of this kind may be retried.
func (k ErrorKind) Retryable() bool {
	return k == KindUpstream || k == KindTransient
}

// Error is the engine's structured error. Code is a stable machine-readable
// identifier (e.g. EXPORT_ZIP_TOO_LARGE); Details carries envelope fields.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the policy layer may retry this failure.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// NewError builds a structured error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithCode sets the stable error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetails sets envelope details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the kind from any error, defaulting to transient for plain
// errors so unknown failures stay retryable rather than silently terminal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}
