// internal/membership/errors.go
package membership

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code surfaced to callers.
type Code string

const (
	CodePermissionDenied    Code = "permission-denied"
	CodeRegionMismatch      Code = "region-mismatch"
	CodeUnauthenticated     Code = "unauthenticated"
	CodeNotFound            Code = "not-found"
	CodeAlreadyActive       Code = "already-active"
	CodeNotActive           Code = "not-active"
	CodeMalformedInput      Code = "malformed-input"
	CodeConflict            Code = "conflict"
	CodeInvalidCredentials  Code = "invalid-credentials"
	CodeUpstreamUnavailable Code = "upstream-unavailable"
)

// Error is the domain error type. Errors compare equal under errors.Is when
// their codes match.
type Error struct {
	Code    Code
	Message string
	Reason  DenyReason
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrPermissionDenied    = &Error{Code: CodePermissionDenied, Message: "permission denied"}
	ErrRegionMismatch      = &Error{Code: CodeRegionMismatch, Message: "region mismatch"}
	ErrUnauthenticated     = &Error{Code: CodeUnauthenticated, Message: "authentication required"}
	ErrNotFound            = &Error{Code: CodeNotFound, Message: "not found"}
	ErrAlreadyActive       = &Error{Code: CodeAlreadyActive, Message: "membership already active"}
	ErrNotActive           = &Error{Code: CodeNotActive, Message: "membership is not active"}
	ErrMalformedInput      = &Error{Code: CodeMalformedInput, Message: "malformed input"}
	ErrConflict            = &Error{Code: CodeConflict, Message: "concurrent modification"}
	ErrInvalidCredentials  = &Error{Code: CodeInvalidCredentials, Message: "invalid credentials"}
	ErrUpstreamUnavailable = &Error{Code: CodeUpstreamUnavailable, Message: "upstream unavailable"}
)

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// denied turns a refused Decision into an error. Region mismatches keep their
// own code so callers can tell "wrong region" from "wrong role".
func denied(d Decision) *Error {
	switch d.Reason {
	case DenyUnauthenticated:
		return &Error{Code: CodeUnauthenticated, Message: "authentication required", Reason: d.Reason}
	case DenyRegionMismatch:
		return &Error{Code: CodeRegionMismatch, Message: "member region is outside the actor's assignment", Reason: d.Reason}
	default:
		return &Error{Code: CodePermissionDenied, Message: "permission denied: " + string(d.Reason), Reason: d.Reason}
	}
}

// CodeOf extracts the code of err, or "" for infrastructure errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
