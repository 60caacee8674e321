package fhir

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure independently of transport concerns. The
// repository converts every infrastructural error into one of these kinds at
// its boundary and never leaks driver types.
type ErrorKind string

const (
	KindInvariantViolation ErrorKind = "invariant-violation"
	KindNotFound           ErrorKind = "not-found"
	KindGone               ErrorKind = "gone"
	KindVersionConflict    ErrorKind = "version-conflict"
	KindPreconditionFailed ErrorKind = "precondition-failed"
	KindInvalidParameter   ErrorKind = "invalid-parameter"
	KindUnauthenticated    ErrorKind = "unauthenticated"
	KindForbidden          ErrorKind = "forbidden"
	KindDuplicate          ErrorKind = "duplicate"
	KindTransient          ErrorKind = "transient"
	KindInternal           ErrorKind = "internal"
)

// Error carries an error kind, the HTTP status it maps to, the outcome issue
// code, and a human-readable diagnostics string. Diagnostics carry enough
// context to act (kind, id, parameter, version) but never internal
// identifiers that are not already in the request.
type Error struct {
	Kind        ErrorKind
	Status      int
	Code        string
	Diagnostics string
	cause       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Diagnostics
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Outcome renders the error as an operation outcome document.
func (e *Error) Outcome() Resource {
	return Outcome("error", e.Code, e.Diagnostics)
}

// Outcome builds an operation outcome document with a single issue.
func Outcome(severity, code, diagnostics string) Resource {
	return Resource{
		"kind": "OperationOutcome",
		"issue": []interface{}{
			map[string]interface{}{
				"severity":    severity,
				"code":        code,
				"diagnostics": diagnostics,
			},
		},
	}
}

// SuccessOutcome builds the informational outcome returned by delete and
// other void operations.
func SuccessOutcome(diagnostics string) Resource {
	return Outcome("information", "informational", diagnostics)
}

// BadRequest signals malformed input: missing required field, wrong kind,
// body/URL mismatch.
func BadRequest(format string, args ...interface{}) *Error {
	return &Error{
		Kind:        KindInvariantViolation,
		Status:      http.StatusBadRequest,
		Code:        "invalid",
		Diagnostics: fmt.Sprintf(format, args...),
	}
}

// Unprocessable signals a structurally valid resource that violates a
// resource-level rule.
func Unprocessable(format string, args ...interface{}) *Error {
	return &Error{
		Kind:        KindInvariantViolation,
		Status:      http.StatusUnprocessableEntity,
		Code:        "invariant",
		Diagnostics: fmt.Sprintf(format, args...),
	}
}

// NotFound signals that no row exists for (kind, id).
func NotFound(kind, id string) *Error {
	return &Error{
		Kind:        KindNotFound,
		Status:      http.StatusNotFound,
		Code:        "not-found",
		Diagnostics: fmt.Sprintf("%s/%s not found", kind, id),
	}
}

// NotFoundVersion signals that no history row exists for (kind, id, versionId).
func NotFoundVersion(kind, id, versionID string) *Error {
	return &Error{
		Kind:        KindNotFound,
		Status:      http.StatusNotFound,
		Code:        "not-found",
		Diagnostics: fmt.Sprintf("%s/%s version %s not found", kind, id, versionID),
	}
}

// Gone signals a soft-deleted resource or a tombstone history row.
func Gone(kind, id string) *Error {
	return &Error{
		Kind:        KindGone,
		Status:      http.StatusGone,
		Code:        "deleted",
		Diagnostics: fmt.Sprintf("%s/%s is deleted", kind, id),
	}
}

// VersionConflict signals a failed optimistic lock.
func VersionConflict(kind, id string) *Error {
	return &Error{
		Kind:        KindVersionConflict,
		Status:      http.StatusPreconditionFailed,
		Code:        "conflict",
		Diagnostics: fmt.Sprintf("version precondition failed for %s/%s", kind, id),
	}
}

// PreconditionFailed signals a conditional operation that matched more than
// one resource, or a missing required header.
func PreconditionFailed(format string, args ...interface{}) *Error {
	return &Error{
		Kind:        KindPreconditionFailed,
		Status:      http.StatusPreconditionFailed,
		Code:        "multiple-matches",
		Diagnostics: fmt.Sprintf(format, args...),
	}
}

// InvalidParameter signals an unknown or malformed search parameter.
func InvalidParameter(format string, args ...interface{}) *Error {
	return &Error{
		Kind:        KindInvalidParameter,
		Status:      http.StatusBadRequest,
		Code:        "invalid",
		Diagnostics: fmt.Sprintf(format, args...),
	}
}

// Unauthenticated signals a missing or unverifiable capability token.
func Unauthenticated(diagnostics string) *Error {
	return &Error{
		Kind:        KindUnauthenticated,
		Status:      http.StatusUnauthorized,
		Code:        "login",
		Diagnostics: diagnostics,
	}
}

// Forbidden signals a token whose policy does not permit the interaction.
func Forbidden(diagnostics string) *Error {
	return &Error{
		Kind:        KindForbidden,
		Status:      http.StatusForbidden,
		Code:        "forbidden",
		Diagnostics: diagnostics,
	}
}

// Duplicate signals a uniqueness conflict.
func Duplicate(format string, args ...interface{}) *Error {
	return &Error{
		Kind:        KindDuplicate,
		Status:      http.StatusConflict,
		Code:        "duplicate",
		Diagnostics: fmt.Sprintf(format, args...),
	}
}

// Transient signals an unreachable database, an aborted transaction or a lost
// session; the caller may retry.
func Transient(cause error) *Error {
	return &Error{
		Kind:        KindTransient,
		Status:      http.StatusInternalServerError,
		Code:        "transient",
		Diagnostics: "a transient storage error occurred",
		cause:       cause,
	}
}

// Internal wraps any unclassified failure.
func Internal(cause error) *Error {
	return &Error{
		Kind:        KindInternal,
		Status:      http.StatusInternalServerError,
		Code:        "exception",
		Diagnostics: "an internal error occurred",
		cause:       cause,
	}
}

// AsError extracts an *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err carries the given error kind.
func IsKind(err error, kind ErrorKind) bool {
	if e, ok := AsError(err); ok {
		return e.Kind == kind
	}
	return false
}

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsGone reports whether err is a soft-delete failure.
func IsGone(err error) bool { return IsKind(err, KindGone) }

// IsVersionConflict reports whether err is a failed optimistic lock.
func IsVersionConflict(err error) bool { return IsKind(err, KindVersionConflict) }

// StatusOf maps any error to the HTTP status it renders as.
func StatusOf(err error) int {
	if e, ok := AsError(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// OutcomeOf maps any error to its status and outcome document. Unclassified
// errors render as internal without leaking their message.
func OutcomeOf(err error) (int, Resource) {
	if e, ok := AsError(err); ok {
		return e.Status, e.Outcome()
	}
	internal := Internal(err)
	return internal.Status, internal.Outcome()
}
