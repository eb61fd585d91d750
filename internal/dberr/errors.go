// Package dberr defines the error taxonomy shared by the adapters, pools,
// and the manager. Errors carry a top-level class and a subclass code so
// callers can branch on failure kind without string matching.
package dberr

import (
	"errors"
	"fmt"
)

// Class is the top-level error class.
type Class int

const (
	ClassConnection Class = iota
	ClassQuery
	ClassConfig
	ClassConversion
	ClassMonitoring
	ClassRuntime
)

func (c Class) String() string {
	switch c {
	case ClassConnection:
		return "connection"
	case ClassQuery:
		return "query"
	case ClassConfig:
		return "config"
	case ClassConversion:
		return "conversion"
	case ClassMonitoring:
		return "monitoring"
	case ClassRuntime:
		return "runtime"
	default:
		return "unknown"
	}
}

// Code is the subclass within a class.
type Code string

const (
	// Connection subclasses.
	CodePoolExhausted     Code = "pool_exhausted"
	CodeAcquireTimeout    Code = "acquire_timeout"
	CodeConnectionFailed  Code = "connection_failed"
	CodeConnectionClosed  Code = "connection_closed"
	CodeHealthCheckFailed Code = "health_check_failed"
	CodePoolClosed        Code = "pool_closed"

	// Query subclasses.
	CodeSyntax           Code = "syntax"
	CodeExecutionFailed  Code = "execution_failed"
	CodeQueryTimeout     Code = "query_timeout"
	CodeParameterBinding Code = "parameter_binding"
	CodeResultProcessing Code = "result_processing"

	// Config subclasses.
	CodeParse            Code = "parse"
	CodeValidationFailed Code = "validation_failed"
	CodeMissingRequired  Code = "missing_required"
	CodeInvalidValue     Code = "invalid_value"

	// Conversion subclasses.
	CodeTypeConversion Code = "type_conversion"

	// Monitoring subclasses.
	CodeMonitoring Code = "monitoring"

	// Runtime subclasses.
	CodeNotFound            Code = "not_found"
	CodePoolUnavailable     Code = "pool_unavailable"
	CodeAllPoolsUnavailable Code = "all_pools_unavailable"
	CodeUnsupported         Code = "unsupported"
	CodeRuntime             Code = "runtime"
)

// Error is a classified error, optionally wrapping a driver-level cause.
type Error struct {
	Cls   Class
	Sub   Code
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Cls, e.Sub, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Cls, e.Sub, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error with no cause.
func New(cls Class, sub Code, format string, args ...any) *Error {
	return &Error{Cls: cls, Sub: sub, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around a cause.
func Wrap(cls Class, sub Code, cause error, format string, args ...any) *Error {
	return &Error{Cls: cls, Sub: sub, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// Connection-class constructors.

func PoolExhausted(poolID string) *Error {
	return New(ClassConnection, CodePoolExhausted, "pool %s has no free sessions", poolID)
}

func AcquireTimeout(poolID string) *Error {
	return New(ClassConnection, CodeAcquireTimeout, "timed out acquiring a session from pool %s", poolID)
}

func ConnectionFailed(cause error) *Error {
	return Wrap(ClassConnection, CodeConnectionFailed, cause, "opening session failed")
}

func ConnectionClosed() *Error {
	return New(ClassConnection, CodeConnectionClosed, "session is closed")
}

func PoolClosed(poolID string) *Error {
	return New(ClassConnection, CodePoolClosed, "pool %s is closed", poolID)
}

// Query-class constructors.

func Syntax(cause error) *Error {
	return Wrap(ClassQuery, CodeSyntax, cause, "statement rejected")
}

func Execution(cause error) *Error {
	return Wrap(ClassQuery, CodeExecutionFailed, cause, "statement failed")
}

func QueryTimeout() *Error {
	return New(ClassQuery, CodeQueryTimeout, "query exceeded its time budget")
}

func ParameterBinding(format string, args ...any) *Error {
	return New(ClassQuery, CodeParameterBinding, format, args...)
}

func ResultProcessing(cause error) *Error {
	return Wrap(ClassQuery, CodeResultProcessing, cause, "decoding result set failed")
}

// Config-class constructors.

func Validation(format string, args ...any) *Error {
	return New(ClassConfig, CodeValidationFailed, format, args...)
}

func Parse(cause error, format string, args ...any) *Error {
	return Wrap(ClassConfig, CodeParse, cause, format, args...)
}

func InvalidValue(format string, args ...any) *Error {
	return New(ClassConfig, CodeInvalidValue, format, args...)
}

func MissingRequired(key string) *Error {
	return New(ClassConfig, CodeMissingRequired, "required key %q is missing", key)
}

// Runtime-class constructors.

func NotFound(poolID string) *Error {
	return New(ClassRuntime, CodeNotFound, "pool %s does not exist", poolID)
}

func PoolUnavailable(poolID string) *Error {
	return New(ClassRuntime, CodePoolUnavailable, "pool %s is unavailable and the failover policy permits no reroute", poolID)
}

func AllPoolsUnavailable() *Error {
	return New(ClassRuntime, CodeAllPoolsUnavailable, "no healthy pool is available")
}

func Unsupported(format string, args ...any) *Error {
	return New(ClassRuntime, CodeUnsupported, format, args...)
}

// ClassOf reports the class of err; ok is false when err carries none.
func ClassOf(err error) (Class, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Cls, true
	}
	return 0, false
}

// CodeOf reports the subclass code of err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Sub
	}
	return ""
}

// HasClass reports whether err belongs to the given class.
func HasClass(err error, cls Class) bool {
	c, ok := ClassOf(err)
	return ok && c == cls
}

// HasCode reports whether err carries the given subclass code.
func HasCode(err error, sub Code) bool {
	return CodeOf(err) == sub
}

// IsConnection reports whether err is connection-class, the class that makes
// the owning session unusable and triggers pool recovery.
func IsConnection(err error) bool { return HasClass(err, ClassConnection) }

// IsTimeout reports whether err is one of the timeout subclasses.
func IsTimeout(err error) bool {
	switch CodeOf(err) {
	case CodeAcquireTimeout, CodeQueryTimeout:
		return true
	}
	return false
}

// IsNotFound reports whether err is the unknown-pool error.
func IsNotFound(err error) bool { return HasCode(err, CodeNotFound) }
