// Package hiberr defines the error taxonomy shared by every core component:
// Store, Router, Scheduler, Executor, and the IPC server all return or wrap
// these codes so the IPC boundary can classify failures uniformly.
package hiberr

import "fmt"

// Code is one of the error classes a caller-facing operation can return.
type Code string

const (
	InvalidInput   Code = "INVALID_PARAMS"
	Unauthorized   Code = "UNAUTHORIZED"
	NotFound       Code = "NOT_FOUND"
	AlreadyExists  Code = "ALREADY_EXISTS"
	Ambiguous      Code = "AMBIGUOUS"
	Busy           Code = "BUSY"
	AdapterFailure Code = "ADAPTER_FAILURE"
	Internal       Code = "INTERNAL"
)

// Error is a structured, classified error. Data carries code-specific
// payload, e.g. candidate short ids for Ambiguous.
type Error struct {
	Code    Code
	Message string
	Data    any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs a classified error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches structured data (e.g. ambiguity candidates) to an error.
func WithData(code Code, data any, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Data: data}
}

// Wrap classifies an arbitrary error as Internal unless it is already a
// classified *Error, in which case it is returned unchanged.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Code: Internal, Message: err.Error()}
}

// Is reports whether err is a classified Error of the given code.
func Is(err error, code Code) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}
