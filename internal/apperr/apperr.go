package apperr

import (
	"errors"
	"fmt"
)

// Code classifies a failure. Codes are stable and surface in API responses.
type Code string

const (
	InvalidInput          Code = "invalid_input"
	Forbidden             Code = "forbidden"
	NotFound              Code = "not_found"
	InvalidState          Code = "invalid_state"
	NotPayable            Code = "not_payable"
	DependencyUnavailable Code = "dependency_unavailable"
	Conflict              Code = "conflict"
)

// Error is the tagged error returned by every command.
type Error struct {
	Code    Code
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error with a reason code and message.
func New(code Code, reason, message string) *Error {
	return &Error{Code: code, Reason: reason, Message: message}
}

func Newf(code Code, reason, format string, args ...any) *Error {
	return &Error{Code: code, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause. A nil err still produces an error.
func Wrap(code Code, reason string, err error, message string) *Error {
	return &Error{Code: code, Reason: reason, Message: message, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ReasonOf returns the reason of the first *Error in err's chain.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
