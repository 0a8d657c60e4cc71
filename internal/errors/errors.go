// Package errors defines the typed error taxonomy shared by every layer of the
// approvals service. Each error carries a Code; sentinels match on Code so
// callers can use errors.Is without caring about the message.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an Error.
type Code string

const (
	ErrCodeNotFound        Code = "NOT_FOUND"
	ErrCodeDuplicate       Code = "DUPLICATE_REQUEST"
	ErrCodeAlreadyTerminal Code = "ALREADY_TERMINAL"
	ErrCodeUnauthorized    Code = "UNAUTHORIZED"
	ErrCodeInvalidInput    Code = "VALIDATION_ERROR"
	ErrCodeConflict        Code = "CONCURRENCY_CONFLICT"
	ErrCodeInternal        Code = "INTERNAL"
)

// Error is the concrete error type returned by the service.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound            = &Error{Code: ErrCodeNotFound}
	ErrDuplicateRequest    = &Error{Code: ErrCodeDuplicate}
	ErrAlreadyTerminal     = &Error{Code: ErrCodeAlreadyTerminal}
	ErrUnauthorized        = &Error{Code: ErrCodeUnauthorized}
	ErrValidation          = &Error{Code: ErrCodeInvalidInput}
	ErrConcurrencyConflict = &Error{Code: ErrCodeConflict}
	ErrInternal            = &Error{Code: ErrCodeInternal}
)

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %s not found", resource, id)}
}

// InvalidInput reports a validation failure on a single field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Field: field, Message: message}
}

// Duplicate reports that resource already exists for key.
func Duplicate(resource, key string) *Error {
	return &Error{Code: ErrCodeDuplicate, Message: fmt.Sprintf("%s already exists for %s", resource, key)}
}

// AlreadyTerminal reports a mutation attempted on a closed request.
func AlreadyTerminal(id, status string) *Error {
	return &Error{Code: ErrCodeAlreadyTerminal, Message: fmt.Sprintf("approval request %s is already %s", id, status)}
}

// Unauthorized reports a failed scope or role check.
func Unauthorized(message string) *Error {
	return &Error{Code: ErrCodeUnauthorized, Message: message}
}

// Conflict reports a lost race on a request.
func Conflict(message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message}
}

// CodeOf returns the code carried by err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// Is is a shortcut for the standard library errors.Is.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As is a shortcut for the standard library errors.As.
func As(err error, target any) bool { return stderrors.As(err, target) }
