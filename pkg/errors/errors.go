// Package errors provides structured error handling for hissync.
//
// Every error produced by the pipeline carries a Type (what went wrong) and a
// Class (whether trying again can help). Retry loops branch on the Class only;
// they never inspect error strings.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType names the stage or resource an error came from.
type ErrorType string

const (
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation covers rejected input: bad script names, rows
	// without a hoscode, malformed registry replies.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound is a missing script, locally or in the registry.
	ErrorTypeNotFound ErrorType = "not_found"
	ErrorTypeConfig   ErrorType = "config"
	// ErrorTypeConnection is a failure to reach the HIS database.
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeTimeout    ErrorType = "timeout"
	// ErrorTypeQuery is a statement the database refused.
	ErrorTypeQuery ErrorType = "query"
	// ErrorTypeExtraction marks a fetch that failed after all attempts.
	ErrorTypeExtraction ErrorType = "extraction"
	// ErrorTypeDelivery is a failure talking to the raw API.
	ErrorTypeDelivery ErrorType = "delivery"
	ErrorTypeFile     ErrorType = "file"
)

// Class says whether an operation that failed with an error may be attempted again.
type Class int

const (
	// Fatal errors will not resolve on retry.
	Fatal Class = iota
	// Retryable errors are transient and expected to self-resolve.
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "fatal"
}

// Error is a typed, classified error. Details carry log context and never
// change how the error is handled.
type Error struct {
	Type    ErrorType
	Class   Class
	Message string
	Cause   error
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a key-value pair and returns e.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New returns a fatal error with no cause.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Class:   Fatal,
		Message: message,
	}
}

// Newf is New with a format string.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return New(errType, fmt.Sprintf(format, args...))
}

// Wrap adds a type and message to err. The class of the nearest *Error in
// the chain carries over, so a transient cause stays retryable.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Type:    errType,
		Class:   ClassOf(err),
		Message: message,
		Cause:   err,
	}
}

// Transient wraps err as a retryable error of the given type.
func Transient(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Type:    errType,
		Class:   Retryable,
		Message: message,
		Cause:   err,
	}
}

// Permanent wraps err as a fatal error of the given type.
func Permanent(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Type:    errType,
		Class:   Fatal,
		Message: message,
		Cause:   err,
	}
}

// ClassOf returns the class of the outermost *Error in the chain.
// Errors that carry no classification are fatal.
func ClassOf(err error) Class {
	var e *Error
	if !errors.As(err, &e) {
		return Fatal
	}
	return e.Class
}

// IsRetryable reports whether err is classified Retryable.
func IsRetryable(err error) bool {
	return err != nil && ClassOf(err) == Retryable
}

// IsType reports whether the outermost *Error in the chain has errType.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// Is is errors.Is, re-exported so callers need a single errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is errors.As.
func As(err error, target interface{}) bool { return errors.As(err, target) }
