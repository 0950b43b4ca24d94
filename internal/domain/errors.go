package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrNotCompleted      = errors.New("download is not completed")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindRateLimited ErrorKind = "rate_limited"
	KindNotFound    ErrorKind = "not_found"
	KindNotComplete ErrorKind = "not_completed"
	KindLookup      ErrorKind = "lookup"
	KindPipeline    ErrorKind = "pipeline"
	KindStorage     ErrorKind = "storage"
)

// Error carries a kind the HTTP layer maps to a status code and a message
// that is safe to show to clients.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func NewNotFoundError(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message, Cause: ErrNotFound}
}

func NewNotCompletedError(status JobStatus) *Error {
	return &Error{Kind: KindNotComplete, Message: "Cannot download. Status: " + string(status), Cause: ErrNotCompleted}
}

func NewLookupError(message string, cause error) *Error {
	return &Error{Kind: KindLookup, Message: message, Cause: cause}
}

func NewPipelineError(message string, cause error) *Error {
	return &Error{Kind: KindPipeline, Message: message, Cause: cause}
}

// NewStorageError wraps a repository failure. op names the failed operation
// and is only logged.
func NewStorageError(op string, cause error) *Error {
	return &Error{Kind: KindStorage, Message: op, Cause: cause}
}

// KindOf returns the kind of the first *Error in the chain, or "" if none.
func KindOf(err error) ErrorKind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// PublicMessage returns the client-facing text for err.
func PublicMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
