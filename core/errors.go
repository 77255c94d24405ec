package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

// ValidationError rejects malformed input before any store call is made.
type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		if len(err.Fields) > 0 {
			return err.Fields[0].Field + ": " + err.Fields[0].Error
		}
		return ""
	}
	return err.Err.Error()
}

// NotFoundError reports an unknown person or session. It is not retryable.
type NotFoundError struct {
	Resource string
	ID       int
}

func NewNotFoundError(resource string, id int) error {
	return &NotFoundError{Resource: resource, ID: id}
}

func (err NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", err.Resource, err.ID)
}

// StoreUnavailableError is a transient store failure.
// Callers may retry the single mutation; nothing is retried internally.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func NewStoreUnavailableError(op string, err error) error {
	return &StoreUnavailableError{Op: op, Err: err}
}

func (err StoreUnavailableError) Error() string {
	if err.Err == nil {
		return "store unavailable: " + err.Op
	}
	return "store unavailable: " + err.Op + ": " + err.Err.Error()
}

func (err StoreUnavailableError) Unwrap() error { return err.Err }

// NotificationError never reverses a committed attendance mutation: it is logged and dropped.
type NotificationError struct {
	Recipient string
	Err       error
}

func NewNotificationError(recipient string, err error) error {
	return &NotificationError{Recipient: recipient, Err: err}
}

func (err NotificationError) Error() string {
	if err.Recipient == "" {
		return "notification: " + err.Err.Error()
	}
	return "notification to " + err.Recipient + ": " + err.Err.Error()
}

func (err NotificationError) Unwrap() error { return err.Err }

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsStoreUnavailable(err error) bool {
	var su *StoreUnavailableError
	return errors.As(err, &su)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}
