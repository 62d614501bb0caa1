// Package apperr classifies failures returned by the lifecycle engine so
// callers branch on a Kind instead of matching error strings.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindStorage is the zero value so an unclassified error is never mistaken
	// for an expected domain outcome.
	KindStorage Kind = iota
	KindValidation
	KindForbidden
	KindNotFound
	KindConflict
	KindInvalidTransition
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidTransition:
		return "invalid_transition"
	default:
		return "storage"
	}
}

// Error is a classified failure. Message is safe to show to end users; Err
// carries the underlying cause and is never rendered for storage faults.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Validation builds a KindValidation error with per-field details.
func Validation(op string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: "invalid input", Fields: fields}
}

func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Message: "internal error", Err: err}
}

// KindOf reports the kind of err. Errors that were never classified are
// treated as storage faults.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the operation may be retried as a whole.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindStorage
}

// PublicMessage returns the text that may be rendered to callers.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindStorage && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

func FieldsOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}
