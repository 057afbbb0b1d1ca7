package hub

import (
	"errors"

	"github.com/parley-chat/parley/persistence"
)

// ErrorKind is the stable error taxonomy reported back to the originating
// session. Hub errors are never broadcast.
type ErrorKind string

const (
	KindAuthenticationFailed ErrorKind = "authentication_failed"
	KindUnauthorized         ErrorKind = "unauthorized"
	KindForbidden            ErrorKind = "forbidden"
	KindNotFound             ErrorKind = "not_found"
	KindValidationFailed     ErrorKind = "validation_failed"
	KindStorage              ErrorKind = "storage_error"
)

// Error is a hub-detected failure of one inbound event.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func errUnauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message}
}

func errForbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

func errNotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func errValidation(message string) *Error {
	return &Error{Kind: KindValidationFailed, Message: message}
}

// storageError translates a gateway failure, keeping not-found and validation
// outcomes distinct from transient storage trouble.
func storageError(err error, notFoundMessage string) *Error {
	if errors.Is(err, persistence.ErrNotFound) {
		return errNotFound(notFoundMessage)
	}
	if errors.Is(err, persistence.ErrValidation) {
		return errValidation(err.Error())
	}
	return &Error{Kind: KindStorage, Message: "storage operation failed"}
}
