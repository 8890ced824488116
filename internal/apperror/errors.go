package apperror

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuthentication Kind = "AuthenticationFailure"
	KindRateLimit      Kind = "RateLimitExceeded"
	KindValidation     Kind = "ValidationFailure"
	KindNotFound       Kind = "NotFound"
	KindPermission     Kind = "PermissionDenied"
	KindPersistence    Kind = "PersistenceFailure"
)

var (
	ErrUnauthorized = &Error{Kind: KindAuthentication, Msg: "unauthorized"}
	ErrRateLimited  = &Error{Kind: KindRateLimit, Msg: "rate limited"}
	ErrBadRequest   = &Error{Kind: KindValidation, Msg: "bad request"}
	ErrNotFound     = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrForbidden    = &Error{Kind: KindPermission, Msg: "permission denied"}
	ErrPersistence  = &Error{Kind: KindPersistence, Msg: "persistence failure"}
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// holds for every NotFound error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(KindPermission, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return New(KindAuthentication, format, args...)
}

func Persistence(err error, msg string) *Error {
	return Wrap(KindPersistence, err, msg)
}

// KindOf reports the kind of err; unknown errors are persistence failures.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindPersistence
}

// Message returns the client-facing text for err.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Msg
	}
	return "internal error"
}
