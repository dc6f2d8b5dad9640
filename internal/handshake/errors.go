package handshake

import (
	"errors"
	"fmt"
)

// Kind classifies how a handshake failed.
type Kind string

const (
	KindPopupBlocked      Kind = "popup-blocked"
	KindAuthError         Kind = "auth-error"
	KindAuthCancelled     Kind = "auth-cancelled"
	KindTimeout           Kind = "timeout"
	KindStatusCheckFailed Kind = "status-check-failed"
	KindCancelled         Kind = "cancelled"
)

// defaultAuthErrorMessage is used when the child reports AUTH_ERROR without text.
const defaultAuthErrorMessage = "authentication failed"

// Error is the typed failure a session settles with.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Kind == KindAuthError {
		return fmt.Sprintf("%s:%s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can write
// errors.Is(err, handshake.ErrTimeout).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrPopupBlocked      = &Error{Kind: KindPopupBlocked}
	ErrAuthError         = &Error{Kind: KindAuthError}
	ErrAuthCancelled     = &Error{Kind: KindAuthCancelled}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrStatusCheckFailed = &Error{Kind: KindStatusCheckFailed}
	ErrCancelled         = &Error{Kind: KindCancelled}
)

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func authError(message string) *Error {
	if message == "" {
		message = defaultAuthErrorMessage
	}
	return &Error{Kind: KindAuthError, Message: message}
}

// KindOf returns the kind of a handshake error, or "" if err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
