package auth

import (
	"errors"
	"fmt"
)

// Callback failure codes, sent to the frontend as ?error=<code>.
const (
	CodeMissingParams     = "missing_params"
	CodeOAuthError        = "oauth_error"
	CodeInvalidState      = "invalid_state"
	CodeTokenError        = "token_error"
	CodeUserInfoError     = "userinfo_error"
	CodeMissingUserData   = "missing_user_data"
	CodeAccessDenied      = "access_denied"
	CodeUserCreationError = "user_creation_error"
	CodeInactiveUser      = "inactive_user"
	CodeServerError       = "server_error"
)

var (
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrInvalidRelay     = errors.New("relay must be a loopback http URL")
	ErrInvalidPopup     = errors.New("popup login requires a window id, relay and challenge")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrInactiveUser     = errors.New("user is inactive")
	ErrInvalidVerifier  = errors.New("verifier does not match challenge")
	ErrInvalidCode      = errors.New("handoff code does not match")
)

// CallbackError is a failed provider callback. Code is one of the Code*
// constants; State is set once the state parameter has been verified.
type CallbackError struct {
	Code  string
	State *LoginState
	Err   error
}

func (e *CallbackError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// GrantError is returned by Handoff when the popup login itself failed.
type GrantError struct {
	Code string
}

func (e *GrantError) Error() string {
	return "login failed: " + e.Code
}
