package auth

import (
	"fmt"

	"github.com/dgellow/fin-auth/internal/crypto"
	"github.com/dgellow/fin-auth/internal/urlutil"
	"github.com/oklog/ulid/v2"
)

// LoginState travels through the identity provider as the signed OAuth state
// parameter. Popup, Relay and Challenge are only set for logins started by a
// command-line opener.
type LoginState struct {
	Nonce     string `json:"nonce"`
	Provider  string `json:"provider"`
	Popup     string `json:"popup,omitempty"`
	Relay     string `json:"relay,omitempty"`
	Challenge string `json:"challenge,omitempty"`
}

// PopupParams are the query parameters a command-line opener adds to the
// login URL. They come as a set: the window ID names the grant, the loopback
// relay is the only place the handoff code is delivered, and the challenge
// binds the grant to the opener's PKCE verifier.
type PopupParams struct {
	Window    string
	Relay     string
	Challenge string
}

func (p PopupParams) validate() error {
	if p == (PopupParams{}) {
		return nil
	}
	if p.Window == "" || p.Relay == "" || p.Challenge == "" {
		return ErrInvalidPopup
	}
	if _, err := ulid.ParseStrict(p.Window); err != nil {
		return fmt.Errorf("%w: window id: %v", ErrInvalidPopup, err)
	}
	if _, err := urlutil.ParseLoopback(p.Relay); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRelay, err)
	}
	return nil
}

// StartLogin returns the provider authorization URL for a new login.
func (s *Service) StartLogin(provider string, popup PopupParams) (string, error) {
	p, ok := s.providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if err := popup.validate(); err != nil {
		return "", err
	}

	nonce, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", err
	}

	state, err := s.stateSigner.Sign(LoginState{
		Nonce:     nonce,
		Provider:  provider,
		Popup:     popup.Window,
		Relay:     popup.Relay,
		Challenge: popup.Challenge,
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}

	return p.AuthURL(state), nil
}

// VerifyState decodes a state parameter issued by StartLogin.
func (s *Service) VerifyState(state string) (*LoginState, error) {
	var ls LoginState
	if err := s.stateSigner.Verify(state, &ls); err != nil {
		return nil, err
	}
	return &ls, nil
}
