// Package auth signs users in through an identity provider and manages the
// tokens and popup grants that follow.
package auth

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/dgellow/fin-auth/internal/authtoken"
	"github.com/dgellow/fin-auth/internal/crypto"
	"github.com/dgellow/fin-auth/internal/emailutil"
	"github.com/dgellow/fin-auth/internal/idp"
	"github.com/dgellow/fin-auth/internal/log"
	"github.com/dgellow/fin-auth/internal/storage"
	"github.com/oklog/ulid/v2"
)

// Config wires a Service.
type Config struct {
	Providers  map[string]idp.Provider
	Storage    storage.Storage
	Access     *authtoken.AccessIssuer
	StateKey   []byte
	StateTTL   time.Duration
	RefreshTTL time.Duration
	GrantTTL   time.Duration
}

// Service implements login, token issuance and popup handoff.
type Service struct {
	providers   map[string]idp.Provider
	store       storage.Storage
	access      *authtoken.AccessIssuer
	stateSigner crypto.TokenSigner
	codeKey     []byte
	refreshTTL  time.Duration
	grantTTL    time.Duration
	now         func() time.Time
}

// Tokens are the credentials handed out after a login or refresh.
type Tokens struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// CallbackResult is a successful provider callback. HandoffCode is set for
// popup logins and must only be delivered to the login's relay.
type CallbackResult struct {
	User        *storage.User
	Tokens      *Tokens
	State       *LoginState
	HandoffCode string
}

// NewService validates cfg and creates a Service.
func NewService(cfg Config) (*Service, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Access == nil {
		return nil, fmt.Errorf("access token issuer is required")
	}
	if len(cfg.StateKey) < 32 {
		return nil, fmt.Errorf("state key must be at least 32 bytes")
	}
	if cfg.StateTTL <= 0 || cfg.RefreshTTL <= 0 || cfg.GrantTTL <= 0 {
		return nil, fmt.Errorf("state, refresh and grant TTLs must be positive")
	}

	return &Service{
		providers:   cfg.Providers,
		store:       cfg.Storage,
		access:      cfg.Access,
		stateSigner: crypto.NewTokenSigner(cfg.StateKey, cfg.StateTTL),
		codeKey:     crypto.DeriveKey(cfg.StateKey, "fin-auth handoff code"),
		refreshTTL:  cfg.RefreshTTL,
		grantTTL:    cfg.GrantTTL,
		now:         time.Now,
	}, nil
}

// AccessTTL is the lifetime of issued access tokens.
func (s *Service) AccessTTL() time.Duration {
	return s.access.TTL()
}

// RefreshTTL is the lifetime of issued refresh tokens.
func (s *Service) RefreshTTL() time.Duration {
	return s.refreshTTL
}

// HasProvider reports whether provider is configured.
func (s *Service) HasProvider(provider string) bool {
	_, ok := s.providers[provider]
	return ok
}

// Providers lists the configured provider names in sorted order.
func (s *Service) Providers() []string {
	return slices.Sorted(maps.Keys(s.providers))
}

// LogoutURL returns the provider's browser logout URL.
func (s *Service) LogoutURL(provider, continueURL string) (string, error) {
	p, ok := s.providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	lp, ok := p.(idp.LogoutProvider)
	if !ok {
		return "", fmt.Errorf("provider %s has no logout endpoint", provider)
	}
	return lp.LogoutURL(continueURL), nil
}

// HandleCallback completes a login. providerError is the provider's error
// query parameter, if any. Failures are *CallbackError values; when the state
// belonged to a popup login the failure is also recorded as a grant so the
// opener can observe it.
func (s *Service) HandleCallback(ctx context.Context, provider, code, state, providerError string) (*CallbackResult, error) {
	p, ok := s.providers[provider]
	if !ok {
		return nil, &CallbackError{Code: CodeServerError, Err: fmt.Errorf("%w: %s", ErrUnknownProvider, provider)}
	}

	var ls *LoginState
	if state != "" {
		verified, err := s.VerifyState(state)
		if err != nil {
			return nil, &CallbackError{Code: CodeInvalidState, Err: err}
		}
		if verified.Provider != provider {
			return nil, &CallbackError{Code: CodeInvalidState, Err: fmt.Errorf("state issued for %s", verified.Provider)}
		}
		ls = verified
	}

	if providerError != "" {
		return nil, s.fail(ctx, ls, CodeOAuthError, fmt.Errorf("provider returned %s", providerError))
	}
	if code == "" || ls == nil {
		return nil, s.fail(ctx, ls, CodeMissingParams, fmt.Errorf("code and state are required"))
	}

	token, err := p.ExchangeCode(ctx, code)
	if err != nil {
		return nil, s.fail(ctx, ls, CodeTokenError, err)
	}

	identity, err := p.UserInfo(ctx, token)
	if err != nil {
		if errors.Is(err, idp.ErrAccessDenied) {
			return nil, s.fail(ctx, ls, CodeAccessDenied, err)
		}
		return nil, s.fail(ctx, ls, CodeUserInfoError, err)
	}
	if identity.Subject == "" || identity.Email == "" {
		return nil, s.fail(ctx, ls, CodeMissingUserData, fmt.Errorf("identity has no subject or email"))
	}

	user, err := s.upsertUser(ctx, provider, identity)
	if err != nil {
		return nil, s.fail(ctx, ls, CodeUserCreationError, err)
	}
	if !user.Active {
		return nil, s.fail(ctx, ls, CodeInactiveUser, ErrInactiveUser)
	}

	tokens, err := s.issueTokens(ctx, user)
	if err != nil {
		return nil, s.fail(ctx, ls, CodeServerError, err)
	}

	var handoffCode string
	if ls.Popup != "" {
		handoffCode, err = crypto.GenerateSecureToken()
		if err != nil {
			return nil, s.fail(ctx, ls, CodeServerError, err)
		}
		if err := s.putGrant(ctx, ls, user.ID, crypto.SignData(handoffCode, s.codeKey), ""); err != nil {
			return nil, &CallbackError{Code: CodeServerError, State: ls, Err: err}
		}
	}

	log.LogInfoWithFields("auth", "Login completed", map[string]any{
		"user":     user.ID,
		"email":    emailutil.Mask(user.Email),
		"provider": provider,
		"popup":    ls.Popup != "",
	})

	return &CallbackResult{User: user, Tokens: tokens, State: ls, HandoffCode: handoffCode}, nil
}

func (s *Service) fail(ctx context.Context, ls *LoginState, code string, err error) *CallbackError {
	log.LogWarnWithFields("auth", "Login failed", map[string]any{
		"code":  code,
		"error": err.Error(),
	})

	if ls != nil && ls.Popup != "" {
		if perr := s.putGrant(ctx, ls, "", "", code); perr != nil {
			log.LogErrorWithFields("auth", "Failed to record popup failure", map[string]any{
				"popup": ls.Popup,
				"error": perr.Error(),
			})
		}
	}
	return &CallbackError{Code: code, State: ls, Err: err}
}

func (s *Service) putGrant(ctx context.Context, ls *LoginState, userID, codeHash, failure string) error {
	now := s.now()
	return s.store.PutPopupGrant(ctx, &storage.PopupGrant{
		WindowID:  ls.Popup,
		UserID:    userID,
		Challenge: ls.Challenge,
		CodeHash:  codeHash,
		Error:     failure,
		CreatedAt: now,
		ExpiresAt: now.Add(s.grantTTL),
	})
}

// upsertUser finds the user by provider identity, then by email, and
// creates one otherwise. A known email is only linked to a new identity
// when the provider verified it.
func (s *Service) upsertUser(ctx context.Context, provider string, identity *idp.Identity) (*storage.User, error) {
	now := s.now().UTC()
	email := emailutil.Normalize(identity.Email)

	user, err := s.store.GetUserByIdentity(ctx, provider, identity.Subject)
	switch {
	case err == nil:
		user.Email = email
	case errors.Is(err, storage.ErrUserNotFound):
		user, err = s.store.GetUserByEmail(ctx, email)
		switch {
		case err == nil:
			if !identity.EmailVerified {
				return nil, fmt.Errorf("refusing to link unverified email to existing user")
			}
		case errors.Is(err, storage.ErrUserNotFound):
			id, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
			if err != nil {
				return nil, fmt.Errorf("generate user id: %w", err)
			}
			user = &storage.User{
				ID:         id.String(),
				Email:      email,
				Provider:   provider,
				Identities: map[string]string{},
				Active:     true,
				CreatedAt:  now,
			}
			log.LogInfoWithFields("auth", "Creating user", map[string]any{
				"user":     user.ID,
				"provider": provider,
			})
		default:
			return nil, fmt.Errorf("lookup user by email: %w", err)
		}
	default:
		return nil, fmt.Errorf("lookup user by identity: %w", err)
	}

	if user.Identities == nil {
		user.Identities = map[string]string{}
	}
	user.Identities[provider] = identity.Subject
	if identity.Name != "" {
		user.Name = identity.Name
	}
	if identity.Picture != "" {
		user.Picture = identity.Picture
	}
	user.EmailVerified = user.EmailVerified || identity.EmailVerified
	user.LastLogin = now

	if err := s.store.SaveUser(ctx, user); err != nil {
		return nil, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}

func (s *Service) issueTokens(ctx context.Context, user *storage.User) (*Tokens, error) {
	access, accessExp, err := s.access.Issue(user.ID, user.Email, user.Provider)
	if err != nil {
		return nil, err
	}

	now := s.now()
	refresh, err := authtoken.NewRefresh(now)
	if err != nil {
		return nil, err
	}
	refreshExp := now.Add(s.refreshTTL)
	if err := s.store.CreateRefreshSession(ctx, &storage.RefreshSession{
		ID:         refresh.ID,
		UserID:     user.ID,
		SecretHash: refresh.SecretHash,
		CreatedAt:  now,
		ExpiresAt:  refreshExp,
	}); err != nil {
		return nil, fmt.Errorf("store refresh session: %w", err)
	}

	return &Tokens{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh.Token,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Authenticate resolves an access token to an active user.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*storage.User, error) {
	claims, err := s.access.Parse(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	return s.activeUser(ctx, claims.UserID)
}

func (s *Service) activeUser(ctx context.Context, id string) (*storage.User, error) {
	user, err := s.store.GetUser(ctx, id)
	if errors.Is(err, storage.ErrUserNotFound) {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, ErrInactiveUser
	}
	return user, nil
}

// lookupRefresh returns the session behind a refresh token after checking
// its secret.
func (s *Service) lookupRefresh(ctx context.Context, token string) (*storage.RefreshSession, error) {
	id, secret, err := authtoken.SplitRefresh(token)
	if err != nil {
		return nil, ErrNotAuthenticated
	}
	rs, err := s.store.GetRefreshSession(ctx, id)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, err
	}
	if !authtoken.VerifyRefresh(rs.SecretHash, secret) {
		return nil, ErrNotAuthenticated
	}
	return rs, nil
}

// Refresh rotates a refresh token: the old session is deleted and a new
// token pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*storage.User, *Tokens, error) {
	rs, err := s.lookupRefresh(ctx, refreshToken)
	if err != nil {
		return nil, nil, err
	}

	// Losing the delete to a concurrent refresh means the token was reused.
	if err := s.store.DeleteRefreshSession(ctx, rs.ID); err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, nil, ErrNotAuthenticated
		}
		return nil, nil, err
	}

	user, err := s.activeUser(ctx, rs.UserID)
	if err != nil {
		return nil, nil, err
	}

	tokens, err := s.issueTokens(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return user, tokens, nil
}

// Logout revokes the refresh session behind refreshToken. An empty or
// unknown token is not an error.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	rs, err := s.lookupRefresh(ctx, refreshToken)
	if errors.Is(err, ErrNotAuthenticated) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.store.DeleteRefreshSession(ctx, rs.ID); err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		return err
	}
	log.LogInfoWithFields("auth", "Refresh session revoked", map[string]any{
		"user": rs.UserID,
	})
	return nil
}

// RevokeAll deletes every refresh session of the user.
func (s *Service) RevokeAll(ctx context.Context, userID string) (int, error) {
	return s.store.DeleteUserRefreshSessions(ctx, userID)
}

// PopupStatus reports whether the popup login in window windowID signed a
// user in. It does not redeem the grant and reveals nothing about the user:
// the window ID travels in URLs and is no secret. A nil error means signed in.
func (s *Service) PopupStatus(ctx context.Context, windowID string) error {
	g, err := s.store.GetPopupGrant(ctx, windowID)
	if errors.Is(err, storage.ErrGrantNotFound) {
		return ErrNotAuthenticated
	}
	if err != nil {
		return err
	}
	if g.Error != "" {
		return &GrantError{Code: g.Error}
	}
	_, err = s.activeUser(ctx, g.UserID)
	return err
}

// Handoff redeems a popup grant for tokens. verifier must hash to the
// challenge the opener put in the login URL, and code must be the handoff
// code the callback page delivered to the opener's relay. A failed check
// leaves the grant in place; a grant is redeemed at most once.
func (s *Service) Handoff(ctx context.Context, windowID, code, verifier string) (*storage.User, *Tokens, error) {
	g, err := s.store.GetPopupGrant(ctx, windowID)
	if errors.Is(err, storage.ErrGrantNotFound) {
		return nil, nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, nil, err
	}
	if !crypto.VerifyPKCE(verifier, g.Challenge) {
		return nil, nil, ErrInvalidVerifier
	}
	// Failed logins carry no code and nothing to steal.
	if g.Error == "" && (g.CodeHash == "" || !crypto.ValidateSignedData(code, g.CodeHash, s.codeKey)) {
		return nil, nil, ErrInvalidCode
	}

	g, err = s.store.ConsumePopupGrant(ctx, windowID)
	if errors.Is(err, storage.ErrGrantNotFound) {
		return nil, nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, nil, err
	}
	if g.Error != "" {
		return nil, nil, &GrantError{Code: g.Error}
	}

	user, err := s.activeUser(ctx, g.UserID)
	if err != nil {
		return nil, nil, err
	}
	tokens, err := s.issueTokens(ctx, user)
	if err != nil {
		return nil, nil, err
	}

	log.LogInfoWithFields("auth", "Popup grant redeemed", map[string]any{
		"user":  user.ID,
		"popup": windowID,
	})
	return user, tokens, nil
}
