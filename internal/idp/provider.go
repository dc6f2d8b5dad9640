package idp

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/oauth2"
)

// ErrAccessDenied is returned by UserInfo when the identity is valid but not
// allowed to sign in (domain or organization restrictions).
var ErrAccessDenied = errors.New("access denied")

// Identity is the user as reported by an identity provider.
type Identity struct {
	ProviderType  string   `json:"provider_type"`
	Subject       string   `json:"sub"`
	Email         string   `json:"email"`
	EmailVerified bool     `json:"email_verified"`
	Name          string   `json:"name"`
	Picture       string   `json:"picture"`
	Domain        string   `json:"domain"`
	Organizations []string `json:"organizations,omitempty"`
}

// Provider abstracts identity provider operations.
type Provider interface {
	// Type returns the provider type identifier ("google", "github").
	Type() string

	// AuthURL generates the authorization URL for the OAuth flow.
	AuthURL(state string) string

	// ExchangeCode exchanges an authorization code for tokens.
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)

	// UserInfo fetches the identity and applies the access restrictions the
	// provider was constructed with.
	UserInfo(ctx context.Context, token *oauth2.Token) (*Identity, error)
}

// LogoutProvider is implemented by providers with a browser logout endpoint.
type LogoutProvider interface {
	LogoutURL(continueURL string) string
}

// ValidateDomain checks if the domain is in the allowed list.
// Returns nil if allowedDomains is empty (no restriction) or domain is allowed.
func ValidateDomain(domain string, allowedDomains []string) error {
	if len(allowedDomains) == 0 {
		return nil
	}
	if !slices.Contains(allowedDomains, domain) {
		return fmt.Errorf("%w: domain '%s' is not allowed", ErrAccessDenied, domain)
	}
	return nil
}

// validateOrgs checks that the user belongs to one of allowedOrgs.
func validateOrgs(userOrgs, allowedOrgs []string) error {
	if len(allowedOrgs) == 0 {
		return nil
	}
	for _, org := range userOrgs {
		if slices.Contains(allowedOrgs, org) {
			return nil
		}
	}
	return fmt.Errorf("%w: user is not a member of an allowed organization", ErrAccessDenied)
}
