package idp

import (
	"fmt"
	"strings"

	"github.com/dgellow/fin-auth/internal/config"
	"golang.org/x/oauth2"
)

// NewProvider creates a Provider from its config. Endpoint overrides in cfg
// replace the provider's public endpoints.
func NewProvider(cfg *config.ProviderConfig, allowedDomains []string) (Provider, error) {
	switch cfg.Type {
	case config.ProviderGoogle:
		p := NewGoogleProvider(cfg.ClientID, string(cfg.ClientSecret), cfg.RedirectURI, allowedDomains)
		overrideEndpoint(&p.config.Endpoint, cfg)
		if cfg.UserInfoURL != "" {
			p.userInfoURL = cfg.UserInfoURL
		}
		if cfg.LogoutURL != "" {
			p.logoutURL = cfg.LogoutURL
		}
		return p, nil

	case config.ProviderGitHub:
		p := NewGitHubProvider(cfg.ClientID, string(cfg.ClientSecret), cfg.RedirectURI, allowedDomains, cfg.AllowedOrgs)
		overrideEndpoint(&p.config.Endpoint, cfg)
		if cfg.UserInfoURL != "" {
			p.apiBaseURL = strings.TrimRight(cfg.UserInfoURL, "/")
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
}

// NewRegistry builds every configured provider, keyed by type.
func NewRegistry(providers map[string]*config.ProviderConfig, allowedDomains []string) (map[string]Provider, error) {
	out := make(map[string]Provider, len(providers))
	for name, cfg := range providers {
		p, err := NewProvider(cfg, allowedDomains)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		out[p.Type()] = p
	}
	return out, nil
}

func overrideEndpoint(e *oauth2.Endpoint, cfg *config.ProviderConfig) {
	if cfg.AuthURL != "" {
		e.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		e.TokenURL = cfg.TokenURL
	}
}
