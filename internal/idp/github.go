package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dgellow/fin-auth/internal/emailutil"
	"github.com/dgellow/fin-auth/internal/ioutil"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

// GitHubProvider implements the Provider interface for GitHub OAuth.
// GitHub uses OAuth 2.0 (not OIDC) and has its own API for user info and org membership.
type GitHubProvider struct {
	config         oauth2.Config
	apiBaseURL     string // defaults to https://api.github.com, can be overridden for testing
	allowedDomains []string
	allowedOrgs    []string
}

// githubUserResponse represents GitHub's user API response.
type githubUserResponse struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// githubEmailResponse represents an email from GitHub's emails API.
type githubEmailResponse struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// githubOrgResponse represents an org from GitHub's orgs API.
type githubOrgResponse struct {
	Login string `json:"login"`
}

// NewGitHubProvider creates a new GitHub OAuth provider.
func NewGitHubProvider(clientID, clientSecret, redirectURI string, allowedDomains, allowedOrgs []string) *GitHubProvider {
	return &GitHubProvider{
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       []string{"user:email", "read:org"},
			Endpoint:     github.Endpoint,
		},
		apiBaseURL:     "https://api.github.com",
		allowedDomains: allowedDomains,
		allowedOrgs:    allowedOrgs,
	}
}

// Type returns the provider type.
func (p *GitHubProvider) Type() string {
	return "github"
}

// AuthURL generates the authorization URL.
func (p *GitHubProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *GitHubProvider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	return p.config.Exchange(ctx, code)
}

// UserInfo fetches user identity from GitHub's API.
func (p *GitHubProvider) UserInfo(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	client := p.config.Client(ctx, token)

	user, err := p.fetchUser(client)
	if err != nil {
		return nil, err
	}

	// GitHub only shows verified emails in the user profile, so a profile
	// email is verified.
	email := user.Email
	emailVerified := email != ""
	if email == "" {
		primaryEmail, verified, err := p.fetchPrimaryEmail(client)
		if err != nil {
			return nil, fmt.Errorf("failed to get user email: %w", err)
		}
		email = primaryEmail
		emailVerified = verified
	}

	domain := emailutil.ExtractDomain(email)
	if err := ValidateDomain(domain, p.allowedDomains); err != nil {
		return nil, err
	}

	var orgs []string
	if len(p.allowedOrgs) > 0 {
		orgs, err = p.fetchOrganizations(client)
		if err != nil {
			return nil, fmt.Errorf("failed to get user organizations: %w", err)
		}
		if err := validateOrgs(orgs, p.allowedOrgs); err != nil {
			return nil, err
		}
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}

	return &Identity{
		ProviderType:  "github",
		Subject:       fmt.Sprintf("%d", user.ID),
		Email:         email,
		EmailVerified: emailVerified,
		Name:          name,
		Picture:       user.AvatarURL,
		Domain:        domain,
		Organizations: orgs,
	}, nil
}

func (p *GitHubProvider) getJSON(client *http.Client, path string, v any) error {
	resp, err := client.Get(p.apiBaseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, ioutil.Snippet(resp.Body, maxErrorBody))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (p *GitHubProvider) fetchUser(client *http.Client) (*githubUserResponse, error) {
	var user githubUserResponse
	if err := p.getJSON(client, "/user", &user); err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (p *GitHubProvider) fetchPrimaryEmail(client *http.Client) (string, bool, error) {
	var emails []githubEmailResponse
	if err := p.getJSON(client, "/user/emails", &emails); err != nil {
		return "", false, fmt.Errorf("failed to get emails: %w", err)
	}

	for _, email := range emails {
		if email.Primary && email.Verified {
			return email.Email, true, nil
		}
	}

	// Fallback to first verified email
	for _, email := range emails {
		if email.Verified {
			return email.Email, true, nil
		}
	}

	return "", false, fmt.Errorf("no verified email found")
}

func (p *GitHubProvider) fetchOrganizations(client *http.Client) ([]string, error) {
	var orgs []githubOrgResponse
	if err := p.getJSON(client, "/user/orgs", &orgs); err != nil {
		return nil, err
	}

	orgNames := make([]string, len(orgs))
	for i, org := range orgs {
		orgNames[i] = org.Login
	}
	return orgNames, nil
}
