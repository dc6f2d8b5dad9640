// Package authclient talks to the auth backend on behalf of the command-line
// login and stores the credentials it obtains.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgellow/fin-auth/internal/handshake"
	jsonwriter "github.com/dgellow/fin-auth/internal/json"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 10 * time.Second

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auth API returned %d: %s", e.StatusCode, e.Detail)
}

// StatusResponse is the body of GET /api/auth/status.
type StatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"user_id,omitempty"`
	Email         string `json:"email,omitempty"`
	Provider      string `json:"provider,omitempty"`
	EmailVerified bool   `json:"email_verified"`
}

// User is the public view of an account.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Picture       string    `json:"picture,omitempty"`
	Provider      string    `json:"provider"`
	Providers     []string  `json:"providers"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
	LastLogin     time.Time `json:"last_login"`
}

// TokenResponse is returned by the handoff and refresh endpoints.
type TokenResponse struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	User             User      `json:"user"`
}

// Client calls the auth API under base, e.g. http://localhost:8000.
type Client struct {
	base       string
	httpClient *http.Client
}

// New creates a client. A nil httpClient gets one with DefaultTimeout.
func New(base string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API base %q", base)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{base: strings.TrimRight(base, "/"), httpClient: httpClient}, nil
}

// LoginURL is the URL a login for provider starts at.
func (c *Client) LoginURL(provider string) string {
	return c.base + "/api/auth/" + url.PathEscape(provider)
}

// Origin is the origin callback pages served by this backend post from.
func (c *Client) Origin() string {
	return handshake.OriginOf("", c.base)
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Detail: jsonwriter.ReadError(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

// Status asks whether the login in window windowID has completed. An empty
// windowID asks about the client's own credentials, of which it has none.
func (c *Client) Status(ctx context.Context, windowID string) (*StatusResponse, error) {
	path := "/api/auth/status"
	if windowID != "" {
		path += "?" + url.Values{"popup": {windowID}}.Encode()
	}
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StatusChecker adapts Status for one window to a handshake.StatusChecker.
func (c *Client) StatusChecker(windowID string) handshake.StatusChecker {
	return handshake.StatusFunc(func(ctx context.Context) (handshake.Status, error) {
		resp, err := c.Status(ctx, windowID)
		if err != nil {
			return handshake.Status{}, err
		}
		return handshake.Status{
			Authenticated: resp.Authenticated,
			UserID:        resp.UserID,
			Email:         resp.Email,
			Provider:      resp.Provider,
		}, nil
	})
}

// Handoff redeems the grant of window windowID with the handoff code the
// relay received and the PKCE verifier.
func (c *Client) Handoff(ctx context.Context, windowID, code, verifier string) (*TokenResponse, error) {
	var resp TokenResponse
	body := map[string]string{"popup": windowID, "code": code, "verifier": verifier}
	if err := c.do(ctx, http.MethodPost, "/api/auth/handoff", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh rotates a refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	var resp TokenResponse
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/api/auth/refresh", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Me returns the user an access token belongs to.
func (c *Client) Me(ctx context.Context, accessToken string) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", bearer(accessToken), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Logout revokes a refresh token.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	body := map[string]string{"refresh_token": refreshToken}
	return c.do(ctx, http.MethodPost, "/api/auth/logout", nil, body, nil)
}
