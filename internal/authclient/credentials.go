package authclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoCredentials is returned when nothing has been saved yet.
var ErrNoCredentials = errors.New("not logged in")

const credentialsFile = "credentials.json"

// Credentials are the tokens saved after a successful login.
type Credentials struct {
	APIBase          string    `json:"api_base"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	UserID           string    `json:"user_id"`
	Email            string    `json:"email"`
	Provider         string    `json:"provider"`
}

// CredentialsFrom builds credentials from a token response.
func CredentialsFrom(apiBase string, t *TokenResponse) *Credentials {
	return &Credentials{
		APIBase:          apiBase,
		AccessToken:      t.AccessToken,
		AccessExpiresAt:  t.AccessExpiresAt,
		RefreshToken:     t.RefreshToken,
		RefreshExpiresAt: t.RefreshExpiresAt,
		UserID:           t.User.ID,
		Email:            t.User.Email,
		Provider:         t.User.Provider,
	}
}

// AccessExpired reports whether the access token should be refreshed at now.
func (c *Credentials) AccessExpired(now time.Time) bool {
	return !c.AccessExpiresAt.After(now.Add(30 * time.Second))
}

// SaveCredentials writes c to dir, readable only by the current user.
func SaveCredentials(dir string, c *Credentials) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, credentialsFile+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, credentialsFile))
}

// LoadCredentials reads credentials saved in dir.
func LoadCredentials(dir string) (*Credentials, error) {
	data, err := os.ReadFile(filepath.Join(dir, credentialsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, err
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", credentialsFile, err)
	}
	return &c, nil
}

// DeleteCredentials removes saved credentials. Missing credentials are not an
// error.
func DeleteCredentials(dir string) error {
	err := os.Remove(filepath.Join(dir, credentialsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
