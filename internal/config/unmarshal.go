package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgellow/fin-auth/internal/emailutil"
)

// UnmarshalJSON implements custom unmarshaling for ServerConfig
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	type rawServer struct {
		BaseURL        json.RawMessage `json:"baseURL"`
		Addr           json.RawMessage `json:"addr"`
		FrontendURL    json.RawMessage `json:"frontendURL"`
		AllowedOrigins []string        `json:"allowedOrigins"`
	}

	var raw rawServer
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if err := parseOptional(raw.BaseURL, "baseURL", &s.BaseURL); err != nil {
		return err
	}
	if err := parseOptional(raw.Addr, "addr", &s.Addr); err != nil {
		return err
	}
	if err := parseOptional(raw.FrontendURL, "frontendURL", &s.FrontendURL); err != nil {
		return err
	}
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	s.FrontendURL = strings.TrimRight(s.FrontendURL, "/")
	s.AllowedOrigins = raw.AllowedOrigins
	return nil
}

// UnmarshalJSON implements custom unmarshaling for AuthConfig
func (a *AuthConfig) UnmarshalJSON(data []byte) error {
	type rawAuth struct {
		JWTSecret       json.RawMessage `json:"jwtSecret"`
		StateSecret     json.RawMessage `json:"stateSecret"`
		Issuer          string          `json:"issuer"`
		AccessTokenTTL  string          `json:"accessTokenTtl"`
		RefreshTokenTTL string          `json:"refreshTokenTtl"`
		StateTTL        string          `json:"stateTtl"`
		PopupGrantTTL   string          `json:"popupGrantTtl"`
		AllowedDomains  []string        `json:"allowedDomains"`
	}

	var raw rawAuth
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if err := parseSecret(raw.JWTSecret, "jwtSecret", &a.JWTSecret); err != nil {
		return err
	}
	if err := parseSecret(raw.StateSecret, "stateSecret", &a.StateSecret); err != nil {
		return err
	}
	a.Issuer = raw.Issuer

	durations := []struct {
		raw   string
		field string
		dst   *time.Duration
	}{
		{raw.AccessTokenTTL, "accessTokenTtl", &a.AccessTokenTTL},
		{raw.RefreshTokenTTL, "refreshTokenTtl", &a.RefreshTokenTTL},
		{raw.StateTTL, "stateTtl", &a.StateTTL},
		{raw.PopupGrantTTL, "popupGrantTtl", &a.PopupGrantTTL},
	}
	for _, d := range durations {
		if err := parseDuration(d.raw, d.field, d.dst); err != nil {
			return err
		}
	}

	a.AllowedDomains = make([]string, 0, len(raw.AllowedDomains))
	for _, domain := range raw.AllowedDomains {
		a.AllowedDomains = append(a.AllowedDomains, emailutil.Normalize(domain))
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for StorageConfig
func (s *StorageConfig) UnmarshalJSON(data []byte) error {
	type rawStorage struct {
		Kind                StorageKind     `json:"kind"`
		Path                json.RawMessage `json:"path"`
		FirestoreProject    json.RawMessage `json:"firestoreProject"`
		FirestoreDatabase   string          `json:"firestoreDatabase"`
		FirestoreCollection string          `json:"firestoreCollection"`
		CleanupInterval     string          `json:"cleanupInterval"`
	}

	var raw rawStorage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Kind = raw.Kind
	if err := parseOptional(raw.Path, "path", &s.Path); err != nil {
		return err
	}
	if err := parseOptional(raw.FirestoreProject, "firestoreProject", &s.FirestoreProject); err != nil {
		return err
	}
	s.FirestoreDatabase = raw.FirestoreDatabase
	s.FirestoreCollection = raw.FirestoreCollection
	return parseDuration(raw.CleanupInterval, "cleanupInterval", &s.CleanupInterval)
}

// UnmarshalJSON implements custom unmarshaling for ProviderConfig
func (p *ProviderConfig) UnmarshalJSON(data []byte) error {
	type rawProvider struct {
		ClientID     json.RawMessage `json:"clientId"`
		ClientSecret json.RawMessage `json:"clientSecret"`
		RedirectURI  json.RawMessage `json:"redirectUri"`
		AllowedOrgs  []string        `json:"allowedOrgs"`
		AuthURL      string          `json:"authUrl"`
		TokenURL     string          `json:"tokenUrl"`
		UserInfoURL  string          `json:"userInfoUrl"`
		LogoutURL    string          `json:"logoutUrl"`
	}

	var raw rawProvider
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if err := parseOptional(raw.ClientID, "clientId", &p.ClientID); err != nil {
		return err
	}
	if err := parseSecret(raw.ClientSecret, "clientSecret", &p.ClientSecret); err != nil {
		return err
	}
	if err := parseOptional(raw.RedirectURI, "redirectUri", &p.RedirectURI); err != nil {
		return err
	}
	p.AllowedOrgs = raw.AllowedOrgs
	p.AuthURL = raw.AuthURL
	p.TokenURL = raw.TokenURL
	p.UserInfoURL = raw.UserInfoURL
	p.LogoutURL = raw.LogoutURL
	return nil
}

// applyDefaults fills omitted lifetimes and storage settings.
func (c *Config) applyDefaults() {
	if c.Auth.AccessTokenTTL == 0 {
		c.Auth.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.Auth.RefreshTokenTTL == 0 {
		c.Auth.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.Auth.StateTTL == 0 {
		c.Auth.StateTTL = DefaultStateTTL
	}
	if c.Auth.PopupGrantTTL == 0 {
		c.Auth.PopupGrantTTL = DefaultPopupGrantTTL
	}
	if c.Auth.StateSecret == "" {
		c.Auth.StateSecret = c.Auth.JWTSecret
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = c.Server.BaseURL
	}
	if c.Storage.Kind == "" {
		c.Storage.Kind = StorageMemory
	}
	if c.Storage.CleanupInterval == 0 {
		c.Storage.CleanupInterval = DefaultCleanupInterval
	}
	if c.Storage.Kind == StorageFirestore {
		if c.Storage.FirestoreDatabase == "" {
			c.Storage.FirestoreDatabase = DefaultFirestoreDatabase
		}
		if c.Storage.FirestoreCollection == "" {
			c.Storage.FirestoreCollection = DefaultFirestoreCollection
		}
	}
	for name, p := range c.Providers {
		if p != nil {
			p.Type = name
		}
	}
}

// Redacted renders the config for logs with secrets masked.
func (c Config) Redacted() string {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<unprintable config: %v>", err)
	}
	return string(data)
}
