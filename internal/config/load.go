package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/dgellow/fin-auth/internal/log"
)

// SupportedVersion is the config file version this build reads.
const SupportedVersion = "v1"

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse processes config file contents. See Load.
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if version != SupportedVersion {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	// The custom UnmarshalJSON methods resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	config.applyDefaults()

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ValidateConfig checks a resolved config.
func ValidateConfig(config *Config) error {
	if config.Server.BaseURL == "" {
		return fmt.Errorf("server.baseURL is required")
	}
	if err := requireAbsoluteURL(config.Server.BaseURL); err != nil {
		return fmt.Errorf("server.baseURL: %w", err)
	}
	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if config.Server.FrontendURL == "" {
		return fmt.Errorf("server.frontendURL is required")
	}
	if err := requireAbsoluteURL(config.Server.FrontendURL); err != nil {
		return fmt.Errorf("server.frontendURL: %w", err)
	}

	if len(config.Auth.JWTSecret) < 32 {
		return fmt.Errorf("jwt secret must be at least 32 bytes, got %d", len(config.Auth.JWTSecret))
	}
	if len(config.Auth.StateSecret) < 32 {
		return fmt.Errorf("state secret must be at least 32 bytes, got %d", len(config.Auth.StateSecret))
	}
	if config.Auth.AccessTokenTTL < 0 || config.Auth.RefreshTokenTTL < 0 ||
		config.Auth.StateTTL < 0 || config.Auth.PopupGrantTTL < 0 {
		return fmt.Errorf("auth token lifetimes cannot be negative")
	}
	if config.Auth.RefreshTokenTTL < config.Auth.AccessTokenTTL {
		log.LogWarn("Refresh token lifetime is shorter than access token lifetime")
	}

	switch config.Storage.Kind {
	case StorageMemory:
	case StorageSQLite:
		if config.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for sqlite storage")
		}
	case StorageFirestore:
		if config.Storage.FirestoreProject == "" {
			return fmt.Errorf("storage.firestoreProject is required for firestore storage")
		}
	default:
		return fmt.Errorf("unknown storage kind: %s (supported: memory, sqlite, firestore)", config.Storage.Kind)
	}
	if config.Storage.CleanupInterval < 0 {
		return fmt.Errorf("storage.cleanupInterval cannot be negative")
	}

	if len(config.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	for name, p := range config.Providers {
		if err := validateProvider(name, p); err != nil {
			return err
		}
	}

	return nil
}

func validateProvider(name string, p *ProviderConfig) error {
	switch name {
	case ProviderGoogle, ProviderGitHub:
	default:
		return fmt.Errorf("unknown provider: %s (supported: google, github)", name)
	}
	if p == nil {
		return fmt.Errorf("providers.%s must be an object", name)
	}
	if p.ClientID == "" {
		return fmt.Errorf("providers.%s.clientId is required", name)
	}
	if p.ClientSecret == "" {
		return fmt.Errorf("providers.%s.clientSecret is required", name)
	}
	if p.RedirectURI == "" {
		return fmt.Errorf("providers.%s.redirectUri is required", name)
	}
	if err := requireAbsoluteURL(p.RedirectURI); err != nil {
		return fmt.Errorf("providers.%s.redirectUri: %w", name, err)
	}
	if len(p.AllowedOrgs) > 0 && name != ProviderGitHub {
		return fmt.Errorf("providers.%s.allowedOrgs is only supported for github", name)
	}
	return nil
}

func requireAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an absolute http(s) URL, got %q", raw)
	}
	if strings.Contains(u.Path, "..") {
		return fmt.Errorf("must not contain '..'")
	}
	return nil
}
