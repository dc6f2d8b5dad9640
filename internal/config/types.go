package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// StorageKind selects the storage backend.
type StorageKind string

const (
	StorageMemory    StorageKind = "memory"
	StorageSQLite    StorageKind = "sqlite"
	StorageFirestore StorageKind = "firestore"
)

// Supported identity providers.
const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"
)

// Defaults applied by Load when a field is omitted.
const (
	DefaultAccessTokenTTL  = 30 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
	DefaultStateTTL        = 10 * time.Minute
	DefaultPopupGrantTTL   = 5 * time.Minute
	DefaultCleanupInterval = 10 * time.Minute

	DefaultFirestoreDatabase   = "(default)"
	DefaultFirestoreCollection = "fin_auth"
)

// ServerConfig is where the backend listens and who may call it.
type ServerConfig struct {
	BaseURL        string   `json:"baseURL"`
	Addr           string   `json:"addr"`
	FrontendURL    string   `json:"frontendURL"`
	AllowedOrigins []string `json:"allowedOrigins"`
}

// AuthConfig holds token secrets and lifetimes.
//
// JWTSecret signs access tokens. StateSecret signs the OAuth state parameter
// and CSRF tokens; it defaults to JWTSecret when omitted.
type AuthConfig struct {
	JWTSecret       Secret        `json:"jwtSecret"`
	StateSecret     Secret        `json:"stateSecret"`
	Issuer          string        `json:"issuer"`
	AccessTokenTTL  time.Duration `json:"accessTokenTtl"`
	RefreshTokenTTL time.Duration `json:"refreshTokenTtl"`
	StateTTL        time.Duration `json:"stateTtl"`
	PopupGrantTTL   time.Duration `json:"popupGrantTtl"`
	AllowedDomains  []string      `json:"allowedDomains"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Kind                StorageKind   `json:"kind"`
	Path                string        `json:"path,omitempty"`
	FirestoreProject    string        `json:"firestoreProject,omitempty"`
	FirestoreDatabase   string        `json:"firestoreDatabase,omitempty"`
	FirestoreCollection string        `json:"firestoreCollection,omitempty"`
	CleanupInterval     time.Duration `json:"cleanupInterval"`
}

// ProviderConfig configures one identity provider. Type is the key the
// provider is listed under.
type ProviderConfig struct {
	Type         string   `json:"-"`
	ClientID     string   `json:"clientId"`
	ClientSecret Secret   `json:"clientSecret"`
	RedirectURI  string   `json:"redirectUri"`
	AllowedOrgs  []string `json:"allowedOrgs,omitempty"`

	// Endpoint overrides, used against test identity providers.
	AuthURL     string `json:"authUrl,omitempty"`
	TokenURL    string `json:"tokenUrl,omitempty"`
	UserInfoURL string `json:"userInfoUrl,omitempty"`
	LogoutURL   string `json:"logoutUrl,omitempty"`
}

// Config represents the config structure with resolved values
type Config struct {
	Version   string                     `json:"version"`
	LogLevel  string                     `json:"logLevel,omitempty"`
	Server    ServerConfig               `json:"server"`
	Auth      AuthConfig                 `json:"auth"`
	Storage   StorageConfig              `json:"storage"`
	Providers map[string]*ProviderConfig `json:"providers"`
}

// RawConfigValue is a value that was either a literal string or an
// environment reference. It only exists during parsing.
type RawConfigValue struct {
	value   string
	fromEnv bool
}

// ParseConfigValue parses a JSON value that could be a string or {"$env": "VAR"}.
func ParseConfigValue(raw json.RawMessage) (*RawConfigValue, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return &RawConfigValue{value: str}, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return nil, fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return nil, fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return &RawConfigValue{value: value, fromEnv: true}, nil
}

// parseOptional resolves raw into dst if raw is present.
func parseOptional(raw json.RawMessage, field string, dst *string) error {
	if raw == nil {
		return nil
	}
	parsed, err := ParseConfigValue(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	*dst = parsed.value
	return nil
}

// parseSecret resolves a secret field, which must be an environment reference.
func parseSecret(raw json.RawMessage, field string, dst *Secret) error {
	if raw == nil {
		return nil
	}
	parsed, err := ParseConfigValue(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	if !parsed.fromEnv {
		return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", field)
	}
	*dst = Secret(parsed.value)
	return nil
}

func parseDuration(raw, field string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	*dst = d
	return nil
}
