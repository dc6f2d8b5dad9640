package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-jwt-secret-must-be-32-bytes-long"

func validConfigJSON() map[string]any {
	return map[string]any{
		"version": "v1",
		"server": map[string]any{
			"baseURL":        "https://api.example.com/",
			"addr":           ":8000",
			"frontendURL":    "https://app.example.com",
			"allowedOrigins": []string{"https://app.example.com"},
		},
		"auth": map[string]any{
			"jwtSecret":      map[string]string{"$env": "TEST_JWT_SECRET"},
			"accessTokenTtl": "15m",
			"allowedDomains": []string{"Example.com"},
		},
		"storage": map[string]any{"kind": "memory"},
		"providers": map[string]any{
			"google": map[string]any{
				"clientId":     "client-id",
				"clientSecret": map[string]string{"$env": "TEST_GOOGLE_SECRET"},
				"redirectUri":  "https://api.example.com/api/auth/google/callback",
			},
		},
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestParse_Valid(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", testJWTSecret)
	t.Setenv("TEST_GOOGLE_SECRET", "'google-secret'")

	cfg, err := Parse(mustMarshal(t, validConfigJSON()))
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.Server.BaseURL, "trailing slash trimmed")
	assert.Equal(t, Secret(testJWTSecret), cfg.Auth.JWTSecret)
	assert.Equal(t, cfg.Auth.JWTSecret, cfg.Auth.StateSecret, "state secret defaults to jwt secret")
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, DefaultRefreshTokenTTL, cfg.Auth.RefreshTokenTTL)
	assert.Equal(t, DefaultPopupGrantTTL, cfg.Auth.PopupGrantTTL)
	assert.Equal(t, []string{"example.com"}, cfg.Auth.AllowedDomains)
	assert.Equal(t, "https://api.example.com", cfg.Auth.Issuer)
	assert.Equal(t, StorageMemory, cfg.Storage.Kind)
	assert.Equal(t, DefaultCleanupInterval, cfg.Storage.CleanupInterval)

	google := cfg.Providers["google"]
	require.NotNil(t, google)
	assert.Equal(t, "google", google.Type)
	assert.Equal(t, Secret("google-secret"), google.ClientSecret, "matching quotes stripped")

	assert.NotContains(t, cfg.Redacted(), testJWTSecret)
	assert.NotContains(t, cfg.Redacted(), "google-secret")
}

func TestParse_Errors(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", testJWTSecret)
	t.Setenv("TEST_GOOGLE_SECRET", "google-secret")
	t.Setenv("TEST_SHORT_SECRET", "short")

	tests := []struct {
		name        string
		mutate      func(map[string]any)
		expectError string
	}{
		{
			name:        "missing_version",
			mutate:      func(c map[string]any) { delete(c, "version") },
			expectError: "config version is required",
		},
		{
			name:        "wrong_version",
			mutate:      func(c map[string]any) { c["version"] = "v0" },
			expectError: "unsupported config version",
		},
		{
			name: "plain_text_secret",
			mutate: func(c map[string]any) {
				c["auth"].(map[string]any)["jwtSecret"] = testJWTSecret
			},
			expectError: "jwtSecret must use {\"$env\": \"VAR_NAME\"} format",
		},
		{
			name: "unset_env",
			mutate: func(c map[string]any) {
				c["auth"].(map[string]any)["jwtSecret"] = map[string]string{"$env": "TEST_UNSET_VAR"}
			},
			expectError: "environment variable TEST_UNSET_VAR not set",
		},
		{
			name: "short_secret",
			mutate: func(c map[string]any) {
				c["auth"].(map[string]any)["jwtSecret"] = map[string]string{"$env": "TEST_SHORT_SECRET"}
			},
			expectError: "jwt secret must be at least 32 bytes",
		},
		{
			name: "bad_duration",
			mutate: func(c map[string]any) {
				c["auth"].(map[string]any)["accessTokenTtl"] = "soon"
			},
			expectError: "parsing accessTokenTtl",
		},
		{
			name: "sqlite_without_path",
			mutate: func(c map[string]any) {
				c["storage"] = map[string]any{"kind": "sqlite"}
			},
			expectError: "storage.path is required",
		},
		{
			name: "unknown_storage",
			mutate: func(c map[string]any) {
				c["storage"] = map[string]any{"kind": "redis"}
			},
			expectError: "unknown storage kind",
		},
		{
			name:        "no_providers",
			mutate:      func(c map[string]any) { c["providers"] = map[string]any{} },
			expectError: "at least one provider",
		},
		{
			name: "unknown_provider",
			mutate: func(c map[string]any) {
				c["providers"].(map[string]any)["facebook"] = map[string]any{
					"clientId":     "x",
					"clientSecret": map[string]string{"$env": "TEST_GOOGLE_SECRET"},
					"redirectUri":  "https://api.example.com/cb",
				}
			},
			expectError: "unknown provider: facebook",
		},
		{
			name: "relative_frontend",
			mutate: func(c map[string]any) {
				c["server"].(map[string]any)["frontendURL"] = "/app"
			},
			expectError: "server.frontendURL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validConfigJSON()
			tt.mutate(raw)

			_, err := Parse(mustMarshal(t, raw))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestLoad_File(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", testJWTSecret)
	t.Setenv("TEST_GOOGLE_SECRET", "google-secret")

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, mustMarshal(t, validConfigJSON()), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.Server.Addr)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
