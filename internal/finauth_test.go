package internal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgellow/fin-auth/internal/config"
	"github.com/dgellow/fin-auth/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, kind config.StorageKind) config.Config {
	t.Helper()
	return config.Config{
		Version: "v1",
		Server: config.ServerConfig{
			BaseURL:        "https://auth.example.com",
			Addr:           "127.0.0.1:0",
			FrontendURL:    "https://app.example.com",
			AllowedOrigins: []string{"https://app.example.com"},
		},
		Auth: config.AuthConfig{
			JWTSecret:       "0123456789abcdef0123456789abcdef",
			StateSecret:     "fedcba9876543210fedcba9876543210",
			Issuer:          "https://auth.example.com",
			AccessTokenTTL:  config.DefaultAccessTokenTTL,
			RefreshTokenTTL: config.DefaultRefreshTokenTTL,
			StateTTL:        config.DefaultStateTTL,
			PopupGrantTTL:   config.DefaultPopupGrantTTL,
		},
		Storage: config.StorageConfig{
			Kind:            kind,
			Path:            filepath.Join(t.TempDir(), "fin-auth.db"),
			CleanupInterval: time.Minute,
		},
		Providers: map[string]*config.ProviderConfig{
			"google": {
				Type:         config.ProviderGoogle,
				ClientID:     "client-id",
				ClientSecret: "client-secret",
				RedirectURI:  "https://auth.example.com/api/auth/google/callback",
				AuthURL:      "https://idp.example.com/authorize",
			},
		},
	}
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestNewFinAuth_Wiring(t *testing.T) {
	for _, kind := range []config.StorageKind{config.StorageMemory, config.StorageSQLite} {
		t.Run(string(kind), func(t *testing.T) {
			app, err := NewFinAuth(context.Background(), testConfig(t, kind), "v1.2.3")
			require.NoError(t, err)
			t.Cleanup(func() { _ = app.storage.Close() })
			h := app.Handler()

			w := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, `{"status":"ok","version":"v1.2.3"}`, w.Body.String())
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

			w = serve(h, httptest.NewRequest(http.MethodGet, "/api/auth/google", nil))
			require.Equal(t, http.StatusFound, w.Code)
			loc, err := url.Parse(w.Header().Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, "idp.example.com", loc.Host)
			assert.NotEmpty(t, loc.Query().Get("state"))

			w = serve(h, httptest.NewRequest(http.MethodGet, "/api/auth/status", nil))
			assert.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, `{"authenticated":false,"email_verified":false}`, w.Body.String())

			w = serve(h, httptest.NewRequest(http.MethodGet, "/api/auth/okta", nil))
			assert.Equal(t, http.StatusNotFound, w.Code)

			w = serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), "fin_auth_http_requests_total")
			assert.Contains(t, w.Body.String(), `route="GET /api/auth/google"`)
		})
	}
}

func TestNewFinAuth_CORS(t *testing.T) {
	app, err := NewFinAuth(context.Background(), testConfig(t, config.StorageMemory), "dev")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodOptions, "/api/auth/refresh", nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := serve(app.Handler(), r)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	r = httptest.NewRequest(http.MethodGet, "/api/auth/status", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	w = serve(app.Handler(), r)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewFinAuth_Errors(t *testing.T) {
	cfg := testConfig(t, "etcd")
	_, err := NewFinAuth(context.Background(), cfg, "dev")
	assert.ErrorContains(t, err, "unknown storage kind")

	cfg = testConfig(t, config.StorageMemory)
	cfg.Providers["okta"] = &config.ProviderConfig{Type: "okta"}
	_, err = NewFinAuth(context.Background(), cfg, "dev")
	assert.ErrorContains(t, err, "unknown provider type")
}

func TestCSRFKeyIsSeparateFromStateKey(t *testing.T) {
	cfg := testConfig(t, config.StorageMemory)
	key := csrfKey(cfg)
	assert.NotEqual(t, []byte(cfg.Auth.StateSecret), key)
	assert.NotEqual(t, []byte(cfg.Auth.JWTSecret), key)

	csrf := crypto.NewCSRFProtection(key, time.Hour)
	token, err := csrf.Generate()
	require.NoError(t, err)
	assert.True(t, csrf.Validate(token))

	stateKeyed := crypto.NewCSRFProtection([]byte(cfg.Auth.StateSecret), time.Hour)
	assert.False(t, stateKeyed.Validate(token))
}

func TestRun_StopsOnCancel(t *testing.T) {
	app, err := NewFinAuth(context.Background(), testConfig(t, config.StorageSQLite), "dev")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
