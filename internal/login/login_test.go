package login

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/fin-auth/internal/auth"
	"github.com/dgellow/fin-auth/internal/authclient"
	"github.com/dgellow/fin-auth/internal/authtoken"
	"github.com/dgellow/fin-auth/internal/crypto"
	"github.com/dgellow/fin-auth/internal/handshake"
	"github.com/dgellow/fin-auth/internal/idp"
	"github.com/dgellow/fin-auth/internal/popup"
	"github.com/dgellow/fin-auth/internal/server"
	"github.com/dgellow/fin-auth/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const browserEnv = "FIN_LOGIN_TEST_BROWSER"

var testKey = []byte("0123456789abcdef0123456789abcdef")

var relayDeliveryRE = regexp.MustCompile(`(?s)<script id="relay-delivery" type="application/json">(.*?)</script>`)

// TestHelperBrowser stands in for the browser. It is not a real test.
//
// In "login" mode it loads the --app URL, following redirects through the
// backend and the identity provider, and then does what the callback page
// script does: post the embedded delivery to the relay. "silent" mode signs
// in but never reaches the relay. In "close" mode the window is closed
// straight away.
func TestHelperBrowser(t *testing.T) {
	mode := os.Getenv(browserEnv)
	if mode == "" {
		return
	}
	if mode == "close" {
		os.Exit(0)
	}

	var appURL string
	for _, arg := range os.Args {
		if v, ok := strings.CutPrefix(arg, "--app="); ok {
			appURL = v
		}
	}
	if appURL == "" {
		os.Exit(2)
	}

	resp, err := http.Get(appURL)
	if err != nil {
		os.Exit(3)
	}
	page, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if mode == "silent" {
		os.Exit(0)
	}

	m := relayDeliveryRE.FindSubmatch(page)
	if m == nil {
		os.Exit(4)
	}
	var d server.RelayDelivery
	if err := json.Unmarshal(m[1], &d); err != nil {
		os.Exit(5)
	}
	body, _ := json.Marshal(d.Message)

	final := resp.Request.URL
	req, _ := http.NewRequest(http.MethodPost, d.URL, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", final.Scheme+"://"+final.Host)
	req.Header.Set(popup.HeaderWindow, d.Window)
	if resp, err := http.DefaultClient.Do(req); err == nil {
		_ = resp.Body.Close()
	}

	time.Sleep(time.Minute)
	os.Exit(0)
}

// autoApproveProvider signs every visitor in as identity without asking.
type autoApproveProvider struct {
	backend     *string
	identity    idp.Identity
	userInfoErr error
}

func (p *autoApproveProvider) Type() string { return p.identity.ProviderType }

func (p *autoApproveProvider) AuthURL(state string) string {
	return *p.backend + "/api/auth/google/callback?" + url.Values{"code": {"approved"}, "state": {state}}.Encode()
}

func (p *autoApproveProvider) ExchangeCode(context.Context, string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "idp-token"}, nil
}

func (p *autoApproveProvider) UserInfo(context.Context, *oauth2.Token) (*idp.Identity, error) {
	if p.userInfoErr != nil {
		return nil, p.userInfoErr
	}
	id := p.identity
	return &id, nil
}

type backend struct {
	url      string
	client   *authclient.Client
	provider *autoApproveProvider
	store    *storage.MemoryStorage
}

// newBackend serves the auth routes. A non-nil userInfoErr makes every
// sign-in fail with it.
func newBackend(t *testing.T, userInfoErr error) *backend {
	t.Helper()
	b := &backend{store: storage.NewMemoryStorage()}
	b.provider = &autoApproveProvider{
		backend:     &b.url,
		userInfoErr: userInfoErr,
		identity: idp.Identity{
			ProviderType:  "google",
			Subject:       "g-1",
			Email:         "ada@example.com",
			EmailVerified: true,
			Name:          "Ada",
		},
	}

	access, err := authtoken.NewAccessIssuer(testKey, "fin-auth-test", 30*time.Minute)
	require.NoError(t, err)
	svc, err := auth.NewService(auth.Config{
		Providers:  map[string]idp.Provider{"google": b.provider},
		Storage:    b.store,
		Access:     access,
		StateKey:   testKey,
		StateTTL:   10 * time.Minute,
		RefreshTTL: time.Hour,
		GrantTTL:   5 * time.Minute,
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	b.url = srv.URL

	server.NewAuthHandlers(svc, crypto.NewCSRFProtection(testKey, time.Hour), nil, "https://app.example.com").Register(mux)

	b.client, err = authclient.New(srv.URL, nil)
	require.NoError(t, err)
	return b
}

func (b *backend) options(mode string) Options {
	return Options{
		Client:       b.client,
		Provider:     "google",
		Browser:      os.Args[0],
		BrowserArgs:  []string{"-test.run=^TestHelperBrowser$", "--"},
		BrowserEnv:   append(os.Environ(), browserEnv+"="+mode),
		Geometry:     handshake.Geometry{OuterWidth: 1280, OuterHeight: 800},
		Timeout:      20 * time.Second,
		PollInterval: 20 * time.Millisecond,
	}
}

func TestRun_Success(t *testing.T) {
	b := newBackend(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tokens, err := Run(ctx, b.options("login"))
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, "ada@example.com", tokens.User.Email)

	me, err := b.client.Me(ctx, tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, tokens.User.ID, me.ID)
}

func TestRun_AuthError(t *testing.T) {
	b := newBackend(t, idp.ErrAccessDenied)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := Run(ctx, b.options("login"))
	require.Error(t, err)
	assert.ErrorIs(t, err, handshake.ErrAuthError)
	assert.Equal(t, "auth-error:"+auth.CodeAccessDenied, err.Error())
}

func TestRun_CodeNeverReachedRelay(t *testing.T) {
	b := newBackend(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := Run(ctx, b.options("silent"))
	assert.ErrorIs(t, err, ErrNoHandoffCode)

	// The grant is left for the purge; nobody redeemed it.
	purged, err := b.store.DeleteExpired(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged.PopupGrants)
}

func TestRun_WindowClosed(t *testing.T) {
	b := newBackend(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := Run(ctx, b.options("close"))
	assert.ErrorIs(t, err, handshake.ErrAuthCancelled)
}

func TestRun_BrowserMissing(t *testing.T) {
	b := newBackend(t, nil)
	opts := b.options("login")
	opts.Browser = "/nonexistent/browser"

	_, err := Run(context.Background(), opts)
	assert.ErrorIs(t, err, handshake.ErrPopupBlocked)
}

func TestRun_Validation(t *testing.T) {
	_, err := Run(context.Background(), Options{})
	assert.Error(t, err)

	b := newBackend(t, nil)
	_, err = Run(context.Background(), Options{Client: b.client})
	assert.Error(t, err)
}
