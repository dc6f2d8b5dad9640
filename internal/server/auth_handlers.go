package server

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/dgellow/fin-auth/internal/auth"
	"github.com/dgellow/fin-auth/internal/cookie"
	"github.com/dgellow/fin-auth/internal/crypto"
	"github.com/dgellow/fin-auth/internal/handshake"
	jsonwriter "github.com/dgellow/fin-auth/internal/json"
	"github.com/dgellow/fin-auth/internal/log"
	"github.com/dgellow/fin-auth/internal/popup"
	"github.com/dgellow/fin-auth/internal/storage"
	"github.com/dgellow/fin-auth/internal/urlutil"
)

// CSRFHeader carries the double-submitted copy of the CSRF cookie.
const CSRFHeader = "X-CSRF-Token"

// AuthHandlers serves the /api/auth routes.
type AuthHandlers struct {
	svc         *auth.Service
	csrf        crypto.CSRFProtection
	metrics     *Metrics
	frontendURL string
}

// NewAuthHandlers creates the auth handlers. frontendURL is where browser
// logins return to.
func NewAuthHandlers(svc *auth.Service, csrf crypto.CSRFProtection, metrics *Metrics, frontendURL string) *AuthHandlers {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &AuthHandlers{
		svc:         svc,
		csrf:        csrf,
		metrics:     metrics,
		frontendURL: strings.TrimRight(frontendURL, "/"),
	}
}

// Register adds every auth route to mux. Provider routes are registered per
// configured provider so they never overlap the fixed routes.
func (h *AuthHandlers) Register(mux *http.ServeMux, mws ...MiddlewareFunc) {
	route := func(pattern string, handler http.HandlerFunc) {
		mux.Handle(pattern, ChainMiddleware(handler, mws...))
	}

	for _, provider := range h.svc.Providers() {
		route("GET /api/auth/"+provider, h.LoginHandler(provider))
		route("GET /api/auth/"+provider+"/login", h.LoginHandler(provider))
		route("GET /api/auth/"+provider+"/callback", h.CallbackHandler(provider))
		route("GET /api/auth/logout/"+provider, h.ProviderLogoutHandler(provider))
	}

	route("GET /api/auth/callback", h.CallbackPageHandler)
	route("GET /api/auth/status", h.StatusHandler)
	route("POST /api/auth/handoff", h.HandoffHandler)
	route("GET /api/auth/me", h.MeHandler)
	route("POST /api/auth/refresh", h.RefreshHandler)
	route("POST /api/auth/logout", h.LogoutHandler)
	route("POST /api/auth/sessions/revoke", h.RevokeSessionsHandler)
}

// userResponse is the public view of a user.
type userResponse struct {
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

func newUserResponse(u *storage.User) userResponse {
	providers := make([]string, 0, len(u.Identities))
	for p := range u.Identities {
		providers = append(providers, p)
	}
	slices.Sort(providers)

	return userResponse{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Picture:       u.Picture,
		Provider:      u.Provider,
		Providers:     providers,
		EmailVerified: u.EmailVerified,
		CreatedAt:     u.CreatedAt,
		LastLogin:     u.LastLogin,
	}
}

type tokenResponse struct {
	AccessToken      string       `json:"access_token"`
	AccessExpiresAt  time.Time    `json:"access_expires_at"`
	RefreshToken     string       `json:"refresh_token"`
	RefreshExpiresAt time.Time    `json:"refresh_expires_at"`
	User             userResponse `json:"user"`
}

func newTokenResponse(u *storage.User, t *auth.Tokens) tokenResponse {
	return tokenResponse{
		AccessToken:      t.AccessToken,
		AccessExpiresAt:  t.AccessExpiresAt,
		RefreshToken:     t.RefreshToken,
		RefreshExpiresAt: t.RefreshExpiresAt,
		User:             newUserResponse(u),
	}
}

type statusResponse struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"user_id,omitempty"`
	Email         string `json:"email,omitempty"`
	Provider      string `json:"provider,omitempty"`
	EmailVerified bool   `json:"email_verified"`
}

// LoginHandler redirects to the provider's authorization page. A command-line
// opener adds popup, relay and challenge query parameters.
func (h *AuthHandlers) LoginHandler(provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		authURL, err := h.svc.StartLogin(provider, auth.PopupParams{
			Window:    q.Get(popup.ParamPopup),
			Relay:     q.Get(popup.ParamRelay),
			Challenge: q.Get(popup.ParamChallenge),
		})
		switch {
		case errors.Is(err, auth.ErrUnknownProvider):
			jsonwriter.WriteNotFound(w, "unknown provider")
			return
		case errors.Is(err, auth.ErrInvalidRelay), errors.Is(err, auth.ErrInvalidPopup):
			jsonwriter.WriteBadRequest(w, err.Error())
			return
		case err != nil:
			log.LogErrorWithFields("auth_handlers", "Failed to start login", map[string]any{
				"provider": provider,
				"error":    err.Error(),
			})
			jsonwriter.WriteInternalServerError(w, "failed to start login")
			return
		}

		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// CallbackHandler completes a provider login and redirects to the page that
// reports the outcome.
func (h *AuthHandlers) CallbackHandler(provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		res, err := h.svc.HandleCallback(r.Context(), provider, q.Get("code"), q.Get("state"), q.Get("error"))
		if err != nil {
			var cbErr *auth.CallbackError
			code := auth.CodeServerError
			var ls *auth.LoginState
			if errors.As(err, &cbErr) {
				code = cbErr.Code
				ls = cbErr.State
			}
			h.metrics.login(provider, code)
			h.finishLogin(w, r, ls, handshake.Payload{Type: handshake.TypeAuthError, Error: code})
			return
		}

		if err := h.setSessionCookies(w, res.Tokens); err != nil {
			log.LogErrorWithFields("auth_handlers", "Failed to set session cookies", map[string]any{
				"error": err.Error(),
			})
			h.metrics.login(provider, auth.CodeServerError)
			h.finishLogin(w, r, res.State, handshake.Payload{Type: handshake.TypeAuthError, Error: auth.CodeServerError})
			return
		}

		h.metrics.login(provider, "success")
		h.finishLogin(w, r, res.State, handshake.Payload{Type: handshake.TypeAuthSuccess, Code: res.HandoffCode})
	}
}

// finishLogin reports a login outcome. Browser logins are redirected to the
// frontend's callback page. Command-line logins get the callback page
// rendered in place, so the handoff code in msg never appears in a URL; the
// page hands the code to the login's loopback relay and nowhere else.
func (h *AuthHandlers) finishLogin(w http.ResponseWriter, r *http.Request, ls *auth.LoginState, msg handshake.Payload) {
	if ls == nil || ls.Popup == "" {
		params := url.Values{"success": {"true"}}
		if msg.Type == handshake.TypeAuthError {
			params = url.Values{"error": {msg.Error}}
		}
		target := h.frontendURL + "/auth/callback"
		if u, err := urlutil.WithQuery(target, params); err == nil {
			target = u
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	opener := msg
	opener.Code = ""
	renderCallbackPage(w, CallbackPageData{
		Success: msg.Type == handshake.TypeAuthSuccess,
		Message: opener,
		Relay: &RelayDelivery{
			URL:     ls.Relay,
			Window:  ls.Popup,
			Message: msg,
		},
	})
}

func (h *AuthHandlers) setSessionCookies(w http.ResponseWriter, t *auth.Tokens) error {
	csrfToken, err := h.csrf.Generate()
	if err != nil {
		return err
	}
	cookie.SetAccess(w, t.AccessToken, h.svc.AccessTTL())
	cookie.SetRefresh(w, t.RefreshToken, h.svc.RefreshTTL())
	cookie.SetCSRF(w, csrfToken, h.svc.RefreshTTL())
	return nil
}

// CallbackPageHandler renders the page that hands a browser login outcome
// back to the window that opened the login. It only talks to window.opener.
func (h *AuthHandlers) CallbackPageHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	data := CallbackPageData{Success: q.Get("success") == "true"}
	if data.Success {
		data.Message = handshake.Payload{Type: handshake.TypeAuthSuccess}
	} else {
		data.Message = handshake.Payload{Type: handshake.TypeAuthError, Error: q.Get("error")}
	}
	renderCallbackPage(w, data)
}

func renderCallbackPage(w http.ResponseWriter, data CallbackPageData) {
	setNoStore(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := callbackPageTemplate.Execute(w, data); err != nil {
		log.LogErrorWithFields("auth_handlers", "Failed to render callback page", map[string]any{
			"error": err.Error(),
		})
	}
}

// StatusHandler reports whether the caller is signed in. With ?popup=<id> it
// only reports whether that popup login completed. It never answers 401.
func (h *AuthHandlers) StatusHandler(w http.ResponseWriter, r *http.Request) {
	setNoStore(w)

	if window := r.URL.Query().Get(popup.ParamPopup); window != "" {
		h.popupStatus(w, r, window)
		return
	}

	var (
		user *storage.User
		err  error
	)
	if token := accessToken(r); token != "" {
		user, err = h.svc.Authenticate(r.Context(), token)
	} else {
		err = auth.ErrNotAuthenticated
	}

	switch {
	case err == nil:
		_ = jsonwriter.Write(w, statusResponse{
			Authenticated: true,
			UserID:        user.ID,
			Email:         user.Email,
			Provider:      user.Provider,
			EmailVerified: user.EmailVerified,
		})
	case errors.Is(err, auth.ErrNotAuthenticated), errors.Is(err, auth.ErrInactiveUser):
		_ = jsonwriter.Write(w, statusResponse{})
	default:
		h.statusUnavailable(w, err)
	}
}

// popupStatusResponse is all an unauthenticated caller learns about a popup
// login: the window ID is not a credential.
type popupStatusResponse struct {
	Authenticated bool `json:"authenticated"`
}

func (h *AuthHandlers) popupStatus(w http.ResponseWriter, r *http.Request, window string) {
	err := h.svc.PopupStatus(r.Context(), window)

	var grantErr *auth.GrantError
	switch {
	case err == nil:
		_ = jsonwriter.Write(w, popupStatusResponse{Authenticated: true})
	case errors.Is(err, auth.ErrNotAuthenticated), errors.Is(err, auth.ErrInactiveUser), errors.As(err, &grantErr):
		_ = jsonwriter.Write(w, popupStatusResponse{})
	default:
		h.statusUnavailable(w, err)
	}
}

func (h *AuthHandlers) statusUnavailable(w http.ResponseWriter, err error) {
	log.LogErrorWithFields("auth_handlers", "Status check failed", map[string]any{
		"error": err.Error(),
	})
	jsonwriter.WriteServiceUnavailable(w, "status unavailable")
}

type handoffRequest struct {
	Popup    string `json:"popup"`
	Code     string `json:"code"`
	Verifier string `json:"verifier"`
}

// HandoffHandler redeems a completed popup login for tokens.
func (h *AuthHandlers) HandoffHandler(w http.ResponseWriter, r *http.Request) {
	setNoStore(w)

	var req handoffRequest
	if err := jsonwriter.DecodeBody(r, &req); err != nil {
		jsonwriter.WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Popup == "" || req.Verifier == "" {
		jsonwriter.WriteBadRequest(w, "popup and verifier are required")
		return
	}

	user, tokens, err := h.svc.Handoff(r.Context(), req.Popup, req.Code, req.Verifier)
	if err != nil {
		var grantErr *auth.GrantError
		switch {
		case errors.Is(err, auth.ErrNotAuthenticated):
			h.metrics.handoff("not_found")
			jsonwriter.WriteUnauthorized(w, "no completed login for this window")
		case errors.Is(err, auth.ErrInvalidVerifier):
			h.metrics.handoff("invalid_verifier")
			jsonwriter.WriteForbidden(w, "verifier does not match")
		case errors.Is(err, auth.ErrInvalidCode):
			h.metrics.handoff("invalid_code")
			jsonwriter.WriteForbidden(w, "handoff code does not match")
		case errors.As(err, &grantErr):
			h.metrics.handoff("login_failed")
			jsonwriter.WriteUnauthorized(w, grantErr.Error())
		case errors.Is(err, auth.ErrInactiveUser):
			h.metrics.handoff("inactive_user")
			jsonwriter.WriteForbidden(w, "user is inactive")
		default:
			h.metrics.handoff("error")
			log.LogErrorWithFields("auth_handlers", "Handoff failed", map[string]any{
				"popup": req.Popup,
				"error": err.Error(),
			})
			jsonwriter.WriteInternalServerError(w, "handoff failed")
		}
		return
	}

	h.metrics.handoff("success")
	_ = jsonwriter.Write(w, newTokenResponse(user, tokens))
}

// MeHandler returns the signed-in user.
func (h *AuthHandlers) MeHandler(w http.ResponseWriter, r *http.Request) {
	token := accessToken(r)
	if token == "" {
		jsonwriter.WriteUnauthorized(w, "not authenticated")
		return
	}

	user, err := h.svc.Authenticate(r.Context(), token)
	switch {
	case err == nil:
		_ = jsonwriter.Write(w, newUserResponse(user))
	case errors.Is(err, auth.ErrNotAuthenticated), errors.Is(err, auth.ErrInactiveUser):
		jsonwriter.WriteUnauthorized(w, "not authenticated")
	default:
		log.LogErrorWithFields("auth_handlers", "Failed to load user", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "failed to load user")
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// refreshToken returns the refresh token from the cookie or, failing that,
// from a {"refresh_token"} body. fromCookie reports which one was used.
func refreshToken(r *http.Request) (token string, fromCookie bool, err error) {
	if v, err := cookie.Get(r, cookie.RefreshToken); err == nil && v != "" {
		return v, true, nil
	}

	var req refreshRequest
	if err := jsonwriter.DecodeBody(r, &req); err != nil {
		if errors.Is(err, io.EOF) {
			return "", false, nil
		}
		return "", false, err
	}
	return req.RefreshToken, false, nil
}

// RefreshHandler rotates a refresh token. Browser callers get new cookies
// and the user; command-line callers get the tokens in the body.
func (h *AuthHandlers) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	setNoStore(w)

	token, fromCookie, err := refreshToken(r)
	if err != nil {
		jsonwriter.WriteBadRequest(w, "invalid request body")
		return
	}
	if token == "" {
		h.metrics.refreshed("missing")
		cookie.ClearAll(w)
		jsonwriter.WriteUnauthorized(w, "refresh token required")
		return
	}

	user, tokens, err := h.svc.Refresh(r.Context(), token)
	if err != nil {
		if !errors.Is(err, auth.ErrNotAuthenticated) && !errors.Is(err, auth.ErrInactiveUser) {
			log.LogErrorWithFields("auth_handlers", "Refresh failed", map[string]any{
				"error": err.Error(),
			})
		}
		h.metrics.refreshed("rejected")
		cookie.ClearAll(w)
		jsonwriter.WriteUnauthorized(w, "invalid or expired refresh token")
		return
	}

	h.metrics.refreshed("success")
	if !fromCookie {
		_ = jsonwriter.Write(w, newTokenResponse(user, tokens))
		return
	}

	if err := h.setSessionCookies(w, tokens); err != nil {
		jsonwriter.WriteInternalServerError(w, "failed to set cookies")
		return
	}
	_ = jsonwriter.Write(w, map[string]any{"user": newUserResponse(user)})
}

// checkCSRF enforces the double-submit check on cookie-authenticated requests.
func (h *AuthHandlers) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	if !hasAuthCookies(r) {
		return true
	}
	csrfCookie, _ := cookie.Get(r, cookie.CSRF)
	if h.csrf.Matches(r.Header.Get(CSRFHeader), csrfCookie) {
		return true
	}
	log.LogWarnWithFields("auth_handlers", "Request rejected: CSRF token mismatch", map[string]any{
		"path":        r.URL.Path,
		"remote_addr": r.RemoteAddr,
	})
	jsonwriter.WriteForbidden(w, "CSRF token mismatch")
	return false
}

// LogoutHandler revokes the refresh session and clears the auth cookies.
// Requests that carry auth cookies must pass the CSRF double-submit check.
func (h *AuthHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	setNoStore(w)

	if !h.checkCSRF(w, r) {
		return
	}

	token, _, err := refreshToken(r)
	if err != nil {
		jsonwriter.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := h.svc.Logout(r.Context(), token); err != nil {
		log.LogErrorWithFields("auth_handlers", "Failed to revoke refresh session", map[string]any{
			"error": err.Error(),
		})
	}

	cookie.ClearAll(w)
	_ = jsonwriter.Write(w, jsonwriter.ErrorResponse{Detail: "logged out"})
}

// RevokeSessionsHandler signs the current user out everywhere by deleting
// all of their refresh sessions. Access tokens stay valid until they expire.
func (h *AuthHandlers) RevokeSessionsHandler(w http.ResponseWriter, r *http.Request) {
	setNoStore(w)

	if !h.checkCSRF(w, r) {
		return
	}
	token := accessToken(r)
	if token == "" {
		jsonwriter.WriteUnauthorized(w, "not authenticated")
		return
	}
	user, err := h.svc.Authenticate(r.Context(), token)
	if err != nil {
		jsonwriter.WriteUnauthorized(w, "not authenticated")
		return
	}

	n, err := h.svc.RevokeAll(r.Context(), user.ID)
	if err != nil {
		log.LogErrorWithFields("auth_handlers", "Failed to revoke sessions", map[string]any{
			"user":  user.ID,
			"error": err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "failed to revoke sessions")
		return
	}

	log.LogInfoWithFields("auth_handlers", "All refresh sessions revoked", map[string]any{
		"user":  user.ID,
		"count": n,
	})
	cookie.ClearAll(w)
	_ = jsonwriter.Write(w, map[string]int{"revoked": n})
}

// ProviderLogoutHandler signs the user out of the provider as well, where the
// provider supports it, and returns to the frontend login page.
func (h *AuthHandlers) ProviderLogoutHandler(provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		continueURL := h.frontendURL + "/auth/login"
		target, err := h.svc.LogoutURL(provider, continueURL)
		if err != nil {
			target = continueURL
		}
		http.Redirect(w, r, target, http.StatusFound)
	}
}

func hasAuthCookies(r *http.Request) bool {
	for _, name := range []string{cookie.AccessToken, cookie.RefreshToken} {
		if v, err := cookie.Get(r, name); err == nil && v != "" {
			return true
		}
	}
	return false
}

// accessToken reads a bearer token, falling back to the access cookie.
func accessToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if v, err := cookie.Get(r, cookie.AccessToken); err == nil {
		return v
	}
	return ""
}
