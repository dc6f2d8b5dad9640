package cookie

import (
	"net/http"
	"time"

	"github.com/dgellow/fin-auth/internal/envutil"
	"github.com/dgellow/fin-auth/internal/log"
)

// Cookie names shared with the web frontend.
const (
	AccessToken  = "access_token"
	RefreshToken = "refresh_token"
	CSRF         = "XSRF-TOKEN"
)

// RefreshPath scopes the refresh cookie to the auth endpoints that consume
// it (refresh and logout).
const RefreshPath = "/api/auth"

// SetAccess sets the HttpOnly access-token cookie.
func SetAccess(w http.ResponseWriter, value string, maxAge time.Duration) {
	set(w, AccessToken, value, "/", true, maxAge)
}

// SetRefresh sets the HttpOnly refresh-token cookie, only sent to RefreshPath.
func SetRefresh(w http.ResponseWriter, value string, maxAge time.Duration) {
	set(w, RefreshToken, value, RefreshPath, true, maxAge)
}

// SetCSRF sets the CSRF cookie. Scripts must be able to read it to echo it
// back in the X-CSRF-Token header.
func SetCSRF(w http.ResponseWriter, value string, maxAge time.Duration) {
	set(w, CSRF, value, "/", false, maxAge)
}

func set(w http.ResponseWriter, name, value, path string, httpOnly bool, maxAge time.Duration) {
	secure := !envutil.IsDev()
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		HttpOnly: httpOnly,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge.Seconds()),
	})

	log.LogTraceWithFields("cookie", "Cookie set", map[string]any{
		"name":   name,
		"maxAge": maxAge.String(),
		"secure": secure,
	})
}

// Clear removes a cookie by setting MaxAge to -1
func Clear(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:   name,
		Value:  "",
		Path:   path,
		MaxAge: -1,
	})
}

// ClearAll removes every auth cookie.
func ClearAll(w http.ResponseWriter) {
	Clear(w, AccessToken, "/")
	Clear(w, RefreshToken, RefreshPath)
	Clear(w, CSRF, "/")
	log.LogTraceWithFields("cookie", "Auth cookies cleared", nil)
}

// Get retrieves a cookie value from the request
func Get(r *http.Request, name string) (string, error) {
	c, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	return c.Value, nil
}
