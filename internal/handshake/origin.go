package handshake

import (
	"net/url"
	"strings"
)

// OriginOf returns the origin (scheme://host[:port]) of referrer, or the
// origin of fallback when referrer is empty or not an absolute URL.
func OriginOf(referrer, fallback string) string {
	if origin := origin(referrer); origin != "" {
		return origin
	}
	return origin(fallback)
}

func origin(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
