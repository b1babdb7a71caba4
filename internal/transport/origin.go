package transport

import (
	"net/http"
	"net/url"
	"strings"
)

// originChecker builds the upgrader's origin policy. Requests without an
// Origin header come from non-browser clients and are always accepted.
func originChecker(allowed string) func(r *http.Request) bool {
	allowed = strings.TrimRight(strings.TrimSpace(allowed), "/")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed == "*" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		if allowed == "" {
			return strings.EqualFold(u.Host, r.Host)
		}
		return strings.EqualFold(u.Scheme+"://"+u.Host, allowed)
	}
}
