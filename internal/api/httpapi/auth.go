// Package httpapi provides the HTTP control API.
package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const (
	// AdminTokenHeader is the header name for admin authentication token.
	AdminTokenHeader = "X-Admin-Token"
)

// RequireToken wraps a handler so that requests must carry the admin token,
// either as a bearer token or in the X-Admin-Token header.
func RequireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(AdminTokenHeader)
		if got == "" {
			if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(v)
			}
		}

		if got == "" || token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="guildbox"`)
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
