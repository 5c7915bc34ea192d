package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth guards the v1 routes with a static bearer token. An empty
// configured token locks the API shut rather than opening it: a server
// that lost its token must not accept "Authorization: Bearer " as valid.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" ||
				subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
