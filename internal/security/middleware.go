// Package security guards the API and admin listeners.
package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/arencloud/nservers/internal/config"
)

// AuthMiddleware checks Bearer tokens, or Basic credentials when no token is configured.
// /healthz is always let through so load balancers can probe without credentials.
func AuthMiddleware(a *config.Auth, realm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a == nil || (a.Basic == nil && len(nonEmpty(a.BearerTokens)) == 0) {
			return next
		}
		tokens := nonEmpty(a.BearerTokens)
		challenge := `Basic realm="` + realm + `"`
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			if len(tokens) > 0 {
				got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
				if !ok || !anyTokenMatches(tokens, got) {
					w.Header().Set("WWW-Authenticate", `Bearer realm="`+realm+`"`)
					unauth(w)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(a.Basic.Username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(pass), []byte(a.Basic.Password)) != 1 {
				w.Header().Set("WWW-Authenticate", challenge)
				unauth(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// anyTokenMatches compares against every token so timing does not reveal which one matched.
func anyTokenMatches(tokens []string, got string) bool {
	match := 0
	for _, t := range tokens {
		match |= subtle.ConstantTimeCompare([]byte(got), []byte(t))
	}
	return match == 1
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func unauth(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
}
