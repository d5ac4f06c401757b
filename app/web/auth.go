package web

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// authMiddleware enforces basic auth against the configured bcrypt hash.
// The API is JSON-only, so there is no login form, clients send credentials
// on every request. The username is fixed, only the password matters.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// ping stays open for health checks
		if r.URL.Path == "/ping" {
			next.ServeHTTP(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if ok && username == "booktalk" {
			if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="BookTalk API"`)
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	})
}
