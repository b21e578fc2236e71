package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// tokenHeader is the primary API credential header; Authorization: Bearer is
// accepted as an alias.
const tokenHeader = "X-API-Token"

// extractToken pulls the API token from the request, preferring X-API-Token.
func extractToken(r *http.Request) string {
	if tok := r.Header.Get(tokenHeader); tok != "" {
		return tok
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// tokenAuthorized compares the presented token against every configured
// token in constant time. All candidates are always checked so the response
// time does not reveal which token matched.
func tokenAuthorized(presented string, authorized []string) bool {
	if presented == "" {
		return false
	}
	ok := false
	for _, want := range authorized {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(want)) == 1 {
			ok = true
		}
	}
	return ok
}

// RequireToken rejects requests without a valid API token. The token value
// itself is never logged; failures log only the masked prefix.
func (s *Server) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := extractToken(r)
		if !tokenAuthorized(tok, s.AuthorizedTokens) {
			LoggerFromContext(r.Context()).Warn("rejected request: invalid api token",
				"path", r.URL.Path, "token", maskToken(tok))
			errorJSON(w, "invalid or missing API token", "UNAUTHENTICATED", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin enforces HTTP Basic auth against the configured bcrypt
// hashes. bcrypt comparison is constant-time by construction; an unknown
// user burns a comparison against a dummy hash so the timing is uniform.
func (s *Server) RequireAdmin(next http.Handler) http.Handler {
	// Hash of an unguessable random value, used only to equalize timing.
	dummyHash := []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if ok {
			hash, known := s.AdminUsers[user]
			if !known {
				bcrypt.CompareHashAndPassword(dummyHash, []byte(pass))
			} else if bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		LoggerFromContext(r.Context()).Warn("rejected admin request", "path", r.URL.Path)
		w.Header().Set("WWW-Authenticate", `Basic realm="manager admin"`)
		errorJSON(w, "admin credentials required", "UNAUTHENTICATED", http.StatusUnauthorized)
	})
}

// maskToken renders a token safe for logs: first and last two characters of
// sufficiently long tokens, otherwise a fixed placeholder.
func maskToken(tok string) string {
	if len(tok) < 8 {
		if tok == "" {
			return "(none)"
		}
		return "****"
	}
	return tok[:2] + "..." + tok[len(tok)-2:]
}
