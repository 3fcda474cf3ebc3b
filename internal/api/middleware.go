// Package api implements the gallery REST API using chi.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/crypto/bcrypt"
)

// Auth modes.
const (
	AuthDisabled = "disabled"
	AuthToken    = "token"
	AuthBasic    = "basic"
)

// AuthOptions configure the admin credential gate.
type AuthOptions struct {
	Mode  string
	Token string
	// Username and PasswordHash (bcrypt) are used in basic mode.
	Username     string
	PasswordHash string
}

// AuthMiddleware returns middleware that checks the single admin credential.
// In disabled mode all requests pass through. Token mode expects
// "Authorization: Bearer <token>"; basic mode checks HTTP basic credentials
// against a bcrypt hash.
func AuthMiddleware(opts AuthOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authorized(opts, r) {
				if opts.Mode == AuthBasic {
					w.Header().Set("WWW-Authenticate", `Basic realm="gallery"`)
				}
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authorized(opts AuthOptions, r *http.Request) bool {
	switch opts.Mode {
	case AuthToken:
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			return false
		}
		got := strings.TrimPrefix(auth, "Bearer ")
		return subtle.ConstantTimeCompare([]byte(got), []byte(opts.Token)) == 1
	case AuthBasic:
		user, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(opts.Username)) != 1 {
			return false
		}
		return bcrypt.CompareHashAndPassword([]byte(opts.PasswordHash), []byte(pass)) == nil
	default:
		return true
	}
}

// HashPassword returns the bcrypt hash stored in the basic auth config.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Compress gzips JSON responses for clients that accept it.
func Compress(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}
