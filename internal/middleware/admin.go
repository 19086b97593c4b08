package middleware

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/haven-app/usage_layer/pkg/logger"
)

// AdminAuth guards administrative routes with a static token checked
// against a bcrypt hash, so the plaintext never lives in configuration.
type AdminAuth struct {
	tokenHash []byte
	log       *logger.Logger
}

// NewAdminAuth creates the admin guard. An empty hash denies everything.
func NewAdminAuth(tokenHash string, log *logger.Logger) *AdminAuth {
	if log == nil {
		log = logger.NewDefault("admin-auth")
	}
	return &AdminAuth{tokenHash: []byte(tokenHash), log: log}
}

// Handler returns the middleware handler. The token travels in the
// X-Admin-Token header.
func (a *AdminAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if len(a.tokenHash) == 0 || token == "" {
			writeAuthError(w, http.StatusForbidden, "admin access denied")
			return
		}
		if err := bcrypt.CompareHashAndPassword(a.tokenHash, []byte(token)); err != nil {
			a.log.WithField("path", r.URL.Path).Warn("admin token rejected")
			writeAuthError(w, http.StatusForbidden, "admin access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}
