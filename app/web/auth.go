package web

import (
	"net/http"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/crypto/bcrypt"
)

// authMiddleware protects the dashboard with basic auth. The password is
// validated against the configured bcrypt hash, user name is ignored.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, password, ok := r.BasicAuth()
		if !ok {
			s.unauthorized(w)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(password)); err != nil {
			log.Printf("[WARN] failed auth attempt from %s", r.RemoteAddr)
			s.unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="trainwatch"`)
	s.renderError(w, http.StatusUnauthorized, "authentication required")
}
