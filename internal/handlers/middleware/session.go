package middleware

import (
	"net/http"

	"github.com/nkiryanov/bitguard/internal/handlers/render"
	"github.com/nkiryanov/bitguard/internal/models"
	"github.com/nkiryanov/bitguard/internal/session"
)

type sessionSource interface {
	Snapshot() models.Session
}

// InjectSession makes session manager available to handlers through request context
func InjectSession(m *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(session.NewContext(r.Context(), m)))
		})
	}
}

// RequireSession rejects requests until session is authenticated.
// Handlers read the user from the manager snapshot
func RequireSession(source sessionSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !source.Snapshot().IsAuthenticated() {
				render.ServiceError(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
