/**
 * @description
 * This file contains custom middleware for the HTTP router. The session
 * middleware resolves the bearer token to an authenticated user and stores the
 * user context on the request for downstream handlers.
 *
 * @dependencies
 * - context, net/http, strings: Standard Go libraries.
 * - internal/app, internal/domain: Session verification and the user context.
 */

package api

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/domain"
)

// userContextKey is a custom type for the context key to avoid collisions.
type userContextKey string

const sessionUserKey userContextKey = "sessionUser"

// SessionVerifier resolves a bearer token to an authenticated user.
type SessionVerifier interface {
	VerifySession(ctx context.Context, token string) (*domain.UserContext, error)
}

// SessionAuthMiddleware validates the bearer session token on every request
// in the group. Missing, malformed, expired and orphaned tokens all produce
// the same 401.
func SessionAuthMiddleware(sessions SessionVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == authHeader || token == "" {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			user, err := sessions.VerifySession(r.Context(), token)
			if err != nil {
				log.Printf("level=warn component=api msg=\"session rejected\" path=%s err=%v", r.URL.Path, err)
				http.Error(w, "Invalid or expired session", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), sessionUserKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSessionUser retrieves the authenticated user from the request context.
func GetSessionUser(ctx context.Context) (*domain.UserContext, bool) {
	user, ok := ctx.Value(sessionUserKey).(*domain.UserContext)
	return user, ok
}
