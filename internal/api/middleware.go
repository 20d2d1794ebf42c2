package api

import (
	"context"
	"net/http"
	"strings"

	"parley/internal/auth"
)

type contextKey string

const userContextKey contextKey = "userID"

// RequireAuth resolves the bearer credential to a user ID and stores it on the
// request context. The messaging core trusts the resolved principal; token
// issuance lives upstream.
func RequireAuth(verifier auth.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := strings.TrimSpace(r.Header.Get("Authorization"))
			const prefix = "Bearer "
			if h == "" || !strings.HasPrefix(h, prefix) {
				jsonError(w, http.StatusUnauthorized, "missing bearer credential")
				return
			}

			userID, err := verifier.Verify(r.Context(), strings.TrimSpace(h[len(prefix):]))
			if err != nil {
				jsonError(w, http.StatusUnauthorized, "invalid credential")
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID returns the authenticated principal from the request context.
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userContextKey).(string)
	return v
}
