package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/nppfnppf20/markup/handlers/auth"
)

type contextKey string

const ClaimsContextKey = contextKey("claims")

// ClaimsFromContext returns the claims attached by Identity.
func ClaimsFromContext(ctx context.Context) (*auth.AppClaims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*auth.AppClaims)
	return claims, ok && claims != nil
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, map[string]string{"error": msg})
}

// bearerToken returns the token of an Authorization header, or "" when the
// header is absent. The second result describes a malformed header.
func bearerToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ""
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", "Authorization header format must be Bearer {token}"
	}
	return parts[1], ""
}

// Identity attaches claims when a bearer token is present and lets anonymous
// requests through. A token that does not verify is still rejected.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, problem := bearerToken(r)
		if problem != "" {
			unauthorized(w, r, problem)
			return
		}
		if tokenString == "" || !auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := auth.ParseJWT(tokenString)
		if err != nil {
			unauthorized(w, r, "Invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
