package auth

import (
	"net/http"
	"strings"
)

// Middleware enforces `Authorization: Bearer <token>` on every request and
// stores the validated claims in the request context.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, "missing Authorization header")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			unauthorized(w, "invalid Authorization format, expected: Bearer <token>")
			return
		}

		claims, err := v.Validate(r.Context(), tokenString)
		if err != nil {
			unauthorized(w, "unauthorized: "+err.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

// GetClaims returns the claims attached to an authenticated request, or nil.
func GetClaims(r *http.Request) *Claims {
	return ClaimsFromContext(r.Context())
}

func unauthorized(w http.ResponseWriter, message string) {
	http.Error(w, `{"error":"`+message+`"}`, http.StatusUnauthorized)
}
