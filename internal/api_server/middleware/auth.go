package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bundlenudge/bundlenudge/internal/auth"
	"github.com/bundlenudge/bundlenudge/internal/bnerrors"
)

type claimsCtxKey struct{}

// TokenVerifier validates the bearer token when one is present. Requests
// without a token pass through as anonymous; a token that fails
// verification is rejected here, so unverified tokens never reach the
// handlers or the authenticated rate budget.
func TokenVerifier(verify func(string) (*auth.DeviceClaims, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := verify(token)
			if err != nil {
				message, reason := "invalid device token", "InvalidToken"
				if errors.Is(err, bnerrors.ErrTokenExpired) {
					message, reason = "device token expired", "TokenExpired"
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"code":    http.StatusUnauthorized,
					"message": message,
					"reason":  reason,
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsCtxKey{}, claims)))
		})
	}
}

// VerifiedClaims returns the device claims established by TokenVerifier,
// or nil for anonymous requests.
func VerifiedClaims(r *http.Request) *auth.DeviceClaims {
	claims, _ := r.Context().Value(claimsCtxKey{}).(*auth.DeviceClaims)
	return claims
}
