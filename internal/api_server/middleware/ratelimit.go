package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimitOptions configures the device-endpoint rate limiters.
type RateLimitOptions struct {
	// Requests per window for clients presenting a bearer token, keyed by
	// the token.
	AuthenticatedRequests int
	// Requests per window for anonymous clients, keyed by IP.
	AnonymousRequests int
	Window            time.Duration
	Message           string
}

// getClientIPFromRequest extracts the client IP from the request's
// RemoteAddr, falling back to the full RemoteAddr if parsing fails.
func getClientIPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func limitHandler(window time.Duration, message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
		w.WriteHeader(http.StatusTooManyRequests)
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"code":    http.StatusTooManyRequests,
			"message": message,
			"reason":  "TooManyRequests",
		}); err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	}
}

// IPRateLimiter creates an IP-based rate limiter.
func IPRateLimiter(requests int, window time.Duration, message string) func(http.Handler) http.Handler {
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return getClientIPFromRequest(r), nil
		}),
		httprate.WithLimitHandler(limitHandler(window, message)),
	)
}

// DeviceRateLimiter rate-limits device endpoints. Clients whose bearer
// token survived TokenVerifier are keyed by the token with the
// authenticated budget; everyone else shares the stricter per-IP budget.
func DeviceRateLimiter(opts RateLimitOptions) func(http.Handler) http.Handler {
	authenticated := httprate.Limit(
		opts.AuthenticatedRequests,
		opts.Window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return "token:" + bearerToken(r), nil
		}),
		httprate.WithLimitHandler(limitHandler(opts.Window, opts.Message)),
	)
	anonymous := IPRateLimiter(opts.AnonymousRequests, opts.Window, opts.Message)

	return func(next http.Handler) http.Handler {
		authNext := authenticated(next)
		anonNext := anonymous(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// only a verified token unlocks the larger budget
			if VerifiedClaims(r) != nil {
				authNext.ServeHTTP(w, r)
				return
			}
			anonNext.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
