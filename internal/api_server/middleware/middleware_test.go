package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/bundlenudge/bundlenudge/internal/auth"
	"github.com/bundlenudge/bundlenudge/internal/bnerrors"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// stubVerify accepts tokens prefixed "tok-" and rejects everything else.
func stubVerify(raw string) (*auth.DeviceClaims, error) {
	switch {
	case strings.HasPrefix(raw, "tok-"):
		return &auth.DeviceClaims{DeviceID: "device-1", AppID: "app-1"}, nil
	case raw == "expired":
		return nil, bnerrors.ErrTokenExpired
	default:
		return nil, bnerrors.ErrInvalidToken
	}
}

func TestRequestSizeLimiter(t *testing.T) {
	require := require.New(t)
	handler := RequestSizeLimiter(32, 4)(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/updates/check", nil))
	require.Equal(http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+strings.Repeat("x", 100), nil))
	require.Equal(http.StatusRequestURITooLong, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for i := 0; i < 10; i++ {
		req.Header.Set("X-Header-"+strings.Repeat("a", i+1), "v")
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(http.StatusRequestHeaderFieldsTooLarge, rec.Code)
}

func TestRequestID(t *testing.T) {
	require := require.New(t)
	handler := RequestID(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(rec.Header().Get(chimw.RequestIDHeader))

	// a caller-provided id is echoed back
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(chimw.RequestIDHeader, "req-42")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal("req-42", rec.Header().Get(chimw.RequestIDHeader))
}

func TestSecurityHeaders(t *testing.T) {
	require := require.New(t)
	handler := SecurityHeaders(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal("nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal("DENY", rec.Header().Get("X-Frame-Options"))
	require.Equal("no-store", rec.Header().Get("Cache-Control"))
}

func TestTokenVerifier(t *testing.T) {
	var gotClaims *auth.DeviceClaims
	handler := TokenVerifier(stubVerify)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = VerifiedClaims(r)
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		authHeader string
		wantCode   int
		wantReason string
		wantClaims bool
	}{
		{"no token", "", http.StatusOK, "", false},
		{"valid token", "Bearer tok-1", http.StatusOK, "", true},
		{"garbage token", "Bearer garbage", http.StatusUnauthorized, "InvalidToken", false},
		{"expired token", "Bearer expired", http.StatusUnauthorized, "TokenExpired", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			gotClaims = nil

			req := httptest.NewRequest(http.MethodPost, "/v1/updates/check", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(tt.wantCode, rec.Code)
			require.Equal(tt.wantClaims, gotClaims != nil)
			if tt.wantReason != "" {
				var body map[string]any
				require.NoError(json.NewDecoder(rec.Body).Decode(&body))
				require.Equal(tt.wantReason, body["reason"])
			}
		})
	}
}

func TestTokenVerifierWithSigner(t *testing.T) {
	require := require.New(t)
	signer, err := auth.NewTokenSigner([]byte("test-secret"), time.Hour)
	require.NoError(err)
	token, _, err := signer.Sign("device-1", "app-1", "com.example.app", api.PlatformIOS)
	require.NoError(err)

	var gotDevice string
	handler := TokenVerifier(signer.Verify)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDevice = VerifiedClaims(r).DeviceID
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/updates/check", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(http.StatusOK, rec.Code)
	require.Equal("device-1", gotDevice)

	// a signature from another secret is rejected
	other, err := auth.NewTokenSigner([]byte("other-secret"), time.Hour)
	require.NoError(err)
	forged, _, err := other.Sign("device-1", "app-1", "com.example.app", api.PlatformIOS)
	require.NoError(err)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(http.StatusUnauthorized, rec.Code)
}

func TestDeviceRateLimiterAnonymous(t *testing.T) {
	require := require.New(t)
	handler := DeviceRateLimiter(RateLimitOptions{
		AuthenticatedRequests: 10,
		AnonymousRequests:     2,
		Window:                time.Minute,
		Message:               "slow down",
	})(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/updates/check", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		handler.ServeHTTP(rec, req)
		require.Equal(http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/updates/check", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	handler.ServeHTTP(rec, req)
	require.Equal(http.StatusTooManyRequests, rec.Code)
	require.Equal("60", rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(json.NewDecoder(rec.Body).Decode(&body))
	require.Equal("slow down", body["message"])
	require.Equal("TooManyRequests", body["reason"])

	// a different IP has its own budget
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/updates/check", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	handler.ServeHTTP(rec, req)
	require.Equal(http.StatusOK, rec.Code)
}

func TestDeviceRateLimiterAuthenticatedBudget(t *testing.T) {
	require := require.New(t)
	handler := TokenVerifier(stubVerify)(DeviceRateLimiter(RateLimitOptions{
		AuthenticatedRequests: 5,
		AnonymousRequests:     1,
		Window:                time.Minute,
		Message:               "slow down",
	})(okHandler()))

	// the anonymous budget is exhausted for this IP
	req := httptest.NewRequest(http.MethodPost, "/v1/updates/check", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(http.StatusOK, rec.Code)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(http.StatusTooManyRequests, rec.Code)

	// the same IP with a token draws from the larger per-token budget
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/updates/check", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		req.Header.Set("Authorization", "Bearer tok-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(http.StatusOK, rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/updates/check", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("Authorization", "Bearer tok-1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(http.StatusTooManyRequests, rec.Code)

	// a different token is keyed separately
	req.Header.Set("Authorization", "Bearer tok-2")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(http.StatusOK, rec.Code)
}

func TestDeviceRateLimiterRejectsUnverifiedTokens(t *testing.T) {
	require := require.New(t)
	handler := TokenVerifier(stubVerify)(DeviceRateLimiter(RateLimitOptions{
		AuthenticatedRequests: 100,
		AnonymousRequests:     2,
		Window:                time.Minute,
		Message:               "slow down",
	})(okHandler()))

	// rotating fabricated tokens never reach a handler, let alone the
	// authenticated budget
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/updates/check", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		req.Header.Set("Authorization", fmt.Sprintf("Bearer garbage-%d", i))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(http.StatusUnauthorized, rec.Code)
	}

	// the anonymous per-IP budget still applies as configured
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/updates/check", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(http.StatusOK, rec.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/updates/check", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(http.StatusTooManyRequests, rec.Code)
}
