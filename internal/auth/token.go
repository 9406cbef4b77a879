// Package auth mints and verifies device bearer tokens. Tokens are
// stateless JWTs signed with HS256 over a server secret; the client treats
// them as opaque.
package auth

import (
	"errors"
	"fmt"
	"time"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/bundlenudge/bundlenudge/internal/bnerrors"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	claimDeviceID = "deviceId"
	claimAppID    = "appId"
	claimBundleID = "bundleId"
	claimPlatform = "platform"
)

// DeviceClaims is the verified content of a device token.
type DeviceClaims struct {
	DeviceID string
	AppID    string
	BundleID string
	Platform api.Platform
	IssuedAt time.Time
	Expiry   time.Time
}

type TokenSigner struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenSigner(secret []byte, ttl time.Duration) (*TokenSigner, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token signing secret must not be empty")
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &TokenSigner{secret: secret, ttl: ttl}, nil
}

// Sign mints a device token. ExpiresAt of the result is what the register
// endpoint returns to the device.
func (s *TokenSigner) Sign(deviceID, appID, bundleID string, platform api.Platform) (string, time.Time, error) {
	now := time.Now().UTC()
	expires := now.Add(s.ttl)

	token := jwt.New()
	for _, claim := range []struct {
		key   string
		value any
	}{
		{claimDeviceID, deviceID},
		{claimAppID, appID},
		{claimBundleID, bundleID},
		{claimPlatform, string(platform)},
		{jwt.IssuedAtKey, now.Unix()},
		{jwt.ExpirationKey, expires.Unix()},
	} {
		if err := token.Set(claim.key, claim.value); err != nil {
			return "", time.Time{}, fmt.Errorf("failed to set claim %s: %w", claim.key, err)
		}
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), expires, nil
}

// Verify checks the signature and expiry and returns the claims. An
// unknown or bad signature yields ErrInvalidToken; a valid but expired
// token yields ErrTokenExpired so the client knows to re-register.
func (s *TokenSigner) Verify(raw string) (*DeviceClaims, error) {
	token, err := jwt.Parse([]byte(raw), jwt.WithKey(jwa.HS256, s.secret), jwt.WithValidate(false))
	if err != nil {
		return nil, bnerrors.ErrInvalidToken
	}
	if err := jwt.Validate(token); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, bnerrors.ErrTokenExpired
		}
		return nil, bnerrors.ErrInvalidToken
	}

	claims := &DeviceClaims{
		IssuedAt: token.IssuedAt(),
		Expiry:   token.Expiration(),
	}
	if v, ok := token.Get(claimDeviceID); ok {
		claims.DeviceID, _ = v.(string)
	}
	if v, ok := token.Get(claimAppID); ok {
		claims.AppID, _ = v.(string)
	}
	if v, ok := token.Get(claimBundleID); ok {
		claims.BundleID, _ = v.(string)
	}
	if v, ok := token.Get(claimPlatform); ok {
		p, _ := v.(string)
		claims.Platform = api.Platform(p)
	}
	if claims.DeviceID == "" || claims.AppID == "" {
		return nil, bnerrors.ErrInvalidToken
	}
	return claims, nil
}
