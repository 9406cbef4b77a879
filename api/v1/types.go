// Package v1 contains the wire types for the bundlenudge control plane and
// device-facing endpoints. All endpoints are JSON over HTTPS, versioned
// under /v1/.
package v1

import "time"

type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// ReleaseStatus is the lifecycle state of a release.
type ReleaseStatus string

const (
	ReleaseStatusPending    ReleaseStatus = "pending"
	ReleaseStatusProcessing ReleaseStatus = "processing"
	ReleaseStatusActive     ReleaseStatus = "active"
	ReleaseStatusSuperseded ReleaseStatus = "superseded"
	ReleaseStatusRolledBack ReleaseStatus = "rolled_back"
	ReleaseStatusRejected   ReleaseStatus = "rejected"
)

// RollbackReason records why a release was reverted.
type RollbackReason string

const (
	RollbackReasonCrashDetected RollbackReason = "crash_detected"
	RollbackReasonHealthTimeout RollbackReason = "health_timeout"
	RollbackReasonManual        RollbackReason = "manual"
	RollbackReasonNativeUpdate  RollbackReason = "native_update"
)

// Constraints restricts which devices a release is served to. An empty
// Platforms set means any platform.
type Constraints struct {
	Platforms     []Platform        `json:"platforms,omitempty"`
	MinAppVersion *string           `json:"minAppVersion,omitempty"`
	MaxAppVersion *string           `json:"maxAppVersion,omitempty"`
	MinOSVersion  *string           `json:"minOsVersion,omitempty"`
	Rules         map[string]string `json:"rules,omitempty"`
}

// RegisterRequest enrolls a device and mints a bearer token.
type RegisterRequest struct {
	AppID      string   `json:"appId"`
	DeviceID   string   `json:"deviceId"`
	Platform   Platform `json:"platform"`
	AppVersion string   `json:"appVersion"`
}

type RegisterResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// CheckRequest is the device fingerprint for update resolution.
type CheckRequest struct {
	AppID                string            `json:"appId"`
	DeviceID             string            `json:"deviceId"`
	Platform             Platform          `json:"platform"`
	AppVersion           string            `json:"appVersion"`
	OSVersion            string            `json:"osVersion,omitempty"`
	CurrentBundleVersion string            `json:"currentBundleVersion,omitempty"`
	CurrentBundleHash    string            `json:"currentBundleHash,omitempty"`
	Channel              string            `json:"channel,omitempty"`
	DeviceInfo           map[string]string `json:"deviceInfo,omitempty"`
}

// ReleaseInfo is the bundle metadata a device needs to download and verify
// an update. BundleHash is the lowercase hex-encoded SHA-256 of the bundle
// bytes; the URL/hash pair is a complete identity.
type ReleaseInfo struct {
	Version      string `json:"version"`
	BundleURL    string `json:"bundleUrl"`
	BundleSize   int64  `json:"bundleSize"`
	BundleHash   string `json:"bundleHash"`
	ReleaseID    string `json:"releaseId"`
	ReleaseNotes string `json:"releaseNotes,omitempty"`
}

type CheckResponse struct {
	UpdateAvailable        bool         `json:"updateAvailable"`
	RequiresAppStoreUpdate bool         `json:"requiresAppStoreUpdate,omitempty"`
	AppStoreMessage        string       `json:"appStoreMessage,omitempty"`
	Release                *ReleaseInfo `json:"release,omitempty"`
}

// HealthEvent is a named checkpoint the host app must fire within the
// verification window.
type HealthEvent struct {
	Name      string `json:"name"`
	Required  bool   `json:"required"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

// HealthEndpoint is an HTTP probe the device performs post-update.
type HealthEndpoint struct {
	Method         string `json:"method"`
	URL            string `json:"url"`
	ExpectedStatus []int  `json:"expectedStatus,omitempty"`
	Required       bool   `json:"required"`
}

// HealthConfig is served per app; the empty config arms no monitor and the
// device never reports.
type HealthConfig struct {
	Events    []HealthEvent    `json:"events"`
	Endpoints []HealthEndpoint `json:"endpoints"`
	WindowMs  int64            `json:"windowMs,omitempty"`
}

// EmptyHealthConfig is the fail-safe default when the config endpoint is
// unreachable or returns garbage.
func EmptyHealthConfig() HealthConfig {
	return HealthConfig{Events: []HealthEvent{}, Endpoints: []HealthEndpoint{}}
}

// FailureReport is the one-shot report a device sends when the verification
// window elapses with missing events.
type FailureReport struct {
	ReleaseID     string   `json:"releaseId"`
	DeviceID      string   `json:"deviceId"`
	MissingEvents []string `json:"missingEvents"`
	AppVersion    string   `json:"appVersion,omitempty"`
	OSVersion     string   `json:"osVersion,omitempty"`
}

type FailureReportResponse struct {
	Received bool `json:"received"`
}

// TelemetryEvent is fire-and-forget; never required for correctness.
type TelemetryEvent struct {
	Name       string            `json:"name"`
	AppID      string            `json:"appId,omitempty"`
	DeviceID   string            `json:"deviceId,omitempty"`
	ReleaseID  string            `json:"releaseId,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	OccurredAt time.Time         `json:"occurredAt,omitempty"`
}

type TelemetryBatch struct {
	Events []TelemetryEvent `json:"events"`
}

// CreateReleaseRequest registers an uploaded bundle as a pending release.
type CreateReleaseRequest struct {
	Version      string       `json:"version"`
	Channel      string       `json:"channel,omitempty"`
	BundleURL    string       `json:"bundleUrl"`
	BundleSize   int64        `json:"bundleSize"`
	BundleHash   string       `json:"bundleHash"`
	Rollout      int          `json:"rolloutPercentage"`
	Constraints  *Constraints `json:"constraints,omitempty"`
	ReleaseNotes string       `json:"releaseNotes,omitempty"`
}

// Release is the control-plane view of a release.
type Release struct {
	ID             string         `json:"id"`
	AppID          string         `json:"appId"`
	ChannelID      *string        `json:"channelId,omitempty"`
	Version        string         `json:"version"`
	BundleURL      string         `json:"bundleUrl"`
	BundleSize     int64          `json:"bundleSize"`
	BundleHash     string         `json:"bundleHash"`
	Rollout        int            `json:"rolloutPercentage"`
	Constraints    *Constraints   `json:"constraints,omitempty"`
	Status         ReleaseStatus  `json:"status"`
	RollbackReason RollbackReason `json:"rollbackReason,omitempty"`
	ReleaseNotes   string         `json:"releaseNotes,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

type RollbackRequest struct {
	Reason string `json:"reason,omitempty"`
}
