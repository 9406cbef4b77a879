// Package device holds the on-device state the agent owns: the persisted
// metadata snapshot and the bundle files.
package device

import (
	api "github.com/bundlenudge/bundlenudge/api/v1"
)

// Conditions is the device state the preload gates evaluate.
type Conditions struct {
	WiFi           bool
	BatteryPercent int
	LowPowerMode   bool
}

// PlatformBridge is the host platform surface the agent depends on: version
// info, restart, and device conditions. The host supplies an implementation
// per platform.
type PlatformBridge interface {
	// AppVersion returns the native app version and build number.
	AppVersion() (version string, build string)
	OSVersion() string
	Platform() api.Platform
	// RestartApp reloads the host application so a pending bundle takes
	// effect.
	RestartApp()
	Conditions() Conditions
}

// KeyValue is the host's persistent key/value store. Values survive app
// restarts.
type KeyValue interface {
	// Get returns nil with no error for a missing key.
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
}
