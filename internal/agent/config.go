package agent

import "time"

type InstallMode string

const (
	// InstallModeOnNextRestart applies a downloaded bundle on the next app
	// launch.
	InstallModeOnNextRestart InstallMode = "on_next_restart"
	// InstallModeImmediate restarts the app right after download.
	InstallModeImmediate InstallMode = "immediate"
)

// PreloadConfig gates background downloads on device conditions. The gates
// are evaluated once at the start of preload.
type PreloadConfig struct {
	WifiOnly            bool
	MinBatteryPercent   int
	RespectLowPowerMode bool
}

type Config struct {
	AppID     string
	ServerURL string
	// Channel the device checks against; empty means the app's default.
	Channel string
	// AutoCheck performs an update check in the background after Init.
	AutoCheck   bool
	InstallMode InstallMode
	// VerificationWindow is the grace period after an install during which
	// a crash triggers rollback.
	VerificationWindow time.Duration
	Preload            PreloadConfig

	RequestTimeout  time.Duration
	DownloadTimeout time.Duration
}

func NewDefault() *Config {
	return &Config{
		InstallMode:        InstallModeOnNextRestart,
		VerificationWindow: 60 * time.Second,
		Preload: PreloadConfig{
			WifiOnly:            true,
			MinBatteryPercent:   20,
			RespectLowPowerMode: true,
		},
	}
}

// Callbacks are observation hooks invoked from the agent's own execution
// context; they may fire zero or more times and must not call back into
// the agent.
type Callbacks struct {
	OnError                func(error)
	OnValidationFailed     func(version string)
	OnNativeUpdateDetected func()
	OnDownloadProgress     func(received, total int64)
}
