// Package agent is the on-device controller: it owns the persisted
// metadata, bundle files, crash detection, and health monitoring. It is an
// explicit handle constructed at startup and passed down, never a global.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/bundlenudge/bundlenudge/internal/agent/client"
	"github.com/bundlenudge/bundlenudge/internal/agent/device"
	"github.com/bundlenudge/bundlenudge/internal/agent/device/health"
	"github.com/bundlenudge/bundlenudge/internal/bnerrors"
	"github.com/sirupsen/logrus"
)

type Agent struct {
	cfg       *Config
	bridge    device.PlatformBridge
	meta      *device.MetadataStore
	bundles   *device.Bundles
	client    *client.Client
	monitor   *health.Monitor
	callbacks Callbacks
	log       logrus.FieldLogger

	mu          sync.Mutex
	initialized bool
	verifyTimer *time.Timer
}

func New(cfg *Config, bridge device.PlatformBridge, kv device.KeyValue, bundleRoot string, callbacks Callbacks, log logrus.FieldLogger) *Agent {
	if cfg.VerificationWindow <= 0 {
		cfg.VerificationWindow = 60 * time.Second
	}
	httpClient := client.New(client.Config{
		ServerURL:       cfg.ServerURL,
		RequestTimeout:  cfg.RequestTimeout,
		DownloadTimeout: cfg.DownloadTimeout,
	}, log)
	return &Agent{
		cfg:       cfg,
		bridge:    bridge,
		meta:      device.NewMetadataStore(kv),
		bundles:   device.NewBundles(bundleRoot),
		client:    httpClient,
		monitor:   health.NewMonitor(httpClient, log),
		callbacks: callbacks,
		log:       log,
	}
}

// Init runs the startup sequence: load metadata, detect native updates,
// recover from crashes, apply a pending bundle, validate the current
// bundle, arm the verification window, and register. Idempotent on
// repeated calls.
func (a *Agent) Init(ctx context.Context) error {
	a.mu.Lock()
	if a.initialized {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	m, err := a.meta.Load()
	if err != nil {
		// a write failure during reset leaves the agent unusable
		return fmt.Errorf("loading metadata: %w", err)
	}

	nativeReset, err := a.checkNativeUpdate(m)
	if err != nil {
		return err
	}

	if !nativeReset {
		if rolledBack, err := a.recoverFromCrash(); err != nil {
			return err
		} else if !rolledBack {
			if err := a.applyPending(); err != nil {
				return err
			}
		}
		a.validateCurrentBundle()
	}

	if m = a.meta.Get(); m.PreviousVersion != "" {
		a.startVerificationWindow()
	}

	a.register(ctx)

	a.mu.Lock()
	a.initialized = true
	a.mu.Unlock()

	if a.cfg.AutoCheck {
		go a.autoCheck()
	}
	return nil
}

// checkNativeUpdate clears all OTA state when the native app version or
// build changed, since bundles built against the old binary may not load.
func (a *Agent) checkNativeUpdate(m device.Metadata) (bool, error) {
	version, build := a.bridge.AppVersion()
	if m.AppVersionInfo != nil &&
		m.AppVersionInfo.AppVersion == version &&
		m.AppVersionInfo.BuildNumber == build {
		return false, nil
	}

	for v := range m.BundleHashes {
		if err := a.bundles.Remove(v); err != nil {
			a.log.WithError(err).Debugf("removing bundle %s", v)
		}
	}
	err := a.meta.Update(func(m *device.Metadata) {
		m.CurrentVersion = ""
		m.CurrentVersionHash = ""
		m.PreviousVersion = ""
		m.PendingVersion = ""
		m.PendingUpdateFlag = false
		m.CrashCount = 0
		m.BundleHashes = map[string]string{}
		m.Verification = device.VerificationState{}
		m.AppVersionInfo = &device.VersionInfo{
			AppVersion:  version,
			BuildNumber: build,
			RecordedAt:  time.Now().UTC(),
		}
	})
	if err != nil {
		return false, err
	}
	if a.callbacks.OnNativeUpdateDetected != nil {
		a.callbacks.OnNativeUpdateDetected()
	}
	return true, nil
}

// recoverFromCrash detects that the prior launch died inside the
// verification window and rolls back to the previous bundle.
func (a *Agent) recoverFromCrash() (bool, error) {
	m := a.meta.Get()
	if m.PreviousVersion == "" || m.CrashCount == 0 {
		return false, nil
	}

	bad := m.CurrentVersion
	err := a.meta.Update(func(m *device.Metadata) {
		now := time.Now().UTC()
		m.LastCrashTime = &now
		m.CurrentVersion = m.PreviousVersion
		m.CurrentVersionHash = m.BundleHashes[m.PreviousVersion]
		m.PreviousVersion = ""
		m.PendingVersion = ""
		m.PendingUpdateFlag = false
		m.CrashCount = 0
		m.Verification = device.VerificationState{}
	})
	if err != nil {
		return false, err
	}
	if bad != "" {
		if err := a.bundles.Remove(bad); err != nil {
			a.log.WithError(err).Debugf("removing bundle %s", bad)
		}
	}
	a.log.Warnf("crash detected on bundle %s, rolled back", bad)
	go a.sendTelemetry(api.TelemetryEvent{
		Name:       "rollback_crash_detected",
		AppID:      a.cfg.AppID,
		DeviceID:   m.DeviceID,
		Properties: map[string]string{"version": bad},
	})
	return true, nil
}

// applyPending swaps a downloaded bundle in as the current version and arms
// the crash counter for the verification window.
func (a *Agent) applyPending() error {
	m := a.meta.Get()
	if !m.PendingUpdateFlag || m.PendingVersion == "" {
		return nil
	}
	return a.meta.Update(func(m *device.Metadata) {
		if m.CurrentVersion != "" {
			m.PreviousVersion = m.CurrentVersion
		}
		m.CurrentVersion = m.PendingVersion
		m.CurrentVersionHash = m.BundleHashes[m.PendingVersion]
		m.PendingVersion = ""
		m.PendingUpdateFlag = false
		m.CrashCount = 1
		m.Verification = device.VerificationState{}
	})
}

// validateCurrentBundle compares the stored hash against the file on disk
// and falls back to the embedded bundle on mismatch. A bundle with no
// stored hash is accepted.
func (a *Agent) validateCurrentBundle() {
	m := a.meta.Get()
	if m.CurrentVersion == "" {
		return
	}
	expected := m.BundleHashes[m.CurrentVersion]
	if err := a.bundles.Validate(m.CurrentVersion, expected); err != nil {
		bad := m.CurrentVersion
		a.log.WithError(err).Warnf("bundle %s failed validation", bad)
		if err := a.bundles.Remove(bad); err != nil {
			a.log.WithError(err).Debugf("removing bundle %s", bad)
		}
		if err := a.meta.Update(func(m *device.Metadata) {
			delete(m.BundleHashes, bad)
			m.CurrentVersion = ""
			m.CurrentVersionHash = ""
			m.PreviousVersion = ""
			m.CrashCount = 0
		}); err != nil {
			a.reportError(err)
			return
		}
		if a.callbacks.OnValidationFailed != nil {
			a.callbacks.OnValidationFailed(bad)
		}
	}
}

// startVerificationWindow arms the post-install grace period. Expiry
// without NotifyAppReady counts as verified.
func (a *Agent) startVerificationWindow() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.verifyTimer != nil {
		a.verifyTimer.Stop()
	}
	a.verifyTimer = time.AfterFunc(a.cfg.VerificationWindow, a.markVerified)
}

func (a *Agent) markVerified() {
	a.mu.Lock()
	if a.verifyTimer != nil {
		a.verifyTimer.Stop()
		a.verifyTimer = nil
	}
	a.mu.Unlock()

	err := a.meta.Update(func(m *device.Metadata) {
		now := time.Now().UTC()
		m.PreviousVersion = ""
		m.CrashCount = 0
		m.Verification.VerifiedAt = &now
	})
	if err != nil {
		a.reportError(err)
	}
}

func (a *Agent) register(ctx context.Context) {
	m := a.meta.Get()
	if m.AccessToken != "" {
		a.client.SetToken(m.AccessToken)
		return
	}
	resp, err := a.client.Register(ctx, api.RegisterRequest{
		AppID:      a.cfg.AppID,
		DeviceID:   m.DeviceID,
		Platform:   a.bridge.Platform(),
		AppVersion: a.currentAppVersion(),
	})
	if err != nil {
		// the agent still works unauthenticated, at stricter rate limits
		a.reportError(fmt.Errorf("registering device: %w", err))
		return
	}
	a.client.SetToken(resp.AccessToken)
	if err := a.meta.Update(func(m *device.Metadata) {
		m.AccessToken = resp.AccessToken
	}); err != nil {
		a.reportError(err)
	}
}

// CheckForUpdate asks the server whether a newer bundle applies to this
// device. An expired token triggers a one-shot re-register.
func (a *Agent) CheckForUpdate(ctx context.Context) (*api.CheckResponse, error) {
	m := a.meta.Get()
	req := api.CheckRequest{
		AppID:                a.cfg.AppID,
		DeviceID:             m.DeviceID,
		Platform:             a.bridge.Platform(),
		AppVersion:           a.currentAppVersion(),
		OSVersion:            a.bridge.OSVersion(),
		CurrentBundleVersion: m.CurrentVersion,
		CurrentBundleHash:    m.CurrentVersionHash,
		Channel:              a.cfg.Channel,
	}
	resp, err := a.client.Check(ctx, req)
	if errors.Is(err, bnerrors.ErrInvalidToken) {
		if err := a.meta.Update(func(m *device.Metadata) { m.AccessToken = "" }); err != nil {
			return nil, err
		}
		a.client.SetToken("")
		a.register(ctx)
		resp, err = a.client.Check(ctx, req)
	}
	if err != nil {
		a.reportError(err)
		return nil, err
	}
	return resp, nil
}

// Download fetches, verifies, and stages a bundle. The bundle only becomes
// pending after the hash matched and the rename committed; no partial file
// is ever observable.
func (a *Agent) Download(ctx context.Context, info *api.ReleaseInfo) error {
	if info == nil {
		return fmt.Errorf("%w: no release to download", bnerrors.ErrInvalidInput)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(a.client.Download(ctx, info.BundleURL, pw, func(received, total int64) {
			if total <= 0 {
				total = info.BundleSize
			}
			if a.callbacks.OnDownloadProgress != nil {
				a.callbacks.OnDownloadProgress(received, total)
			}
		}))
	}()

	if err := a.bundles.Install(info.Version, pr, info.BundleHash, nil); err != nil {
		a.reportError(err)
		return err
	}

	if err := a.meta.Update(func(m *device.Metadata) {
		m.BundleHashes[info.Version] = info.BundleHash
		m.PendingVersion = info.Version
		m.PendingUpdateFlag = true
	}); err != nil {
		return err
	}

	m := a.meta.Get()
	go a.sendTelemetry(api.TelemetryEvent{
		Name:      "update_downloaded",
		AppID:     a.cfg.AppID,
		DeviceID:  m.DeviceID,
		ReleaseID: info.ReleaseID,
	})

	if a.cfg.InstallMode == InstallModeImmediate {
		a.bridge.RestartApp()
	}
	return nil
}

// NotifyAppReady marks this launch verified: the verification window
// closes and the rollback anchor is cleared.
func (a *Agent) NotifyAppReady() {
	a.markVerified()
	if err := a.meta.Update(func(m *device.Metadata) {
		m.Verification.AppReady = true
	}); err != nil {
		a.reportError(err)
	}
}

// StartHealthMonitoring fetches the app's health config and arms the
// monitor for the given release. An empty config arms nothing.
func (a *Agent) StartHealthMonitoring(ctx context.Context, releaseID string) {
	cfg := a.client.HealthConfig(ctx, a.cfg.AppID)
	m := a.meta.Get()
	a.monitor.Start(cfg, releaseID, m.DeviceID, a.currentAppVersion(), a.bridge.OSVersion())
}

// ReportHealthEvent records a named checkpoint firing in the host app.
func (a *Agent) ReportHealthEvent(name string) {
	a.monitor.ReportEvent(name)
}

// Preload checks and downloads in the background, gated on device
// conditions evaluated once at the start. A failed gate is a no-op with a
// reason.
func (a *Agent) Preload(ctx context.Context) (skipped string, err error) {
	cond := a.bridge.Conditions()
	switch {
	case a.cfg.Preload.WifiOnly && !cond.WiFi:
		return "not on Wi-Fi", nil
	case cond.BatteryPercent < a.cfg.Preload.MinBatteryPercent:
		return fmt.Sprintf("battery below %d%%", a.cfg.Preload.MinBatteryPercent), nil
	case a.cfg.Preload.RespectLowPowerMode && cond.LowPowerMode:
		return "low-power mode", nil
	}

	resp, err := a.CheckForUpdate(ctx)
	if err != nil {
		return "", err
	}
	if !resp.UpdateAvailable {
		return "", nil
	}
	return "", a.Download(ctx, resp.Release)
}

// Metadata returns the last persisted snapshot for the host's accessors.
func (a *Agent) Metadata() device.Metadata {
	return a.meta.Get()
}

func (a *Agent) currentAppVersion() string {
	version, _ := a.bridge.AppVersion()
	return version
}

func (a *Agent) autoCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	resp, err := a.CheckForUpdate(ctx)
	if err != nil || !resp.UpdateAvailable {
		return
	}
	if err := a.Download(ctx, resp.Release); err != nil {
		a.log.WithError(err).Debug("background download failed")
	}
}

func (a *Agent) sendTelemetry(event api.TelemetryEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.client.Telemetry(ctx, event)
}

func (a *Agent) reportError(err error) {
	a.log.WithError(err).Debug("agent error")
	if a.callbacks.OnError != nil {
		a.callbacks.OnError(err)
	}
}
