package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/bundlenudge/bundlenudge/internal/auth"
	"github.com/bundlenudge/bundlenudge/internal/bundlestore"
	"github.com/bundlenudge/bundlenudge/internal/healthagg"
	"github.com/bundlenudge/bundlenudge/internal/instrumentation/metrics"
	"github.com/bundlenudge/bundlenudge/internal/kvstore"
	"github.com/bundlenudge/bundlenudge/internal/lifecycle"
	"github.com/bundlenudge/bundlenudge/internal/store"
	"github.com/bundlenudge/bundlenudge/internal/store/model"
	"github.com/bundlenudge/bundlenudge/internal/telemetry"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type serviceEnv struct {
	handler *ServiceHandler
	store   store.Store
	bundles bundlestore.Store
	app     *model.App
	channel *model.Channel
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	ctx := context.Background()
	log := logrus.New()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	st := store.NewStore(db, log)
	require.NoError(t, st.InitialMigration())
	t.Cleanup(func() { _ = st.Close() })

	bundles, err := bundlestore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	signer, err := auth.NewTokenSigner([]byte("test-secret"), time.Hour)
	require.NoError(t, err)

	manager := lifecycle.NewManager(st, bundles, log)
	aggregator := healthagg.New(st, kvstore.NewMemoryKVStore(), manager, healthagg.DefaultOptions(), log)
	events := telemetry.NewQueue(128, telemetry.NewLogSink(log), log)

	handler := NewServiceHandler(st, signer, aggregator, manager, events, metrics.New(), time.Millisecond, log)

	app, err := st.App().Create(ctx, &model.App{Platform: "ios"})
	require.NoError(t, err)
	channel, err := st.Channel().Create(ctx, &model.Channel{
		AppID:             app.ID,
		Name:              "production",
		IsDefault:         true,
		RolloutPercentage: 100,
	})
	require.NoError(t, err)

	return &serviceEnv{
		handler: handler,
		store:   st,
		bundles: bundles,
		app:     app,
		channel: channel,
	}
}

// createActiveRelease uploads real bundle bytes, registers them as a
// release, and activates it through the lifecycle.
func (e *serviceEnv) createActiveRelease(t *testing.T, version string, content []byte, constraints *api.Constraints) *api.Release {
	t.Helper()
	release := e.createPendingRelease(t, version, content, constraints)
	activated, status := e.handler.ActivateRelease(context.Background(), release.ID)
	require.EqualValues(t, 200, status.Code, status.Message)
	return activated
}

func (e *serviceEnv) createPendingRelease(t *testing.T, version string, content []byte, constraints *api.Constraints) *api.Release {
	t.Helper()
	ctx := context.Background()

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	url, err := e.bundles.Put(ctx, hash, bytes.NewReader(content))
	require.NoError(t, err)

	release, status := e.handler.CreateRelease(ctx, e.app.ID.String(), api.CreateReleaseRequest{
		Version:     version,
		BundleURL:   url,
		BundleSize:  int64(len(content)),
		BundleHash:  hash,
		Rollout:     100,
		Constraints: constraints,
	})
	require.EqualValues(t, 201, status.Code, status.Message)
	require.Equal(t, api.ReleaseStatusPending, release.Status)
	return release
}

func checkRequest(e *serviceEnv, deviceID string) api.CheckRequest {
	return api.CheckRequest{
		AppID:      e.app.ID.String(),
		DeviceID:   deviceID,
		Platform:   api.PlatformIOS,
		AppVersion: "2.0.0",
		OSVersion:  "17.0",
	}
}

func TestRegisterDevice(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)

	resp, status := env.handler.RegisterDevice(ctx, api.RegisterRequest{
		AppID:      env.app.ID.String(),
		DeviceID:   "device-1",
		Platform:   api.PlatformIOS,
		AppVersion: "2.0.0",
	})
	require.EqualValues(200, status.Code)
	require.NotEmpty(resp.AccessToken)
	require.Greater(resp.ExpiresAt, time.Now().UnixMilli())

	device, err := env.store.Device().Get(ctx, "device-1")
	require.NoError(err)
	require.Equal(env.app.ID, device.AppID)
	require.Equal("2.0.0", device.AppVersion)
}

func TestRegisterDeviceValidation(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)

	tests := []struct {
		name string
		req  api.RegisterRequest
		code int32
	}{
		{
			name: "bad app id",
			req:  api.RegisterRequest{AppID: "nope", DeviceID: "d", Platform: api.PlatformIOS},
			code: 400,
		},
		{
			name: "missing device id",
			req:  api.RegisterRequest{AppID: env.app.ID.String(), Platform: api.PlatformIOS},
			code: 400,
		},
		{
			name: "unknown platform",
			req:  api.RegisterRequest{AppID: env.app.ID.String(), DeviceID: "d", Platform: "windows"},
			code: 400,
		},
		{
			name: "unknown app",
			req:  api.RegisterRequest{AppID: "00000000-0000-0000-0000-000000000001", DeviceID: "d", Platform: api.PlatformIOS},
			code: 404,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, status := env.handler.RegisterDevice(ctx, tt.req)
			require.Equal(t, tt.code, status.Code)
		})
	}
}

func TestCheckForUpdateValidation(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)

	tests := []struct {
		name   string
		mutate func(*api.CheckRequest)
	}{
		{"bad app id", func(r *api.CheckRequest) { r.AppID = "nope" }},
		{"missing device id", func(r *api.CheckRequest) { r.DeviceID = "" }},
		{"bad platform", func(r *api.CheckRequest) { r.Platform = "windows" }},
		{"missing app version", func(r *api.CheckRequest) { r.AppVersion = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := checkRequest(env, "device-1")
			tt.mutate(&req)
			_, status := env.handler.CheckForUpdate(ctx, req)
			require.EqualValues(t, 400, status.Code)
		})
	}
}

func TestCheckForUpdateNoActiveRelease(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)

	resp, status := env.handler.CheckForUpdate(ctx, checkRequest(env, "device-1"))
	require.EqualValues(200, status.Code)
	require.False(resp.UpdateAvailable)
	require.Nil(resp.Release)
}

func TestCheckForUpdateServesActiveRelease(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)
	release := env.createActiveRelease(t, "1.0.0", []byte("bundle v1"), nil)

	resp, status := env.handler.CheckForUpdate(ctx, checkRequest(env, "device-1"))
	require.EqualValues(200, status.Code)
	require.True(resp.UpdateAvailable)
	require.NotNil(resp.Release)
	require.Equal("1.0.0", resp.Release.Version)
	require.Equal(release.BundleHash, resp.Release.BundleHash)
	require.Equal(release.ID, resp.Release.ReleaseID)
}

func TestCheckForUpdateAlreadyCurrent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)
	release := env.createActiveRelease(t, "1.0.0", []byte("bundle v1"), nil)

	// same hash wins over everything else
	req := checkRequest(env, "device-1")
	req.CurrentBundleHash = release.BundleHash
	resp, status := env.handler.CheckForUpdate(ctx, req)
	require.EqualValues(200, status.Code)
	require.False(resp.UpdateAvailable)

	// same version, no hash
	req = checkRequest(env, "device-1")
	req.CurrentBundleVersion = "1.0.0"
	resp, _ = env.handler.CheckForUpdate(ctx, req)
	require.False(resp.UpdateAvailable)
}

func TestCheckForUpdateBelowMinAppVersion(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)
	env.createActiveRelease(t, "1.0.0", []byte("bundle v1"), &api.Constraints{
		MinAppVersion: lo.ToPtr("3.0.0"),
	})

	resp, status := env.handler.CheckForUpdate(ctx, checkRequest(env, "device-1"))
	require.EqualValues(200, status.Code)
	require.False(resp.UpdateAvailable)
	require.True(resp.RequiresAppStoreUpdate)
	require.NotEmpty(resp.AppStoreMessage)
}

func TestCheckForUpdatePlatformExcluded(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)
	env.createActiveRelease(t, "1.0.0", []byte("bundle v1"), &api.Constraints{
		Platforms: []api.Platform{api.PlatformAndroid},
	})

	resp, status := env.handler.CheckForUpdate(ctx, checkRequest(env, "device-1"))
	require.EqualValues(200, status.Code)
	require.False(resp.UpdateAvailable)
	require.False(resp.RequiresAppStoreUpdate)
}

func TestCheckForUpdatePlatformExcludedWithOldAppVersion(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)
	env.createActiveRelease(t, "1.0.0", []byte("bundle v1"), &api.Constraints{
		Platforms:     []api.Platform{api.PlatformAndroid},
		MinAppVersion: lo.ToPtr("3.0.0"),
	})

	// the platform rule fails first, so a store update would not help
	resp, status := env.handler.CheckForUpdate(ctx, checkRequest(env, "device-1"))
	require.EqualValues(200, status.Code)
	require.False(resp.UpdateAvailable)
	require.False(resp.RequiresAppStoreUpdate)
}

func TestCheckForUpdateUnknownChannel(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)

	req := checkRequest(env, "device-1")
	req.Channel = "nightly"
	_, status := env.handler.CheckForUpdate(ctx, req)
	require.EqualValues(404, status.Code)
}

func TestCheckForUpdateRolloutStability(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)

	content := []byte("bundle v1")
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	url, err := env.bundles.Put(ctx, hash, bytes.NewReader(content))
	require.NoError(err)

	release, status := env.handler.CreateRelease(ctx, env.app.ID.String(), api.CreateReleaseRequest{
		Version:    "1.0.0",
		BundleURL:  url,
		BundleSize: int64(len(content)),
		BundleHash: hash,
		Rollout:    50,
	})
	require.EqualValues(201, status.Code)
	_, status = env.handler.ActivateRelease(ctx, release.ID)
	require.EqualValues(200, status.Code)

	included := 0
	for i := 0; i < 40; i++ {
		deviceID := fmt.Sprintf("device-%d", i)
		first, _ := env.handler.CheckForUpdate(ctx, checkRequest(env, deviceID))
		second, _ := env.handler.CheckForUpdate(ctx, checkRequest(env, deviceID))
		require.Equal(first.UpdateAvailable, second.UpdateAvailable, "device %s flapped", deviceID)
		if first.UpdateAvailable {
			included++
		}
	}
	// a 50% rollout over 40 devices lands well away from both extremes
	require.Greater(included, 5)
	require.Less(included, 35)
}

func TestCreateReleaseValidation(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)

	valid := api.CreateReleaseRequest{
		Version:    "1.0.0",
		BundleURL:  "local://abc",
		BundleSize: 10,
		BundleHash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Rollout:    100,
	}

	tests := []struct {
		name   string
		mutate func(*api.CreateReleaseRequest)
	}{
		{"missing version", func(r *api.CreateReleaseRequest) { r.Version = "" }},
		{"missing bundle url", func(r *api.CreateReleaseRequest) { r.BundleURL = "" }},
		{"zero size", func(r *api.CreateReleaseRequest) { r.BundleSize = 0 }},
		{"short hash", func(r *api.CreateReleaseRequest) { r.BundleHash = "abc" }},
		{"uppercase hash", func(r *api.CreateReleaseRequest) {
			r.BundleHash = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
		}},
		{"rollout above 100", func(r *api.CreateReleaseRequest) { r.Rollout = 101 }},
		{"negative rollout", func(r *api.CreateReleaseRequest) { r.Rollout = -1 }},
		{"bad min app version", func(r *api.CreateReleaseRequest) {
			r.Constraints = &api.Constraints{MinAppVersion: lo.ToPtr("not-a-version")}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, status := env.handler.CreateRelease(ctx, env.app.ID.String(), req)
			require.EqualValues(t, 400, status.Code)
		})
	}
}

func TestCreateReleaseUnknownChannel(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)

	_, status := env.handler.CreateRelease(ctx, env.app.ID.String(), api.CreateReleaseRequest{
		Version:    "1.0.0",
		Channel:    "nightly",
		BundleURL:  "local://abc",
		BundleSize: 10,
		BundleHash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	})
	require.EqualValues(404, status.Code)
}

func TestActivateReleaseRejectsCorruptBundle(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)

	content := []byte("bundle v1")
	url, err := env.bundles.Put(ctx, "deadbeef", bytes.NewReader(content))
	require.NoError(err)

	release, status := env.handler.CreateRelease(ctx, env.app.ID.String(), api.CreateReleaseRequest{
		Version:    "1.0.0",
		BundleURL:  url,
		BundleSize: int64(len(content)),
		BundleHash: "1111111111111111111111111111111111111111111111111111111111111111",
	})
	require.EqualValues(201, status.Code)

	_, status = env.handler.ActivateRelease(ctx, release.ID)
	require.EqualValues(400, status.Code)

	got, status := env.handler.GetRelease(ctx, release.ID)
	require.EqualValues(200, status.Code)
	require.Equal(api.ReleaseStatusRejected, got.Status)
}

func TestRollbackRelease(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)

	r1 := env.createActiveRelease(t, "1.0.0", []byte("bundle v1"), nil)
	r2 := env.createActiveRelease(t, "1.1.0", []byte("bundle v2"), nil)

	rolled, status := env.handler.RollbackRelease(ctx, r2.ID, api.RollbackRequest{})
	require.EqualValues(200, status.Code)
	require.Equal(api.ReleaseStatusRolledBack, rolled.Status)
	require.Equal(api.RollbackReasonManual, rolled.RollbackReason)

	// the channel serves the promoted predecessor again
	resp, status := env.handler.CheckForUpdate(ctx, checkRequest(env, "device-1"))
	require.EqualValues(200, status.Code)
	require.True(resp.UpdateAvailable)
	require.Equal(r1.ID, resp.Release.ReleaseID)
}

func TestCheckForUpdateRolledBackVersionStays(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)

	r1 := env.createActiveRelease(t, "1.0.0", []byte("bundle v1"), nil)
	r2 := env.createActiveRelease(t, "2.0.0", []byte("bundle v2"), nil)
	_, status := env.handler.RollbackRelease(ctx, r2.ID, api.RollbackRequest{})
	require.EqualValues(200, status.Code)

	// a device still on the rolled-back bundle recovers locally, so the
	// promoted predecessor is not offered to it
	req := checkRequest(env, "device-1")
	req.CurrentBundleVersion = "2.0.0"
	req.CurrentBundleHash = r2.BundleHash
	resp, status := env.handler.CheckForUpdate(ctx, req)
	require.EqualValues(200, status.Code)
	require.False(resp.UpdateAvailable)

	// same without a hash in the request
	req = checkRequest(env, "device-1")
	req.CurrentBundleVersion = "2.0.0"
	resp, _ = env.handler.CheckForUpdate(ctx, req)
	require.False(resp.UpdateAvailable)

	// other devices still get the promoted predecessor
	resp, status = env.handler.CheckForUpdate(ctx, checkRequest(env, "device-2"))
	require.EqualValues(200, status.Code)
	require.True(resp.UpdateAvailable)
	require.Equal(r1.ID, resp.Release.ReleaseID)
}

func TestRollbackReleaseUnknownReason(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)
	release := env.createActiveRelease(t, "1.0.0", []byte("bundle v1"), nil)

	_, status := env.handler.RollbackRelease(ctx, release.ID, api.RollbackRequest{Reason: "bad_vibes"})
	require.EqualValues(400, status.Code)
}

func TestListReleasesNewestFirst(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)

	env.createPendingRelease(t, "1.0.0", []byte("bundle v1"), nil)
	time.Sleep(5 * time.Millisecond)
	env.createPendingRelease(t, "1.1.0", []byte("bundle v2"), nil)

	releases, status := env.handler.ListReleases(ctx, env.app.ID.String())
	require.EqualValues(200, status.Code)
	require.Len(releases, 2)
	require.Equal("1.1.0", releases[0].Version)
}

func TestGetHealthConfigFailOpen(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)

	// malformed app id still yields 200 with the empty config
	cfg, status := env.handler.GetHealthConfig(ctx, "not-a-uuid")
	require.EqualValues(200, status.Code)
	require.Empty(cfg.Events)
	require.NotNil(cfg.Events)
	require.NotNil(cfg.Endpoints)

	// app without a config
	cfg, status = env.handler.GetHealthConfig(ctx, env.app.ID.String())
	require.EqualValues(200, status.Code)
	require.Empty(cfg.Events)
}

func TestGetHealthConfig(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)

	want := api.HealthConfig{
		Events:   []api.HealthEvent{{Name: "app_ready", Required: true}},
		WindowMs: 45000,
	}
	require.NoError(env.store.App().UpdateHealthConfig(ctx, env.app.ID, want))

	cfg, status := env.handler.GetHealthConfig(ctx, env.app.ID.String())
	require.EqualValues(200, status.Code)
	require.Equal(want.Events, cfg.Events)
	require.EqualValues(45000, cfg.WindowMs)
	require.NotNil(cfg.Endpoints)
}

func TestReportFailure(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)
	release := env.createActiveRelease(t, "1.0.0", []byte("bundle v1"), nil)

	resp, status := env.handler.ReportFailure(ctx, api.FailureReport{
		ReleaseID:     release.ID,
		DeviceID:      "device-1",
		MissingEvents: []string{"app_ready"},
	})
	require.EqualValues(200, status.Code)
	require.True(resp.Received)

	_, status = env.handler.ReportFailure(ctx, api.FailureReport{ReleaseID: "nope", DeviceID: "device-1"})
	require.EqualValues(400, status.Code)

	_, status = env.handler.ReportFailure(ctx, api.FailureReport{ReleaseID: release.ID})
	require.EqualValues(400, status.Code)
}

func TestRecordTelemetry(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)

	status := env.handler.RecordTelemetry(ctx, api.TelemetryEvent{Name: "update_downloaded"})
	require.EqualValues(200, status.Code)

	status = env.handler.RecordTelemetry(ctx, api.TelemetryEvent{})
	require.EqualValues(400, status.Code)

	status = env.handler.RecordCrash(ctx, api.TelemetryEvent{})
	require.EqualValues(200, status.Code)
}

func TestRecordTelemetryBatchLimits(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	env := newServiceEnv(t)

	status := env.handler.RecordTelemetryBatch(ctx, api.TelemetryBatch{})
	require.EqualValues(400, status.Code)

	events := make([]api.TelemetryEvent, 101)
	for i := range events {
		events[i] = api.TelemetryEvent{Name: "e"}
	}
	status = env.handler.RecordTelemetryBatch(ctx, api.TelemetryBatch{Events: events})
	require.EqualValues(400, status.Code)

	status = env.handler.RecordTelemetryBatch(ctx, api.TelemetryBatch{Events: events[:10]})
	require.EqualValues(200, status.Code)
}
