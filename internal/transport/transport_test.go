package transport

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/bundlenudge/bundlenudge/internal/auth"
	"github.com/bundlenudge/bundlenudge/internal/bundlestore"
	"github.com/bundlenudge/bundlenudge/internal/healthagg"
	"github.com/bundlenudge/bundlenudge/internal/instrumentation/metrics"
	"github.com/bundlenudge/bundlenudge/internal/kvstore"
	"github.com/bundlenudge/bundlenudge/internal/lifecycle"
	"github.com/bundlenudge/bundlenudge/internal/service"
	"github.com/bundlenudge/bundlenudge/internal/store"
	"github.com/bundlenudge/bundlenudge/internal/store/model"
	"github.com/bundlenudge/bundlenudge/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type transportEnv struct {
	server *httptest.Server
	app    *model.App
}

func newTransportEnv(t *testing.T) *transportEnv {
	t.Helper()
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

	serviceHandler := service.NewServiceHandler(st, signer, aggregator, manager, events, metrics.New(), time.Millisecond, log)
	handler := NewTransportHandler(serviceHandler, bundles, log)

	router := chi.NewRouter()
	handler.RegisterDeviceRoutes(router)
	handler.RegisterControlRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	app, err := st.App().Create(t.Context(), &model.App{Platform: "ios"})
	require.NoError(t, err)
	_, err = st.Channel().Create(t.Context(), &model.Channel{
		AppID:             app.ID,
		Name:              "production",
		IsDefault:         true,
		RolloutPercentage: 100,
	})
	require.NoError(t, err)

	return &transportEnv{server: server, app: app}
}

func (e *transportEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, data
}

func TestPublishAndCheckFlow(t *testing.T) {
	require := require.New(t)
	env := newTransportEnv(t)
	appID := env.app.ID.String()

	content := []byte("var bundle = 1;")
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	// upload the bundle bytes
	req, err := http.NewRequest(http.MethodPut, fmt.Sprintf("%s/v1/apps/%s/bundles/%s", env.server.URL, appID, hash), bytes.NewReader(content))
	require.NoError(err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(err)
	var uploaded map[string]string
	require.NoError(json.NewDecoder(resp.Body).Decode(&uploaded))
	require.NoError(resp.Body.Close())
	require.Equal(http.StatusCreated, resp.StatusCode)
	require.Equal("local://"+hash, uploaded["bundleUrl"])

	// register the release
	resp, body := env.do(t, http.MethodPost, "/v1/apps/"+appID+"/releases", api.CreateReleaseRequest{
		Version:    "1.0.0",
		BundleURL:  uploaded["bundleUrl"],
		BundleSize: int64(len(content)),
		BundleHash: hash,
		Rollout:    100,
	})
	require.Equal(http.StatusCreated, resp.StatusCode, string(body))
	var release api.Release
	require.NoError(json.Unmarshal(body, &release))
	require.Equal(api.ReleaseStatusPending, release.Status)

	// activate it
	resp, body = env.do(t, http.MethodPost, "/v1/releases/"+release.ID+"/activate", nil)
	require.Equal(http.StatusOK, resp.StatusCode, string(body))

	// a device checks and gets the release
	resp, body = env.do(t, http.MethodPost, "/v1/updates/check", api.CheckRequest{
		AppID:      appID,
		DeviceID:   "device-1",
		Platform:   api.PlatformIOS,
		AppVersion: "2.0.0",
	})
	require.Equal(http.StatusOK, resp.StatusCode)
	var check api.CheckResponse
	require.NoError(json.Unmarshal(body, &check))
	require.True(check.UpdateAvailable)
	require.Equal("1.0.0", check.Release.Version)

	// download and verify the bytes
	resp, body = env.do(t, http.MethodGet, "/v1/bundles/"+hash, nil)
	require.Equal(http.StatusOK, resp.StatusCode)
	require.Equal("application/octet-stream", resp.Header.Get("Content-Type"))
	require.Equal(content, body)
}

func TestRegisterDeviceEndpoint(t *testing.T) {
	require := require.New(t)
	env := newTransportEnv(t)

	resp, body := env.do(t, http.MethodPost, "/v1/devices/register", api.RegisterRequest{
		AppID:      env.app.ID.String(),
		DeviceID:   "device-1",
		Platform:   api.PlatformIOS,
		AppVersion: "2.0.0",
	})
	require.Equal(http.StatusOK, resp.StatusCode)
	var reg api.RegisterResponse
	require.NoError(json.Unmarshal(body, &reg))
	require.NotEmpty(reg.AccessToken)
	require.Greater(reg.ExpiresAt, time.Now().UnixMilli())
}

func TestParseFailureReturnsBadRequest(t *testing.T) {
	require := require.New(t)
	env := newTransportEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/v1/updates/check", strings.NewReader("{not json"))
	require.NoError(err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(err)
	defer resp.Body.Close() //nolint:errcheck

	require.Equal(http.StatusBadRequest, resp.StatusCode)
	var status api.Status
	require.NoError(json.NewDecoder(resp.Body).Decode(&status))
	require.Equal("Failure", status.Status)
	require.Contains(status.Message, "decode JSON body")
}

func TestHealthEndpoints(t *testing.T) {
	require := require.New(t)
	env := newTransportEnv(t)

	// the health config endpoint fails open even for unknown apps
	resp, body := env.do(t, http.MethodGet, "/v1/apps/unknown/health-config", nil)
	require.Equal(http.StatusOK, resp.StatusCode)
	var cfg api.HealthConfig
	require.NoError(json.Unmarshal(body, &cfg))
	require.Empty(cfg.Events)

	resp, body = env.do(t, http.MethodPost, "/v1/health/failure", api.FailureReport{
		ReleaseID:     "00000000-0000-0000-0000-000000000001",
		DeviceID:      "device-1",
		MissingEvents: []string{"app_ready"},
	})
	require.Equal(http.StatusOK, resp.StatusCode, string(body))
	var ack api.FailureReportResponse
	require.NoError(json.Unmarshal(body, &ack))
	require.True(ack.Received)
}

func TestTelemetryEndpoints(t *testing.T) {
	require := require.New(t)
	env := newTransportEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/v1/telemetry", api.TelemetryEvent{Name: "update_downloaded"})
	require.Equal(http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/telemetry/batch", api.TelemetryBatch{
		Events: []api.TelemetryEvent{{Name: "a"}, {Name: "b"}},
	})
	require.Equal(http.StatusOK, resp.StatusCode)

	// crash reports default their event name
	resp, _ = env.do(t, http.MethodPost, "/v1/telemetry/crash", api.TelemetryEvent{})
	require.Equal(http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/telemetry", api.TelemetryEvent{})
	require.Equal(http.StatusBadRequest, resp.StatusCode)
}

func TestRollbackWithoutBody(t *testing.T) {
	require := require.New(t)
	env := newTransportEnv(t)
	appID := env.app.ID.String()

	content := []byte("var bundle = 1;")
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	req, err := http.NewRequest(http.MethodPut, fmt.Sprintf("%s/v1/apps/%s/bundles/%s", env.server.URL, appID, hash), bytes.NewReader(content))
	require.NoError(err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(err)
	require.NoError(resp.Body.Close())

	resp, body := env.do(t, http.MethodPost, "/v1/apps/"+appID+"/releases", api.CreateReleaseRequest{
		Version:    "1.0.0",
		BundleURL:  "local://" + hash,
		BundleSize: int64(len(content)),
		BundleHash: hash,
	})
	require.Equal(http.StatusCreated, resp.StatusCode, string(body))
	var release api.Release
	require.NoError(json.Unmarshal(body, &release))

	resp, _ = env.do(t, http.MethodPost, "/v1/releases/"+release.ID+"/activate", nil)
	require.Equal(http.StatusOK, resp.StatusCode)

	// no body means a manual rollback
	resp, body = env.do(t, http.MethodPost, "/v1/releases/"+release.ID+"/rollback", nil)
	require.Equal(http.StatusOK, resp.StatusCode, string(body))
	var rolled api.Release
	require.NoError(json.Unmarshal(body, &rolled))
	require.Equal(api.ReleaseStatusRolledBack, rolled.Status)
	require.Equal(api.RollbackReasonManual, rolled.RollbackReason)
}

func TestGetUnknownRelease(t *testing.T) {
	require := require.New(t)
	env := newTransportEnv(t)

	resp, body := env.do(t, http.MethodGet, "/v1/releases/00000000-0000-0000-0000-000000000001", nil)
	require.Equal(http.StatusNotFound, resp.StatusCode)
	var status api.Status
	require.NoError(json.Unmarshal(body, &status))
	require.Equal("Failure", status.Status)
}
