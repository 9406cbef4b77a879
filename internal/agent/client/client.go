// Package client is the device-side HTTP client for the control plane. All
// calls take a context and a bounded timeout; the health-config fetch fails
// safe to the empty config.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/bundlenudge/bundlenudge/internal/bnerrors"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

const (
	defaultRequestTimeout  = 10 * time.Second
	defaultDownloadTimeout = 60 * time.Second
	maxRetryDelay          = 30 * time.Second
	registerAttempts       = 5
)

type Config struct {
	ServerURL       string
	RequestTimeout  time.Duration
	DownloadTimeout time.Duration
}

type Client struct {
	base     string
	http     *http.Client
	download *http.Client
	log      logrus.FieldLogger

	mu    sync.RWMutex
	token string
}

func New(cfg Config, log logrus.FieldLogger) *Client {
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	downloadTimeout := cfg.DownloadTimeout
	if downloadTimeout <= 0 {
		downloadTimeout = defaultDownloadTimeout
	}
	// the download timeout bounds the wait for response headers; the body
	// transfer itself is bounded by the caller's context
	downloadTransport := http.DefaultTransport.(*http.Transport).Clone()
	downloadTransport.ResponseHeaderTimeout = downloadTimeout
	return &Client{
		base:     cfg.ServerURL,
		http:     &http.Client{Timeout: requestTimeout},
		download: &http.Client{Transport: downloadTransport},
		log:      log,
	}
}

// SetToken installs the bearer token used on subsequent calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Register enrolls the device, retrying transient failures with
// exponential backoff capped at 30 seconds.
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (*api.RegisterResponse, error) {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    maxRetryDelay,
		Factor: 2,
		Jitter: true,
	}
	var lastErr error
	for attempt := 0; attempt < registerAttempts; attempt++ {
		var resp api.RegisterResponse
		lastErr = c.postJSON(ctx, "/v1/devices/register", req, &resp)
		if lastErr == nil {
			return &resp, nil
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", bnerrors.ErrNetwork, ctx.Err())
		}
	}
	return nil, lastErr
}

// Check asks the server whether an update applies to this device.
func (c *Client) Check(ctx context.Context, req api.CheckRequest) (*api.CheckResponse, error) {
	var resp api.CheckResponse
	if err := c.postJSON(ctx, "/v1/updates/check", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HealthConfig fetches the app's verification config. Never errors: any
// failure, non-2xx, or parse problem yields the empty config, which arms
// no monitor.
func (c *Client) HealthConfig(ctx context.Context, appID string) api.HealthConfig {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/apps/"+appID+"/health-config", nil)
	if err != nil {
		return api.EmptyHealthConfig()
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return api.EmptyHealthConfig()
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return api.EmptyHealthConfig()
	}
	var cfg api.HealthConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return api.EmptyHealthConfig()
	}
	if cfg.Events == nil {
		cfg.Events = []api.HealthEvent{}
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = []api.HealthEndpoint{}
	}
	return cfg
}

// ReportFailure delivers the one-shot verification failure report.
func (c *Client) ReportFailure(ctx context.Context, report api.FailureReport) error {
	var resp api.FailureReportResponse
	return c.postJSON(ctx, "/v1/health/failure", report, &resp)
}

// Telemetry is fire-and-forget; failures are silent.
func (c *Client) Telemetry(ctx context.Context, event api.TelemetryEvent) {
	if err := c.postJSON(ctx, "/v1/telemetry", event, nil); err != nil {
		c.log.WithError(err).Debug("telemetry event not delivered")
	}
}

// Download streams the bundle at url to w, invoking progress with the
// cumulative byte counts.
func (c *Client) Download(ctx context.Context, url string, w io.Writer, progress func(received, total int64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", bnerrors.ErrNetwork, err)
	}
	c.authorize(req)
	resp, err := c.download.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", bnerrors.ErrNetwork, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: bundle download returned %d", bnerrors.ErrNetwork, resp.StatusCode)
	}

	total := resp.ContentLength
	var received int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
			received += int64(n)
			if progress != nil {
				progress(received, total)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("%w: %v", bnerrors.ErrNetwork, readErr)
		}
	}
}

func (c *Client) authorize(req *http.Request) {
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", bnerrors.ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", bnerrors.ErrNetwork, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusUnauthorized:
		return bnerrors.ErrInvalidToken
	case resp.StatusCode == http.StatusTooManyRequests:
		return bnerrors.ErrRateLimited
	default:
		return fmt.Errorf("%w: %s returned %d", bnerrors.ErrNetwork, path, resp.StatusCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
