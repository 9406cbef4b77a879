package service

import (
	"context"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/google/uuid"
)

// GetHealthConfig serves the per-app verification config. This endpoint
// fails open: any lookup problem yields the empty config, which arms no
// monitor on the device.
func (h *ServiceHandler) GetHealthConfig(ctx context.Context, appID string) (api.HealthConfig, api.Status) {
	id, err := uuid.Parse(appID)
	if err != nil {
		return api.EmptyHealthConfig(), api.StatusOK()
	}
	app, err := h.store.App().Get(ctx, id)
	if err != nil {
		h.log.WithError(err).Debugf("health config lookup for app %s", appID)
		return api.EmptyHealthConfig(), api.StatusOK()
	}
	if app.HealthConfig == nil {
		return api.EmptyHealthConfig(), api.StatusOK()
	}
	cfg := app.HealthConfig.Data
	if cfg.Events == nil {
		cfg.Events = []api.HealthEvent{}
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = []api.HealthEndpoint{}
	}
	return cfg, api.StatusOK()
}

// ReportFailure ingests a device's one-shot verification failure. The
// device never retries, so this acknowledges receipt even when the release
// id is unknown; only a malformed request is rejected.
func (h *ServiceHandler) ReportFailure(ctx context.Context, report api.FailureReport) (api.FailureReportResponse, api.Status) {
	releaseID, err := uuid.Parse(report.ReleaseID)
	if err != nil {
		return api.FailureReportResponse{}, api.StatusBadRequest("releaseId must be a UUID")
	}
	if report.DeviceID == "" {
		return api.FailureReportResponse{}, api.StatusBadRequest("deviceId is required")
	}

	if h.metrics != nil {
		h.metrics.FailureReports.Inc()
	}
	if h.aggregator != nil {
		if err := h.aggregator.ReportFailure(ctx, releaseID, report.DeviceID, report.MissingEvents, report.AppVersion, report.OSVersion); err != nil {
			// the aggregator is advisory; the device's job is done either way
			h.log.WithError(err).Warnf("recording failure report for release %s", report.ReleaseID)
		}
	}
	return api.FailureReportResponse{Received: true}, api.StatusOK()
}
