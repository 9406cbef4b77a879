package service

import (
	"context"
	"time"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/bundlenudge/bundlenudge/internal/rollout"
	"github.com/bundlenudge/bundlenudge/internal/store/model"
	"github.com/bundlenudge/bundlenudge/internal/targeting"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/samber/lo"
)

const (
	outcomeNoUpdate    = "no_update"
	outcomeUpdate      = "update_available"
	outcomeStoreUpdate = "requires_store_update"

	deviceUpsertTimeout = 5 * time.Second
)

func noUpdate() api.CheckResponse {
	return api.CheckResponse{UpdateAvailable: false}
}

// CheckForUpdate is the hot path: given a device fingerprint, decide which
// (if any) bundle to serve. Degraded conditions (missing release, stale
// cache, store hiccups past channel resolution) resolve to NoUpdate rather
// than an error.
func (h *ServiceHandler) CheckForUpdate(ctx context.Context, req api.CheckRequest) (api.CheckResponse, api.Status) {
	start := time.Now()
	resp, status := h.checkForUpdate(ctx, req)
	if h.metrics != nil {
		outcome := outcomeNoUpdate
		release := "none"
		switch {
		case resp.UpdateAvailable:
			outcome = outcomeUpdate
			release = resp.Release.ReleaseID
		case resp.RequiresAppStoreUpdate:
			outcome = outcomeStoreUpdate
		}
		h.metrics.CheckDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		h.metrics.CheckResolutions.WithLabelValues(outcome, release).Inc()
	}
	return resp, status
}

func (h *ServiceHandler) checkForUpdate(ctx context.Context, req api.CheckRequest) (api.CheckResponse, api.Status) {
	appID, err := uuid.Parse(req.AppID)
	if err != nil {
		return noUpdate(), api.StatusBadRequest("appId must be a UUID")
	}
	if req.DeviceID == "" {
		return noUpdate(), api.StatusBadRequest("deviceId is required")
	}
	if req.Platform != api.PlatformIOS && req.Platform != api.PlatformAndroid {
		return noUpdate(), api.StatusBadRequest("platform must be ios or android")
	}
	if req.AppVersion == "" {
		return noUpdate(), api.StatusBadRequest("appVersion is required")
	}

	channel, status := h.resolveChannel(ctx, appID, req.Channel)
	if status.Code != 200 {
		return noUpdate(), status
	}

	h.enqueueCheckTelemetry(req, channel)
	defer h.upsertDeviceAsync(req, appID, channel)

	if channel.ActiveReleaseID == nil {
		return noUpdate(), api.StatusOK()
	}
	release, err := h.store.Release().Get(ctx, *channel.ActiveReleaseID)
	if err != nil {
		// stale pointer or store hiccup; the device just tries again later
		h.log.WithError(err).Debugf("resolving active release for channel %s", channel.ID)
		return noUpdate(), api.StatusOK()
	}
	if api.ReleaseStatus(release.Status) != api.ReleaseStatusActive {
		return noUpdate(), api.StatusOK()
	}

	if req.CurrentBundleHash != "" && req.CurrentBundleHash == release.BundleHash {
		return noUpdate(), api.StatusOK()
	}
	if req.CurrentBundleVersion == release.Version {
		return noUpdate(), api.StatusOK()
	}

	// A device still running a rolled-back release is not offered the
	// promoted predecessor; its own crash recovery moves it off the bad
	// bundle.
	if req.CurrentBundleVersion != "" {
		prior, err := h.store.Release().GetByChannelAndVersion(ctx, channel.ID, req.CurrentBundleVersion)
		if err == nil && api.ReleaseStatus(prior.Status) == api.ReleaseStatusRolledBack &&
			(req.CurrentBundleHash == "" || req.CurrentBundleHash == prior.BundleHash) {
			return noUpdate(), api.StatusOK()
		}
	}

	deviceCtx := targeting.DeviceContext{
		AppVersion: req.AppVersion,
		OSVersion:  req.OSVersion,
		Platform:   req.Platform,
	}
	constraints := api.Constraints{}
	if release.Constraints != nil {
		constraints = release.Constraints.Data
	}
	if result := targeting.Evaluate(constraints, deviceCtx); !result.Eligible {
		// only the app-version floor maps to a store update; a device
		// failing an earlier rule gains nothing from updating the app
		if result.Rule == targeting.RuleMinAppVersion {
			return api.CheckResponse{
				UpdateAvailable:        false,
				RequiresAppStoreUpdate: true,
				AppStoreMessage:        "Please update the app from the store to receive the latest version.",
			}, api.StatusOK()
		}
		return noUpdate(), api.StatusOK()
	}

	if !rollout.Included(release.RolloutPercentage, release.ID.String(), req.DeviceID) {
		return noUpdate(), api.StatusOK()
	}

	return api.CheckResponse{
		UpdateAvailable: true,
		Release:         release.ToReleaseInfo(),
	}, api.StatusOK()
}

// resolveChannel looks up the channel for the request, via the short-TTL
// cache.
func (h *ServiceHandler) resolveChannel(ctx context.Context, appID uuid.UUID, name string) (*model.Channel, api.Status) {
	key := channelCacheKey(appID, name)
	if item := h.channelCache.Get(key); item != nil {
		return item.Value(), api.StatusOK()
	}

	var channel *model.Channel
	var err error
	if name != "" {
		channel, err = h.store.Channel().GetByName(ctx, appID, name)
	} else {
		channel, err = h.store.Channel().GetDefault(ctx, appID)
	}
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, "Channel", name)
	}
	h.channelCache.Set(key, channel, ttlcache.DefaultTTL)
	return channel, api.StatusOK()
}

// upsertDeviceAsync refreshes the device's materialized view off the hot
// path, and records an activation when the device is observed transitioning
// onto the channel's active release.
func (h *ServiceHandler) upsertDeviceAsync(req api.CheckRequest, appID uuid.UUID, channel *model.Channel) {
	activeReleaseID := channel.ActiveReleaseID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), deviceUpsertTimeout)
		defer cancel()

		if h.aggregator != nil && activeReleaseID != nil && req.CurrentBundleVersion != "" {
			release, err := h.store.Release().Get(ctx, *activeReleaseID)
			if err == nil && release.Version == req.CurrentBundleVersion {
				prior, err := h.store.Device().Get(ctx, req.DeviceID)
				if err != nil || prior.CurrentBundleVersion == nil || *prior.CurrentBundleVersion != req.CurrentBundleVersion {
					h.aggregator.RecordActivation(release.ID)
				}
			}
		}

		device := &model.Device{
			ID:         req.DeviceID,
			AppID:      appID,
			Platform:   string(req.Platform),
			AppVersion: req.AppVersion,
		}
		if req.CurrentBundleVersion != "" {
			device.CurrentBundleVersion = lo.ToPtr(req.CurrentBundleVersion)
		}
		if req.CurrentBundleHash != "" {
			device.CurrentBundleHash = lo.ToPtr(req.CurrentBundleHash)
		}
		if err := h.store.Device().Upsert(ctx, device); err != nil {
			h.log.WithError(err).Debugf("upserting device %s", req.DeviceID)
		}
	}()
}

func (h *ServiceHandler) enqueueCheckTelemetry(req api.CheckRequest, channel *model.Channel) {
	if h.events == nil {
		return
	}
	event := api.TelemetryEvent{
		Name:       "update_check",
		AppID:      req.AppID,
		DeviceID:   req.DeviceID,
		OccurredAt: time.Now().UTC(),
	}
	if channel.ActiveReleaseID != nil {
		event.ReleaseID = channel.ActiveReleaseID.String()
	}
	h.events.Enqueue(event)
}
