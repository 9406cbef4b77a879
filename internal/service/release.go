package service

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/bundlenudge/bundlenudge/internal/store/model"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// CreateRelease registers an uploaded bundle as a pending release on a
// channel. The release stays pending until the worker verifies the bundle
// bytes and activates it.
func (h *ServiceHandler) CreateRelease(ctx context.Context, appID string, req api.CreateReleaseRequest) (*api.Release, api.Status) {
	id, err := uuid.Parse(appID)
	if err != nil {
		return nil, api.StatusBadRequest("appId must be a UUID")
	}
	if status := validateCreateRelease(req); status.Code != 200 {
		return nil, status
	}

	if _, err := h.store.App().Get(ctx, id); err != nil {
		return nil, StoreErrorToApiStatus(err, false, "App", appID)
	}

	var channel *model.Channel
	if req.Channel != "" {
		channel, err = h.store.Channel().GetByName(ctx, id, req.Channel)
	} else {
		channel, err = h.store.Channel().GetDefault(ctx, id)
	}
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, "Channel", req.Channel)
	}

	release := &model.Release{
		AppID:             id,
		ChannelID:         lo.ToPtr(channel.ID),
		Version:           req.Version,
		BundleURL:         req.BundleURL,
		BundleSize:        req.BundleSize,
		BundleHash:        req.BundleHash,
		RolloutPercentage: req.Rollout,
		Status:            string(api.ReleaseStatusPending),
		ReleaseNotes:      req.ReleaseNotes,
	}
	if req.Constraints != nil {
		release.Constraints = model.MakeJSONField(*req.Constraints)
	}
	created, err := h.store.Release().Create(ctx, release)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, true, "Release", req.Version)
	}
	if h.metrics != nil {
		h.metrics.LifecycleEvents.WithLabelValues(string(api.ReleaseStatusPending)).Inc()
	}
	return created.ToApiResource(), api.StatusCreated()
}

func validateCreateRelease(req api.CreateReleaseRequest) api.Status {
	if req.Version == "" {
		return api.StatusBadRequest("version is required")
	}
	if req.BundleURL == "" {
		return api.StatusBadRequest("bundleUrl is required")
	}
	if req.BundleSize <= 0 {
		return api.StatusBadRequest("bundleSize must be positive")
	}
	if !isHexSHA256(req.BundleHash) {
		return api.StatusBadRequest("bundleHash must be a lowercase hex-encoded SHA-256")
	}
	if req.Rollout < 0 || req.Rollout > 100 {
		return api.StatusBadRequest("rolloutPercentage must be between 0 and 100")
	}
	if req.Constraints != nil {
		// Constraint bounds compare against host app versions, which follow
		// store versioning, so they must parse as semver.
		for field, value := range map[string]*string{
			"minAppVersion": req.Constraints.MinAppVersion,
			"maxAppVersion": req.Constraints.MaxAppVersion,
		} {
			if value == nil {
				continue
			}
			if _, err := semver.NewVersion(*value); err != nil {
				return api.StatusBadRequest(fmt.Sprintf("%s %q is not a valid version", field, *value))
			}
		}
	}
	return api.StatusOK()
}

func isHexSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// GetRelease returns the control-plane view of a release.
func (h *ServiceHandler) GetRelease(ctx context.Context, releaseID string) (*api.Release, api.Status) {
	id, err := uuid.Parse(releaseID)
	if err != nil {
		return nil, api.StatusBadRequest("releaseId must be a UUID")
	}
	release, err := h.store.Release().Get(ctx, id)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, "Release", releaseID)
	}
	return release.ToApiResource(), api.StatusOK()
}

// ListReleases lists an app's releases, newest first.
func (h *ServiceHandler) ListReleases(ctx context.Context, appID string) ([]api.Release, api.Status) {
	id, err := uuid.Parse(appID)
	if err != nil {
		return nil, api.StatusBadRequest("appId must be a UUID")
	}
	releases, err := h.store.Release().List(ctx, id)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, "Release", "")
	}
	out := make([]api.Release, 0, len(releases))
	for i := range releases {
		out = append(out, *releases[i].ToApiResource())
	}
	return out, api.StatusOK()
}

// ActivateRelease drives a pending release through verification and
// activation synchronously, without waiting for the worker's next pass.
func (h *ServiceHandler) ActivateRelease(ctx context.Context, releaseID string) (*api.Release, api.Status) {
	id, err := uuid.Parse(releaseID)
	if err != nil {
		return nil, api.StatusBadRequest("releaseId must be a UUID")
	}
	release, err := h.store.Release().Get(ctx, id)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, "Release", releaseID)
	}

	if api.ReleaseStatus(release.Status) == api.ReleaseStatusPending {
		if err := h.lifecycle.Process(ctx, id, "api"); err != nil {
			return nil, StoreErrorToApiStatus(err, false, "Release", releaseID)
		}
		if err := h.lifecycle.Verify(ctx, release); err != nil {
			if rejectErr := h.lifecycle.Reject(ctx, id, err.Error()); rejectErr != nil {
				h.log.WithError(rejectErr).Errorf("rejecting release %s", releaseID)
			}
			if h.metrics != nil {
				h.metrics.LifecycleEvents.WithLabelValues(string(api.ReleaseStatusRejected)).Inc()
			}
			return nil, api.StatusBadRequest(err.Error())
		}
	}

	if err := h.lifecycle.Activate(ctx, id); err != nil {
		return nil, StoreErrorToApiStatus(err, false, "Release", releaseID)
	}
	if h.metrics != nil {
		h.metrics.LifecycleEvents.WithLabelValues(string(api.ReleaseStatusActive)).Inc()
	}

	release, err = h.store.Release().Get(ctx, id)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, "Release", releaseID)
	}
	return release.ToApiResource(), api.StatusOK()
}

// RollbackRelease manually reverts an active or superseded release. The
// channel repoints to the release it superseded, when one exists.
func (h *ServiceHandler) RollbackRelease(ctx context.Context, releaseID string, req api.RollbackRequest) (*api.Release, api.Status) {
	id, err := uuid.Parse(releaseID)
	if err != nil {
		return nil, api.StatusBadRequest("releaseId must be a UUID")
	}
	reason := api.RollbackReason(req.Reason)
	switch reason {
	case api.RollbackReasonCrashDetected, api.RollbackReasonHealthTimeout, api.RollbackReasonNativeUpdate, api.RollbackReasonManual:
	case "":
		reason = api.RollbackReasonManual
	default:
		return nil, api.StatusBadRequest(fmt.Sprintf("unknown rollback reason %q", req.Reason))
	}

	if err := h.lifecycle.Rollback(ctx, id, reason); err != nil {
		return nil, StoreErrorToApiStatus(err, false, "Release", releaseID)
	}
	if h.metrics != nil {
		h.metrics.LifecycleEvents.WithLabelValues(string(api.ReleaseStatusRolledBack)).Inc()
	}

	release, err := h.store.Release().Get(ctx, id)
	if err != nil {
		return nil, StoreErrorToApiStatus(err, false, "Release", releaseID)
	}
	return release.ToApiResource(), api.StatusOK()
}
