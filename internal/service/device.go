package service

import (
	"context"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/bundlenudge/bundlenudge/internal/store/model"
	"github.com/google/uuid"
)

// RegisterDevice enrolls a device under an app and mints its bearer token.
// Registration is idempotent; re-registering refreshes the token and the
// device's materialized view.
func (h *ServiceHandler) RegisterDevice(ctx context.Context, req api.RegisterRequest) (api.RegisterResponse, api.Status) {
	appID, err := uuid.Parse(req.AppID)
	if err != nil {
		return api.RegisterResponse{}, api.StatusBadRequest("appId must be a UUID")
	}
	if req.DeviceID == "" {
		return api.RegisterResponse{}, api.StatusBadRequest("deviceId is required")
	}
	if req.Platform != api.PlatformIOS && req.Platform != api.PlatformAndroid {
		return api.RegisterResponse{}, api.StatusBadRequest("platform must be ios or android")
	}

	app, err := h.store.App().Get(ctx, appID)
	if err != nil {
		return api.RegisterResponse{}, StoreErrorToApiStatus(err, false, "App", req.AppID)
	}

	token, expires, err := h.signer.Sign(req.DeviceID, app.ID.String(), "", req.Platform)
	if err != nil {
		return api.RegisterResponse{}, api.StatusInternalServerError(err.Error())
	}

	device := &model.Device{
		ID:         req.DeviceID,
		AppID:      appID,
		Platform:   string(req.Platform),
		AppVersion: req.AppVersion,
	}
	if err := h.store.Device().Upsert(ctx, device); err != nil {
		return api.RegisterResponse{}, StoreErrorToApiStatus(err, false, "Device", req.DeviceID)
	}

	return api.RegisterResponse{
		AccessToken: token,
		ExpiresAt:   expires.UnixMilli(),
	}, api.StatusOK()
}
