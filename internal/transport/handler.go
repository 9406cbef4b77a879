// Package transport decodes HTTP requests, delegates to the service layer,
// and encodes responses. Handlers contain no business logic.
package transport

import (
	"github.com/bundlenudge/bundlenudge/internal/bundlestore"
	"github.com/bundlenudge/bundlenudge/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

type TransportHandler struct {
	serviceHandler *service.ServiceHandler
	bundles        bundlestore.Store
	log            logrus.FieldLogger
}

func NewTransportHandler(serviceHandler *service.ServiceHandler, bundles bundlestore.Store, log logrus.FieldLogger) *TransportHandler {
	return &TransportHandler{
		serviceHandler: serviceHandler,
		bundles:        bundles,
		log:            log,
	}
}

// RegisterDeviceRoutes mounts the device-facing endpoints.
func (h *TransportHandler) RegisterDeviceRoutes(r chi.Router) {
	r.Post("/v1/devices/register", h.Register)
	r.Post("/v1/updates/check", h.Check)
	r.Get("/v1/apps/{appId}/health-config", h.GetHealthConfig)
	r.Post("/v1/health/failure", h.ReportFailure)
	r.Post("/v1/telemetry", h.RecordTelemetry)
	r.Post("/v1/telemetry/batch", h.RecordTelemetryBatch)
	r.Post("/v1/telemetry/crash", h.RecordCrash)
	r.Get("/v1/bundles/{hash}", h.DownloadBundle)
}

// RegisterControlRoutes mounts the publisher-facing endpoints.
func (h *TransportHandler) RegisterControlRoutes(r chi.Router) {
	r.Post("/v1/apps/{appId}/releases", h.CreateRelease)
	r.Get("/v1/apps/{appId}/releases", h.ListReleases)
	r.Put("/v1/apps/{appId}/bundles/{hash}", h.UploadBundle)
	r.Get("/v1/releases/{id}", h.GetRelease)
	r.Post("/v1/releases/{id}/activate", h.ActivateRelease)
	r.Post("/v1/releases/{id}/rollback", h.RollbackRelease)
}
