package transport

import (
	"encoding/json"
	"net/http"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/go-chi/chi/v5"
)

// (GET /v1/apps/{appId}/health-config)
func (h *TransportHandler) GetHealthConfig(w http.ResponseWriter, r *http.Request) {
	body, status := h.serviceHandler.GetHealthConfig(r.Context(), chi.URLParam(r, "appId"))
	SetResponse(w, body, status)
}

// (POST /v1/health/failure)
func (h *TransportHandler) ReportFailure(w http.ResponseWriter, r *http.Request) {
	var report api.FailureReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		SetParseFailureResponse(w, err)
		return
	}

	body, status := h.serviceHandler.ReportFailure(r.Context(), report)
	SetResponse(w, body, status)
}
