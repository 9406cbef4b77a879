package transport

import (
	"encoding/json"
	"net/http"

	api "github.com/bundlenudge/bundlenudge/api/v1"
)

// (POST /v1/telemetry)
func (h *TransportHandler) RecordTelemetry(w http.ResponseWriter, r *http.Request) {
	var event api.TelemetryEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		SetParseFailureResponse(w, err)
		return
	}

	status := h.serviceHandler.RecordTelemetry(r.Context(), event)
	SetResponse(w, nil, status)
}

// (POST /v1/telemetry/crash)
func (h *TransportHandler) RecordCrash(w http.ResponseWriter, r *http.Request) {
	var event api.TelemetryEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		SetParseFailureResponse(w, err)
		return
	}

	status := h.serviceHandler.RecordCrash(r.Context(), event)
	SetResponse(w, nil, status)
}

// (POST /v1/telemetry/batch)
func (h *TransportHandler) RecordTelemetryBatch(w http.ResponseWriter, r *http.Request) {
	var batch api.TelemetryBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		SetParseFailureResponse(w, err)
		return
	}

	status := h.serviceHandler.RecordTelemetryBatch(r.Context(), batch)
	SetResponse(w, nil, status)
}
