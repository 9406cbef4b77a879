package transport

import (
	"encoding/json"
	"net/http"

	api "github.com/bundlenudge/bundlenudge/api/v1"
)

// (POST /v1/register)
func (h *TransportHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SetParseFailureResponse(w, err)
		return
	}

	body, status := h.serviceHandler.RegisterDevice(r.Context(), req)
	SetResponse(w, body, status)
}

// (POST /v1/check)
func (h *TransportHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req api.CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SetParseFailureResponse(w, err)
		return
	}

	body, status := h.serviceHandler.CheckForUpdate(r.Context(), req)
	SetResponse(w, body, status)
}
