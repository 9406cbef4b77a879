package transport

import (
	"encoding/json"
	"io"
	"net/http"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/go-chi/chi/v5"
)

// (POST /v1/apps/{appId}/releases)
func (h *TransportHandler) CreateRelease(w http.ResponseWriter, r *http.Request) {
	var req api.CreateReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SetParseFailureResponse(w, err)
		return
	}

	body, status := h.serviceHandler.CreateRelease(r.Context(), chi.URLParam(r, "appId"), req)
	SetResponse(w, body, status)
}

// (GET /v1/apps/{appId}/releases)
func (h *TransportHandler) ListReleases(w http.ResponseWriter, r *http.Request) {
	body, status := h.serviceHandler.ListReleases(r.Context(), chi.URLParam(r, "appId"))
	SetResponse(w, body, status)
}

// (GET /v1/releases/{id})
func (h *TransportHandler) GetRelease(w http.ResponseWriter, r *http.Request) {
	body, status := h.serviceHandler.GetRelease(r.Context(), chi.URLParam(r, "id"))
	SetResponse(w, body, status)
}

// (POST /v1/releases/{id}/activate)
func (h *TransportHandler) ActivateRelease(w http.ResponseWriter, r *http.Request) {
	body, status := h.serviceHandler.ActivateRelease(r.Context(), chi.URLParam(r, "id"))
	SetResponse(w, body, status)
}

// (POST /v1/releases/{id}/rollback)
func (h *TransportHandler) RollbackRelease(w http.ResponseWriter, r *http.Request) {
	var req api.RollbackRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			SetParseFailureResponse(w, err)
			return
		}
	}

	body, status := h.serviceHandler.RollbackRelease(r.Context(), chi.URLParam(r, "id"), req)
	SetResponse(w, body, status)
}

// (PUT /v1/apps/{appId}/bundles/{hash})
func (h *TransportHandler) UploadBundle(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	url, err := h.bundles.Put(r.Context(), hash, r.Body)
	if err != nil {
		SetResponse(w, nil, api.StatusInternalServerError(err.Error()))
		return
	}
	SetResponse(w, map[string]string{"bundleUrl": url}, api.StatusCreated())
}

// (GET /v1/bundles/{hash})
func (h *TransportHandler) DownloadBundle(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	rc, err := h.bundles.Open(r.Context(), "local://"+hash)
	if err != nil {
		SetResponse(w, nil, api.StatusResourceNotFound("Bundle", hash))
		return
	}
	defer rc.Close() //nolint:errcheck

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.log.WithError(err).Debugf("streaming bundle %s", hash)
	}
}
