package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	api "github.com/bundlenudge/bundlenudge/api/v1"
)

// WriteJSONResponse encodes body as the response for 2xx status codes and
// errorBody for non-2xx. Responses with no body (204, 304, 1xx) only write
// the status code.
func WriteJSONResponse(w http.ResponseWriter, body any, errorBody any, code int) {
	// Never write a body for 204/304 (and generally 1xx), per RFC 7231
	if code == http.StatusNoContent || code == http.StatusNotModified || (code >= 100 && code < 200) {
		w.WriteHeader(code)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	// Encode into a buffer first to catch encoding errors before writing
	// the response
	var buf bytes.Buffer
	var err error
	if body != nil && code >= 200 && code < 300 {
		err = json.NewEncoder(&buf).Encode(body)
	} else {
		err = json.NewEncoder(&buf).Encode(errorBody)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

func SetResponse(w http.ResponseWriter, body any, status api.Status) {
	WriteJSONResponse(w, body, status, int(status.Code))
}

func SetParseFailureResponse(w http.ResponseWriter, err error) {
	SetResponse(w, nil, api.StatusBadRequest(fmt.Sprintf("can't decode JSON body: %v", err)))
}
