package v1

import (
	"fmt"
	"net/http"
)

// Status is the machine-readable error payload returned on non-2xx
// responses.
type Status struct {
	ApiVersion string `json:"apiVersion"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	Code       int32  `json:"code"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
}

func NewSuccessStatus(code int32, reason string, message string) Status {
	return Status{
		ApiVersion: "v1",
		Kind:       "Status",
		Status:     "Success",
		Code:       code,
		Reason:     reason,
		Message:    message,
	}
}

func NewFailureStatus(code int32, reason string, message string) Status {
	return Status{
		ApiVersion: "v1",
		Kind:       "Status",
		Status:     "Failure",
		Code:       code,
		Reason:     reason,
		Message:    message,
	}
}

func StatusOK() Status {
	return NewSuccessStatus(http.StatusOK, http.StatusText(http.StatusOK), "")
}

func StatusCreated() Status {
	return NewSuccessStatus(http.StatusCreated, http.StatusText(http.StatusCreated), "")
}

func StatusBadRequest(message string) Status {
	return NewFailureStatus(http.StatusBadRequest, http.StatusText(http.StatusBadRequest), message)
}

func StatusUnauthorized(message string) Status {
	return NewFailureStatus(http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized), message)
}

func StatusResourceNotFound(kind, name string) Status {
	return NewFailureStatus(http.StatusNotFound, http.StatusText(http.StatusNotFound), fmt.Sprintf("%s of name %q not found.", kind, name))
}

func StatusConflict(message string) Status {
	return NewFailureStatus(http.StatusConflict, http.StatusText(http.StatusConflict), message)
}

func StatusTooManyRequests(message string) Status {
	return NewFailureStatus(http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests), message)
}

func StatusInternalServerError(message string) Status {
	return NewFailureStatus(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), message)
}
