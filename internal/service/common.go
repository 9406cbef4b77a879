package service

import (
	"errors"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/bundlenudge/bundlenudge/internal/bnerrors"
)

// StoreErrorToApiStatus converts a store or domain error to an API status.
func StoreErrorToApiStatus(err error, created bool, kind string, name string) api.Status {
	if err == nil {
		if created {
			return api.StatusCreated()
		}
		return api.StatusOK()
	}

	switch {
	case errors.Is(err, bnerrors.ErrResourceNotFound):
		return api.StatusResourceNotFound(kind, name)
	case errors.Is(err, bnerrors.ErrResourceIsNil),
		errors.Is(err, bnerrors.ErrInvalidInput),
		errors.Is(err, bnerrors.ErrDuplicateName):
		return api.StatusBadRequest(err.Error())
	case errors.Is(err, bnerrors.ErrInvalidToken),
		errors.Is(err, bnerrors.ErrTokenExpired):
		return api.StatusUnauthorized(err.Error())
	case errors.Is(err, bnerrors.ErrConflict),
		errors.Is(err, bnerrors.ErrInvalidTransition),
		errors.Is(err, bnerrors.ErrLeaseHeld):
		return api.StatusConflict(err.Error())
	default:
		return api.StatusInternalServerError(err.Error())
	}
}
