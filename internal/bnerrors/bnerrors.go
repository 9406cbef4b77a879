package bnerrors

import (
	"errors"

	"gorm.io/gorm"
)

var (
	ErrResourceIsNil    = errors.New("object is nil")
	ErrResourceNotFound = errors.New("object not found")
	ErrDuplicateName    = errors.New("an object with this name already exists")
	ErrInvalidInput     = errors.New("invalid input")

	// auth
	ErrInvalidToken = errors.New("invalid device token")
	ErrTokenExpired = errors.New("device token expired")

	// bundles
	ErrInvalidBundle   = errors.New("bundle hash does not match")
	ErrVersionMismatch = errors.New("release requires a newer native app version")

	// lifecycle
	ErrInvalidTransition = errors.New("release state transition not allowed")
	ErrConflict          = errors.New("the object has been modified; please apply your changes to the latest version and try again")
	ErrLeaseHeld         = errors.New("release lease is held by another worker")

	// control plane
	ErrRateLimited = errors.New("rate limited")

	// agent side
	ErrNetwork = errors.New("network error")
)

func ErrorFromGormError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrResourceNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicateName
	default:
		return err
	}
}
