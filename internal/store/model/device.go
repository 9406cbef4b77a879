package model

import (
	"time"

	"github.com/google/uuid"
)

// Device is the server's materialized view of a device's last check-in. The
// device owns its state; this row is allowed to lag. The server stores the
// minimum needed for resolution and health aggregation, and device ids are
// not enumerable by app owners.
type Device struct {
	// Client-generated UUID v4.
	ID    string    `gorm:"primary_key"`
	AppID uuid.UUID `gorm:"type:uuid;index"`

	Platform             string
	CurrentBundleVersion *string
	CurrentBundleHash    *string
	AppVersion           string

	CrashCount int
	LastSeenAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
