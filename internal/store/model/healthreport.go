package model

import (
	"time"

	"github.com/google/uuid"
)

// HealthReport is a device's failure report for a release. Successful
// outcomes are never reported. The (release, device) pair is unique so
// duplicate reports update missing events without double-counting.
type HealthReport struct {
	ReleaseID uuid.UUID `gorm:"type:uuid;primary_key"`
	DeviceID  string    `gorm:"primary_key"`

	Kind          string
	MissingEvents *JSONField[[]string] `gorm:"type:jsonb"`
	AppVersion    string
	OSVersion     string

	CreatedAt time.Time
	UpdatedAt time.Time
}
