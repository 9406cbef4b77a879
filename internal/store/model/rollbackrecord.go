package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RollbackRecord captures a rollback that happened, either device-local
// (crash detected) or server-side (health threshold, manual).
type RollbackRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key"`
	ReleaseID uuid.UUID `gorm:"type:uuid;index"`
	DeviceID  string

	Reason          string
	PreviousVersion string

	CreatedAt time.Time
}

func (r *RollbackRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
