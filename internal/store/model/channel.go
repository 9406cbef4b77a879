package model

import (
	"time"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Channel is a named rollout target within an app. It points to at most one
// active release at any instant; transitions are atomic (CAS on
// ActiveReleaseID).
type Channel struct {
	ID    uuid.UUID `gorm:"type:uuid;primary_key"`
	AppID uuid.UUID `gorm:"type:uuid;index:channel_app_name,unique,priority:1"`
	Name  string    `gorm:"index:channel_app_name,unique,priority:2"`

	// Exactly one default channel per app.
	IsDefault bool

	RolloutPercentage int
	TargetingRules    *JSONField[api.Constraints] `gorm:"type:jsonb"`

	ActiveReleaseID *uuid.UUID `gorm:"type:uuid"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *Channel) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
