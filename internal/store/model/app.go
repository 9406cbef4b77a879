package model

import (
	"time"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// App is a registered mobile application. Its id is stable for the lifetime
// of any release referencing it.
type App struct {
	ID       uuid.UUID `gorm:"type:uuid;primary_key"`
	Platform string

	// Opaque ownership pointer; account management is external.
	OwnerID string `gorm:"index"`

	// Per-app health verification config served to devices. Empty means
	// the device arms no monitor (fail-open).
	HealthConfig *JSONField[api.HealthConfig] `gorm:"type:jsonb"`

	// Per-app overrides for the health aggregator window/threshold.
	HealthWindowSeconds *int
	MinSample           *int
	FailureThreshold    *float64

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (a *App) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
