package model

import (
	"time"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// Release is an immutable bundle+metadata record. BundleHash never changes
// after creation; once active, the bytes at BundleURL hash to BundleHash.
type Release struct {
	ID        uuid.UUID  `gorm:"type:uuid;primary_key"`
	AppID     uuid.UUID  `gorm:"type:uuid;index"`
	ChannelID *uuid.UUID `gorm:"type:uuid;index"`

	Version    string
	BundleURL  string
	BundleSize int64
	// Lowercase hex-encoded SHA-256 of the bundle bytes.
	BundleHash string

	RolloutPercentage int
	Constraints       *JSONField[api.Constraints] `gorm:"type:jsonb"`

	Status         string `gorm:"index"`
	RollbackReason *string
	// Release that replaced this one on its channel, if any.
	SupersededByID *uuid.UUID `gorm:"type:uuid"`

	ReleaseNotes string

	// Exclusive processing lease; an expired lease allows re-pickup.
	LeaseOwner     *string
	LeaseExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *Release) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func (r *Release) ToApiResource() *api.Release {
	if r == nil {
		return &api.Release{}
	}
	var constraints *api.Constraints
	if r.Constraints != nil {
		constraints = lo.ToPtr(r.Constraints.Data)
	}
	var channelID *string
	if r.ChannelID != nil {
		channelID = lo.ToPtr(r.ChannelID.String())
	}
	var reason api.RollbackReason
	if r.RollbackReason != nil {
		reason = api.RollbackReason(*r.RollbackReason)
	}
	return &api.Release{
		ID:             r.ID.String(),
		AppID:          r.AppID.String(),
		ChannelID:      channelID,
		Version:        r.Version,
		BundleURL:      r.BundleURL,
		BundleSize:     r.BundleSize,
		BundleHash:     r.BundleHash,
		Rollout:        r.RolloutPercentage,
		Constraints:    constraints,
		Status:         api.ReleaseStatus(r.Status),
		RollbackReason: reason,
		ReleaseNotes:   r.ReleaseNotes,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// ToReleaseInfo is the device-facing projection served on the check path.
func (r *Release) ToReleaseInfo() *api.ReleaseInfo {
	return &api.ReleaseInfo{
		Version:      r.Version,
		BundleURL:    r.BundleURL,
		BundleSize:   r.BundleSize,
		BundleHash:   r.BundleHash,
		ReleaseID:    r.ID.String(),
		ReleaseNotes: r.ReleaseNotes,
	}
}
