package store

import (
	"context"
	"time"

	"github.com/bundlenudge/bundlenudge/internal/bnerrors"
	"github.com/bundlenudge/bundlenudge/internal/store/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Device interface {
	Get(ctx context.Context, id string) (*model.Device, error)
	// Upsert records a device check-in. The row is a materialized view of
	// the device's last report and is allowed to lag.
	Upsert(ctx context.Context, device *model.Device) error
	InitialMigration() error
}

type DeviceStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Device = (*DeviceStore)(nil)

func NewDevice(db *gorm.DB, log logrus.FieldLogger) Device {
	return &DeviceStore{db: db, log: log}
}

func (s *DeviceStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Device{})
}

func (s *DeviceStore) Get(ctx context.Context, id string) (*model.Device, error) {
	var device model.Device
	result := s.db.WithContext(ctx).First(&device, "id = ?", id)
	if result.Error != nil {
		return nil, bnerrors.ErrorFromGormError(result.Error)
	}
	return &device, nil
}

func (s *DeviceStore) Upsert(ctx context.Context, device *model.Device) error {
	if device == nil {
		return bnerrors.ErrResourceIsNil
	}
	device.LastSeenAt = time.Now().UTC()
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"platform", "current_bundle_version", "current_bundle_hash",
			"app_version", "last_seen_at", "updated_at",
		}),
	}).Create(device)
	return bnerrors.ErrorFromGormError(result.Error)
}
