package store

import (
	"context"

	"github.com/bundlenudge/bundlenudge/internal/bnerrors"
	"github.com/bundlenudge/bundlenudge/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type RollbackRecord interface {
	Create(ctx context.Context, record *model.RollbackRecord) (*model.RollbackRecord, error)
	ListByRelease(ctx context.Context, releaseID uuid.UUID) ([]model.RollbackRecord, error)
	InitialMigration() error
}

type RollbackRecordStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ RollbackRecord = (*RollbackRecordStore)(nil)

func NewRollbackRecord(db *gorm.DB, log logrus.FieldLogger) RollbackRecord {
	return &RollbackRecordStore{db: db, log: log}
}

func (s *RollbackRecordStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.RollbackRecord{})
}

func (s *RollbackRecordStore) Create(ctx context.Context, record *model.RollbackRecord) (*model.RollbackRecord, error) {
	if record == nil {
		return nil, bnerrors.ErrResourceIsNil
	}
	result := s.db.WithContext(ctx).Create(record)
	if result.Error != nil {
		return nil, bnerrors.ErrorFromGormError(result.Error)
	}
	return record, nil
}

func (s *RollbackRecordStore) ListByRelease(ctx context.Context, releaseID uuid.UUID) ([]model.RollbackRecord, error) {
	var records []model.RollbackRecord
	result := s.db.WithContext(ctx).Where("release_id = ?", releaseID).Order("created_at DESC").Find(&records)
	if result.Error != nil {
		return nil, bnerrors.ErrorFromGormError(result.Error)
	}
	return records, nil
}
