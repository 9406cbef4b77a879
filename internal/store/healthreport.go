package store

import (
	"context"
	"time"

	"github.com/bundlenudge/bundlenudge/internal/bnerrors"
	"github.com/bundlenudge/bundlenudge/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type HealthReport interface {
	// Upsert is idempotent on (release, device): a repeated report updates
	// missing events without creating a second row.
	Upsert(ctx context.Context, report *model.HealthReport) error
	CountSince(ctx context.Context, releaseID uuid.UUID, since time.Time) (int64, error)
	ListByRelease(ctx context.Context, releaseID uuid.UUID, limit int) ([]model.HealthReport, error)
	InitialMigration() error
}

type HealthReportStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ HealthReport = (*HealthReportStore)(nil)

func NewHealthReport(db *gorm.DB, log logrus.FieldLogger) HealthReport {
	return &HealthReportStore{db: db, log: log}
}

func (s *HealthReportStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.HealthReport{})
}

func (s *HealthReportStore) Upsert(ctx context.Context, report *model.HealthReport) error {
	if report == nil {
		return bnerrors.ErrResourceIsNil
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "release_id"}, {Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"missing_events", "updated_at"}),
	}).Create(report)
	return bnerrors.ErrorFromGormError(result.Error)
}

func (s *HealthReportStore) CountSince(ctx context.Context, releaseID uuid.UUID, since time.Time) (int64, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&model.HealthReport{}).
		Where("release_id = ? AND created_at >= ?", releaseID, since).
		Count(&count)
	return count, bnerrors.ErrorFromGormError(result.Error)
}

func (s *HealthReportStore) ListByRelease(ctx context.Context, releaseID uuid.UUID, limit int) ([]model.HealthReport, error) {
	var reports []model.HealthReport
	query := s.db.WithContext(ctx).Where("release_id = ?", releaseID).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	result := query.Find(&reports)
	if result.Error != nil {
		return nil, bnerrors.ErrorFromGormError(result.Error)
	}
	return reports, nil
}
