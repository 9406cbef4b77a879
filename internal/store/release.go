package store

import (
	"context"
	"time"

	"github.com/bundlenudge/bundlenudge/internal/bnerrors"
	"github.com/bundlenudge/bundlenudge/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Release interface {
	Create(ctx context.Context, release *model.Release) (*model.Release, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Release, error)
	List(ctx context.Context, appID uuid.UUID) ([]model.Release, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]model.Release, error)
	// GetByChannelAndVersion returns the newest release on the channel
	// carrying the given version string.
	GetByChannelAndVersion(ctx context.Context, channelID uuid.UUID, version string) (*model.Release, error)
	// UpdateStatus moves the release from one status to another. The update
	// is conditional on the current status so concurrent transitions cannot
	// race; a stale prior status returns ErrConflict.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to string, updates map[string]any) error
	// AcquireLease takes the exclusive processing lease. It succeeds when
	// the lease is free, already owned by this owner, or expired.
	AcquireLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error
	InitialMigration() error
}

type ReleaseStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Release = (*ReleaseStore)(nil)

func NewRelease(db *gorm.DB, log logrus.FieldLogger) Release {
	return &ReleaseStore{db: db, log: log}
}

func (s *ReleaseStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Release{})
}

func (s *ReleaseStore) Create(ctx context.Context, release *model.Release) (*model.Release, error) {
	if release == nil {
		return nil, bnerrors.ErrResourceIsNil
	}
	result := s.db.WithContext(ctx).Create(release)
	if result.Error != nil {
		return nil, bnerrors.ErrorFromGormError(result.Error)
	}
	return release, nil
}

func (s *ReleaseStore) Get(ctx context.Context, id uuid.UUID) (*model.Release, error) {
	var release model.Release
	result := s.db.WithContext(ctx).First(&release, "id = ?", id)
	if result.Error != nil {
		return nil, bnerrors.ErrorFromGormError(result.Error)
	}
	return &release, nil
}

func (s *ReleaseStore) List(ctx context.Context, appID uuid.UUID) ([]model.Release, error) {
	var releases []model.Release
	result := s.db.WithContext(ctx).Where("app_id = ?", appID).Order("created_at DESC").Find(&releases)
	if result.Error != nil {
		return nil, bnerrors.ErrorFromGormError(result.Error)
	}
	return releases, nil
}

func (s *ReleaseStore) ListByStatus(ctx context.Context, status string, limit int) ([]model.Release, error) {
	var releases []model.Release
	query := s.db.WithContext(ctx).Where("status = ?", status).Order("created_at")
	if limit > 0 {
		query = query.Limit(limit)
	}
	result := query.Find(&releases)
	if result.Error != nil {
		return nil, bnerrors.ErrorFromGormError(result.Error)
	}
	return releases, nil
}

func (s *ReleaseStore) GetByChannelAndVersion(ctx context.Context, channelID uuid.UUID, version string) (*model.Release, error) {
	var release model.Release
	result := s.db.WithContext(ctx).
		Where("channel_id = ? AND version = ?", channelID, version).
		Order("created_at DESC").
		First(&release)
	if result.Error != nil {
		return nil, bnerrors.ErrorFromGormError(result.Error)
	}
	return &release, nil
}

func (s *ReleaseStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to string, updates map[string]any) error {
	values := map[string]any{"status": to}
	for k, v := range updates {
		values[k] = v
	}
	result := s.db.WithContext(ctx).Model(&model.Release{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if result.Error != nil {
		return bnerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		// Distinguish a missing release from a lost transition race.
		var count int64
		if err := s.db.WithContext(ctx).Model(&model.Release{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return bnerrors.ErrorFromGormError(err)
		}
		if count == 0 {
			return bnerrors.ErrResourceNotFound
		}
		return bnerrors.ErrConflict
	}
	return nil
}

func (s *ReleaseStore) AcquireLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	expires := now.Add(ttl)
	result := s.db.WithContext(ctx).Model(&model.Release{}).
		Where("id = ? AND (lease_owner IS NULL OR lease_owner = ? OR lease_expires_at < ?)", id, owner, now).
		Updates(map[string]any{"lease_owner": owner, "lease_expires_at": expires})
	if result.Error != nil {
		return bnerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return bnerrors.ErrLeaseHeld
	}
	return nil
}

func (s *ReleaseStore) ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error {
	result := s.db.WithContext(ctx).Model(&model.Release{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Updates(map[string]any{"lease_owner": nil, "lease_expires_at": nil})
	return bnerrors.ErrorFromGormError(result.Error)
}
