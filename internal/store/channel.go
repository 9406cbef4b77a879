package store

import (
	"context"

	"github.com/bundlenudge/bundlenudge/internal/bnerrors"
	"github.com/bundlenudge/bundlenudge/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Channel interface {
	Create(ctx context.Context, channel *model.Channel) (*model.Channel, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Channel, error)
	GetByName(ctx context.Context, appID uuid.UUID, name string) (*model.Channel, error)
	GetDefault(ctx context.Context, appID uuid.UUID) (*model.Channel, error)
	List(ctx context.Context, appID uuid.UUID) ([]model.Channel, error)
	// UpdateActiveRelease flips the channel's active release pointer only if
	// it still points at prev. A stale prev returns ErrConflict so
	// concurrent activations on the same channel are linearized.
	UpdateActiveRelease(ctx context.Context, id uuid.UUID, prev *uuid.UUID, next *uuid.UUID) error
	InitialMigration() error
}

type ChannelStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Channel = (*ChannelStore)(nil)

func NewChannel(db *gorm.DB, log logrus.FieldLogger) Channel {
	return &ChannelStore{db: db, log: log}
}

func (s *ChannelStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Channel{})
}

func (s *ChannelStore) Create(ctx context.Context, channel *model.Channel) (*model.Channel, error) {
	if channel == nil {
		return nil, bnerrors.ErrResourceIsNil
	}
	result := s.db.WithContext(ctx).Create(channel)
	if result.Error != nil {
		return nil, bnerrors.ErrorFromGormError(result.Error)
	}
	return channel, nil
}

func (s *ChannelStore) Get(ctx context.Context, id uuid.UUID) (*model.Channel, error) {
	var channel model.Channel
	result := s.db.WithContext(ctx).First(&channel, "id = ?", id)
	if result.Error != nil {
		return nil, bnerrors.ErrorFromGormError(result.Error)
	}
	return &channel, nil
}

func (s *ChannelStore) GetByName(ctx context.Context, appID uuid.UUID, name string) (*model.Channel, error) {
	var channel model.Channel
	result := s.db.WithContext(ctx).First(&channel, "app_id = ? AND name = ?", appID, name)
	if result.Error != nil {
		return nil, bnerrors.ErrorFromGormError(result.Error)
	}
	return &channel, nil
}

func (s *ChannelStore) GetDefault(ctx context.Context, appID uuid.UUID) (*model.Channel, error) {
	var channel model.Channel
	result := s.db.WithContext(ctx).First(&channel, "app_id = ? AND is_default = ?", appID, true)
	if result.Error != nil {
		return nil, bnerrors.ErrorFromGormError(result.Error)
	}
	return &channel, nil
}

func (s *ChannelStore) List(ctx context.Context, appID uuid.UUID) ([]model.Channel, error) {
	var channels []model.Channel
	result := s.db.WithContext(ctx).Where("app_id = ?", appID).Order("name").Find(&channels)
	if result.Error != nil {
		return nil, bnerrors.ErrorFromGormError(result.Error)
	}
	return channels, nil
}

func (s *ChannelStore) UpdateActiveRelease(ctx context.Context, id uuid.UUID, prev *uuid.UUID, next *uuid.UUID) error {
	query := s.db.WithContext(ctx).Model(&model.Channel{}).Where("id = ?", id)
	if prev == nil {
		query = query.Where("active_release_id IS NULL")
	} else {
		query = query.Where("active_release_id = ?", *prev)
	}
	result := query.Update("active_release_id", next)
	if result.Error != nil {
		return bnerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return bnerrors.ErrConflict
	}
	return nil
}
