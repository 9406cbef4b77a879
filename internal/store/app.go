package store

import (
	"context"

	api "github.com/bundlenudge/bundlenudge/api/v1"
	"github.com/bundlenudge/bundlenudge/internal/bnerrors"
	"github.com/bundlenudge/bundlenudge/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type App interface {
	Create(ctx context.Context, app *model.App) (*model.App, error)
	Get(ctx context.Context, id uuid.UUID) (*model.App, error)
	Delete(ctx context.Context, id uuid.UUID) error
	UpdateHealthConfig(ctx context.Context, id uuid.UUID, cfg api.HealthConfig) error
	InitialMigration() error
}

type AppStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ App = (*AppStore)(nil)

func NewApp(db *gorm.DB, log logrus.FieldLogger) App {
	return &AppStore{db: db, log: log}
}

func (s *AppStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.App{})
}

func (s *AppStore) Create(ctx context.Context, app *model.App) (*model.App, error) {
	if app == nil {
		return nil, bnerrors.ErrResourceIsNil
	}
	result := s.db.WithContext(ctx).Create(app)
	if result.Error != nil {
		return nil, bnerrors.ErrorFromGormError(result.Error)
	}
	return app, nil
}

func (s *AppStore) Get(ctx context.Context, id uuid.UUID) (*model.App, error) {
	var app model.App
	result := s.db.WithContext(ctx).First(&app, "id = ?", id)
	if result.Error != nil {
		return nil, bnerrors.ErrorFromGormError(result.Error)
	}
	return &app, nil
}

func (s *AppStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&model.App{}, "id = ?", id)
	return bnerrors.ErrorFromGormError(result.Error)
}

func (s *AppStore) UpdateHealthConfig(ctx context.Context, id uuid.UUID, cfg api.HealthConfig) error {
	result := s.db.WithContext(ctx).Model(&model.App{ID: id}).Update("health_config", model.MakeJSONField(cfg))
	if result.Error != nil {
		return bnerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return bnerrors.ErrResourceNotFound
	}
	return nil
}
