package store

import (
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Store interface {
	App() App
	Channel() Channel
	Release() Release
	Device() Device
	HealthReport() HealthReport
	RollbackRecord() RollbackRecord
	InitialMigration() error
	Close() error
}

type DataStore struct {
	app            App
	channel        Channel
	release        Release
	device         Device
	healthReport   HealthReport
	rollbackRecord RollbackRecord

	db *gorm.DB
}

func NewStore(db *gorm.DB, log logrus.FieldLogger) Store {
	return &DataStore{
		app:            NewApp(db, log),
		channel:        NewChannel(db, log),
		release:        NewRelease(db, log),
		device:         NewDevice(db, log),
		healthReport:   NewHealthReport(db, log),
		rollbackRecord: NewRollbackRecord(db, log),
		db:             db,
	}
}

func (s *DataStore) App() App {
	return s.app
}

func (s *DataStore) Channel() Channel {
	return s.channel
}

func (s *DataStore) Release() Release {
	return s.release
}

func (s *DataStore) Device() Device {
	return s.device
}

func (s *DataStore) HealthReport() HealthReport {
	return s.healthReport
}

func (s *DataStore) RollbackRecord() RollbackRecord {
	return s.rollbackRecord
}

func (s *DataStore) InitialMigration() error {
	if err := s.App().InitialMigration(); err != nil {
		return err
	}
	if err := s.Channel().InitialMigration(); err != nil {
		return err
	}
	if err := s.Release().InitialMigration(); err != nil {
		return err
	}
	if err := s.Device().InitialMigration(); err != nil {
		return err
	}
	if err := s.HealthReport().InitialMigration(); err != nil {
		return err
	}
	if err := s.RollbackRecord().InitialMigration(); err != nil {
		return err
	}
	return nil
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
