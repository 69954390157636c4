package db

import (
	"github.com/domasles/echotuner/internal/db/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database and runs migrations for all models.
func InitDB(dbPath string) (*gorm.DB, error) {
	database, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := database.AutoMigrate(
		&models.Device{},
		&models.AuthState{},
		&models.Session{},
		&models.QuotaRecord{},
		&models.DraftQuota{},
		&models.PlaylistDraft{},
		&models.RequestLog{},
	); err != nil {
		return nil, err
	}

	return database, nil
}
