package db

import (
	"fmt"

	"github.com/zulandar/darkroom/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.HistoryEntry{},
	}
}

// AutoMigrate creates or updates all tables. The history table is the only
// durable state; sessions are derived from it at read time.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
