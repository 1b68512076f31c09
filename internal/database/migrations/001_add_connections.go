package migrations

import (
	"github.com/dealbridge/dealbridge-api/internal/types"
	"gorm.io/gorm"
)

func AddConnections(db *gorm.DB) error {
	// Create the messaging tables
	if err := db.AutoMigrate(&types.Connection{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&types.Message{}); err != nil {
		return err
	}

	return nil
}
