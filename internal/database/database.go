package database

import (
	"fmt"

	"github.com/dealbridge/dealbridge-api/internal/database/migrations"
	"github.com/dealbridge/dealbridge-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection.
// The pool is pinned to a single connection so that concurrent transactions
// against the same deal aggregate queue on the SQLite write lock instead of
// failing mid-flight.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	// Auto-migrate core schemas
	err = db.AutoMigrate(
		&types.Deal{},
		&types.Bid{},
		&types.Negotiation{},
	)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddConnections(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
