// Package repository owns the process's single *gorm.DB connection.
package repository

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// InitDB opens a GORM connection to databaseURL. Callers are responsible
// for running AutoMigrate against whatever entities they own (see
// internal/engine/persist.PostgresPersister.Migrate).
func InitDB(databaseURL string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
