package database

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func isPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

// NewDatabase opens the database at url and applies migrations. Postgres URLs
// use the postgres driver, anything else is treated as a sqlite file path.
func NewDatabase(url string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if isPostgresURL(url) {
		dialector = postgres.Open(url)
	} else {
		if !strings.HasPrefix(url, "file:") {
			if err := os.MkdirAll(filepath.Dir(url), os.ModePerm); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dialector = sqlite.Open(url)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := GetMigrator(db).Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Printf("database ready (%s)", db.Dialector.Name())
	return db, nil
}
