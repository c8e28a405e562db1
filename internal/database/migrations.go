package database

import (
	"log"
	"log/slog"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func GetMigrator(db *gorm.DB) *gormigrate.Gormigrate {
	migrator := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "0",
			Migrate: func(txn *gorm.DB) error {
				return txn.AutoMigrate(&Upload{}, &ModelRecord{}, &Training{})
			},
			Rollback: func(txn *gorm.DB) error {
				return txn.Migrator().DropTable(&Training{}, &ModelRecord{}, &Upload{})
			},
		},
	})

	migrator.InitSchema(func(txn *gorm.DB) error {
		// Run when no previous migration is detected, creating the latest schema
		// directly instead of replaying every migration.

		log.Println("clean database detected, running full schema initialization")

		dbType := db.Dialector.Name()
		if dbType == "sqlite" || dbType == "sqlite3" {
			// Sqlite does not enable foreign key constraints by default.
			if err := txn.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
				slog.Error("error enabling foreign keys for SQLite", "error", err)
			}
		}

		return txn.AutoMigrate(&Upload{}, &ModelRecord{}, &Training{})
	})

	return migrator
}
