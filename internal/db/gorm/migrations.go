// Package gorm provides GORM-based database operations for bookmind.
package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// migrations returns the ordered schema history.
func migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		// Migration 001: bookmarks and their IRs
		{
			ID: "001_bookmarks_irs",
			Migrate: func(tx *gorm.DB) error {
				// AutoMigrate creates tables with all indexes from struct tags
				if err := tx.AutoMigrate(&Bookmark{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&IR{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("irs", "bookmarks")
			},
		},

		// Migration 002: topic clusters
		{
			ID: "002_clusters",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Cluster{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("clusters")
			},
		},

		// Migration 003: generated study content cache
		{
			ID: "003_study_contents",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&StudyContent{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("study_contents")
			},
		},
	}
}

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, migrations())
	return m.Migrate()
}
