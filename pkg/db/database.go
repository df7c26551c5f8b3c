package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens (creating if needed) the sqlite database at path and migrates
// the schema.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database dir %s: %w", dir, err)
		}
	}

	database, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	if err := AutoMigrate(database); err != nil {
		return nil, err
	}

	return database, nil
}

// OpenMemory opens an in-memory database, used by tests.
func OpenMemory() (*gorm.DB, error) {
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}

	// Every new pool connection to :memory: would see its own empty
	// database; pin the pool to a single connection.
	sqlDB, err := database.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := AutoMigrate(database); err != nil {
		return nil, err
	}

	return database, nil
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&Conversation{},
		&Message{},
		&Document{},
		&DocumentChunk{},
	); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
