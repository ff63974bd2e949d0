// Package database opens the on-device SQLite database backing the local schema.
package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/trambar/internal/localstore"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	memoryPath       = ":memory:"
	busyTimeoutMilli = 5000
)

// OpenSQLite opens the local database at path, creates the record tables and runs pending
// data migrations. ":memory:" opens a private in-memory database.
func OpenSQLite(path string, log *zap.Logger) (*gorm.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(dataSourceName(path)), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers and keeps an in-memory database alive.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&localstore.Record{}, &migrationRecord{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("create local tables: %w", err)
	}

	applied, err := applyMigrations(db, log)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate local data: %w", err)
	}

	if log != nil {
		log.Info("local database ready", zap.String("path", path), zap.Int("migrations_applied", len(applied)))
	}

	return db, nil
}

func dataSourceName(path string) string {
	if path == memoryPath {
		return path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, separator, busyTimeoutMilli)
}
