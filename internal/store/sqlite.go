package store

import (
	"fmt"

	"github.com/driftnotes/drift/internal/note"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection, performs schema migration and
// returns a ready Store. Records survive process restarts.
func OpenSQLite(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&note.Note{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("local store initialized", zap.String("path", path))
	}

	return NewStore(db, logger)
}
