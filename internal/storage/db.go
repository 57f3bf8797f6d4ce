package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage wraps the gorm handle over the shared SQLite file. Both the serve
// and worker processes open the same path, so write helpers go through
// withRetry to ride out short lock windows.
type Storage struct {
	DB *gorm.DB
}

// Applied on every open. WAL lets the worker read while serve writes;
// busy_timeout absorbs most cross-process lock collisions before they
// surface as errors.
var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA cache_size=10000;",
	"PRAGMA busy_timeout=5000;",
}

// NewStorage opens (or creates) the SQLite database at dbPath and migrates
// the schema. Glebarez keeps the build CGO-free.
func NewStorage(dbPath string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, p := range pragmas {
		db.Exec(p)
	}

	if err := db.AutoMigrate(
		&Memory{},
		&MemoryLink{},
		&UserProfile{},
		&LearningQueueItem{},
		&PendingChat{},
		&ChatSession{},
		&ChatMessage{},
		&AppSetting{},
	); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Storage{DB: db}, nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint folds the WAL back into the main file so nothing is lost if
// the machine dies right after shutdown.
func (s *Storage) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// Vacuum reclaims space after bulk deletions.
func (s *Storage) Vacuum() error {
	return s.DB.Exec("VACUUM;").Error
}

// withRetry re-runs op on "database is locked", up to 3 attempts with
// exponential backoff. Two processes share this file.
func withRetry(op func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = op()
		if err == nil || !isLocked(err) {
			return err
		}
		time.Sleep(time.Duration(50*(1<<attempt)) * time.Millisecond)
	}
	return err
}

func isLocked(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "database is locked") ||
		strings.Contains(err.Error(), "database table is locked"))
}

// ============= App Settings =============

// GetString returns the setting stored under key, or "" when unset.
func (s *Storage) GetString(key string) (string, error) {
	var setting AppSetting
	err := s.DB.First(&setting, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return setting.Value, err
}

// SetString upserts one setting row.
func (s *Storage) SetString(key, value string) error {
	return withRetry(func() error {
		return s.DB.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).Create(&AppSetting{Key: key, Value: value}).Error
	})
}
