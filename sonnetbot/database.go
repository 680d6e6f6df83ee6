package sonnetbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ServerSetting is the durable per-guild configuration record. One row
// per guild; writes are upserts.
type ServerSetting struct {
	GuildID           string `gorm:"primaryKey" json:"guild_id"`
	ResponseChannelID string `json:"response_channel_id"`
	CreatedAt         int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt         int64  `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

func (ServerSetting) TableName() string {
	return "server_settings"
}

// SettingsStore persists per-guild settings. GuildSession loads its
// response channel through this on construction.
type SettingsStore interface {
	// GetResponseChannel returns the configured response channel for the
	// guild, or "" if the guild has no row. A missing row is not an error.
	GetResponseChannel(ctx context.Context, guildID string) (string, error)

	// SetResponseChannel upserts the guild's response channel.
	// Last write wins.
	SetResponseChannel(ctx context.Context, guildID string, channelID string) error
}

// settingsStore implements SettingsStore on a GORM connection. SQLite
// only allows a single writer, so writes are serialized with a mutex.
type settingsStore struct {
	db     *gorm.DB
	mu     sync.Mutex
	logger *slog.Logger
}

func newSettingsStore(db *gorm.DB, log *slog.Logger) *settingsStore {
	if log == nil {
		log = slog.Default()
	}
	return &settingsStore{
		db:     db,
		logger: log.With(loggerNameKey, "settings_store"),
	}
}

func (s *settingsStore) GetResponseChannel(
	ctx context.Context,
	guildID string,
) (string, error) {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var setting ServerSetting
	err := s.db.WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).Take(&setting).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("error loading server setting: %w", err)
	}
	return setting.ResponseChannelID, nil
}

func (s *settingsStore) SetResponseChannel(
	ctx context.Context,
	guildID string,
	channelID string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	setting := ServerSetting{
		GuildID:           guildID,
		ResponseChannelID: channelID,
	}
	err := s.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"response_channel_id", "updated_at"}),
		},
	).Create(&setting).Error
	if err != nil {
		return fmt.Errorf("error saving server setting: %w", err)
	}
	return nil
}

func withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// CreateDB initializes a GORM SQLite connection at the given path and
// migrates the server_settings table.
func CreateDB(
	ctx context.Context,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(ctx, "Initializing database", "database", database)

	parentDir := filepath.Dir(database)
	if parentDir != "" {
		if err := os.MkdirAll(parentDir, 0755); err != nil {
			if !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
	}
	db, err := gorm.Open(
		sqlite.Open(database),
		&gorm.Config{
			Logger: gormLogger,
			NowFunc: func() time.Time {
				return time.Now().UTC()
			},
		},
	)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
	for _, pragma := range sqliteExecPragma {
		if err = db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting pragma %q: %w", pragma, err)
		}
	}

	txn := db.WithContext(ctx).Begin()
	if err = txn.Migrator().AutoMigrate(&ServerSetting{}); err != nil {
		txn.Rollback()
		return nil, err
	}
	if err = txn.Commit().Error; err != nil {
		return nil, err
	}

	return db, nil
}
