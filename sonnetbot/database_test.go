package sonnetbot

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t testing.TB) *settingsStore {
	t.Helper()
	db, err := CreateDB(
		context.Background(),
		filepath.Join(t.TempDir(), "sonnetbot.sqlite3"),
		slog.Default().Handler(),
		DefaultDatabaseSlowThreshold,
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return newSettingsStore(db, nil)
}

func TestSettingsStore_MissingRowIsNotAnError(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	channelID, err := store.GetResponseChannel(context.Background(), "guild-1")
	require.NoError(t, err)
	assert.Empty(t, channelID)
}

func TestSettingsStore_SetAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SetResponseChannel(ctx, "guild-1", "42"))

	channelID, err := store.GetResponseChannel(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, "42", channelID)

	// other guilds are unaffected
	channelID, err = store.GetResponseChannel(ctx, "guild-2")
	require.NoError(t, err)
	assert.Empty(t, channelID)
}

func TestSettingsStore_UpsertLastWriteWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SetResponseChannel(ctx, "guild-1", "42"))
	require.NoError(t, store.SetResponseChannel(ctx, "guild-1", "43"))

	channelID, err := store.GetResponseChannel(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, "43", channelID)

	// still exactly one row for the guild
	var count int64
	err = store.db.Model(&ServerSetting{}).Where(
		"guild_id = ?", "guild-1",
	).Count(&count).Error
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCreateDB_Migrates(t *testing.T) {
	t.Parallel()
	db, err := CreateDB(
		context.Background(),
		filepath.Join(t.TempDir(), "sonnetbot.sqlite3"),
		slog.Default().Handler(),
		DefaultDatabaseSlowThreshold,
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)

	assert.True(t, db.Migrator().HasTable(&ServerSetting{}))

	var setting ServerSetting
	err = db.Where("guild_id = ?", "nope").Take(&setting).Error
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
