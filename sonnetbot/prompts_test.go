package sonnetbot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTestPrompts(t, dir)
	store := NewPromptStore(dir)

	systemPrompt, err := store.SystemPrompt()
	require.NoError(t, err)
	assert.Equal(t, testSystemPrompt, systemPrompt)

	headerPrompt, err := store.HeaderPrompt()
	require.NoError(t, err)
	assert.Equal(t, testHeaderPrompt, headerPrompt)
}

func TestPromptStore_TrimsWhitespace(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(
		t,
		os.WriteFile(
			filepath.Join(dir, systemPromptFile),
			[]byte("\n\n  instructions here \n"),
			0600,
		),
	)
	store := NewPromptStore(dir)

	systemPrompt, err := store.SystemPrompt()
	require.NoError(t, err)
	assert.Equal(t, "instructions here", systemPrompt)
}

func TestPromptStore_MissingFile(t *testing.T) {
	t.Parallel()
	store := NewPromptStore(t.TempDir())

	_, err := store.SystemPrompt()
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = store.HeaderPrompt()
	require.Error(t, err)
}

// Prompt files are read at call time, so edits take effect without a
// restart.
func TestPromptStore_ReloadsOnEdit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTestPrompts(t, dir)
	store := NewPromptStore(dir)

	first, err := store.SystemPrompt()
	require.NoError(t, err)

	require.NoError(
		t,
		os.WriteFile(
			filepath.Join(dir, systemPromptFile),
			[]byte("updated instructions"),
			0600,
		),
	)
	second, err := store.SystemPrompt()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, "updated instructions", second)
}
