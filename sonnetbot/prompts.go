package sonnetbot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	systemPromptFile = "systemprompt.md"
	headerPromptFile = "headerprompt.md"
)

// PromptStore reads the static instruction text used for completion
// requests. Files are read at call time so they can be edited without
// restarting the bot; a missing file is an error the caller reports to
// the invoking channel.
type PromptStore struct {
	dir string
}

func NewPromptStore(dir string) *PromptStore {
	return &PromptStore{dir: dir}
}

// SystemPrompt returns the instruction text prepended to conversation
// completion requests.
func (p *PromptStore) SystemPrompt() (string, error) {
	return p.read(systemPromptFile)
}

// HeaderPrompt returns the instruction text used to generate thread
// titles.
func (p *PromptStore) HeaderPrompt() (string, error) {
	return p.read(headerPromptFile)
}

func (p *PromptStore) read(name string) (string, error) {
	path := filepath.Join(p.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("error reading prompt %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}
