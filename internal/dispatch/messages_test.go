package dispatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMessagesComplete(t *testing.T) {
	require.NoError(t, DefaultMessages().Validate())
}

func TestLoadMessagesOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.yaml")
	require.NoError(t, os.WriteFile(path, []byte("welcome: \"Hello {name}\"\n"), 0o600))

	m, err := LoadMessages(path)
	require.NoError(t, err)
	assert.Equal(t, "Hello {name}", m.Welcome)
	assert.Equal(t, DefaultMessages().ChooseMode, m.ChooseMode)
}

func TestLoadMessagesRejectsBlank(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.yaml")
	require.NoError(t, os.WriteFile(path, []byte("choose_mode: \"  \"\n"), 0o600))

	_, err := LoadMessages(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "choose_mode")

	_, err = LoadMessages(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestFill(t *testing.T) {
	assert.Equal(t, "Saved skills: Go", fill("Saved {section}: {draft}", "{section}", "skills", "{draft}", "Go"))
}
