package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerFactoryRejectsBadLevel(t *testing.T) {
	t.Parallel()

	_, err := NewLoggerFactory(&LogConfig{Level: "loud", Encoding: "json", OutputPath: "stdout"})
	assert.Error(t, err)
}

func TestGetLoggerCaches(t *testing.T) {
	t.Parallel()

	factory, err := NewLoggerFactory(&LogConfig{Level: "info", Encoding: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	first := factory.GetLogger("analytics")
	second := factory.GetLogger("analytics")
	assert.Same(t, first, second)
}

// TestModuleLevelOverride verifies that a per-component level opens up
// debug logging for that component only.
func TestModuleLevelOverride(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "app.log")
	factory, err := NewLoggerFactory(&LogConfig{
		OutputPath:        path,
		Level:             "info",
		ModuleLevels:      map[string]string{"storage": "debug"},
		Encoding:          "json",
		DisableStacktrace: true,
	})
	require.NoError(t, err)

	factory.Root().Debug("root debug suppressed")
	factory.GetLogger("api").Debug("api debug suppressed")
	factory.GetLogger("storage").Debug("storage debug visible")
	factory.Root().Info("root info visible")
	require.NoError(t, factory.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.NotContains(t, content, "root debug suppressed")
	assert.NotContains(t, content, "api debug suppressed")
	assert.Contains(t, content, "storage debug visible")
	assert.Contains(t, content, "root info visible")
}
