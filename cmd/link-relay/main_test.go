// ABOUTME: Tests for config path resolution and the colorized log handler
// ABOUTME: Redirects color output to a buffer with colors disabled

package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/link-relay/internal/config"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("LINK_RELAY_CONFIG", "/etc/link-relay.toml")
	assert.Equal(t, "/etc/link-relay.toml", getConfigPath())

	t.Setenv("LINK_RELAY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "link-relay", "config.yaml"), getConfigPath())

	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "/home/relay")
	assert.Equal(t, filepath.Join("/home/relay", ".config", "link-relay", "config.yaml"), getConfigPath())
}

func TestLoadConfig_FallsBackToEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LINK_RELAY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("BOT_TOKEN", "")
	t.Setenv("APP_URL", "")
	t.Setenv("PORT", "4100")

	cfg, source, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, envSource, source)
	assert.Equal(t, ":4100", cfg.Server.HTTPAddr)
}

func TestLoadConfig_ExplicitPathMustExist(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LINK_RELAY_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	_, _, err := loadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_ReadsFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BOT_TOKEN", "")
	t.Setenv("PORT", "")
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_addr: \":7000\"\ndatabase:\n  path: \":memory:\"\n"), 0644))
	t.Setenv("LINK_RELAY_CONFIG", path)

	cfg, source, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, path, source)
	assert.Equal(t, ":7000", cfg.Server.HTTPAddr)
}

func captureColorOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	oldOut, oldNoColor := color.Output, color.NoColor
	color.Output, color.NoColor = &buf, true
	t.Cleanup(func() { color.Output, color.NoColor = oldOut, oldNoColor })
	return &buf
}

func TestColorHandler(t *testing.T) {
	buf := captureColorOutput(t)

	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"})
	logger.With("component", "server").WithGroup("req").Info("handled", "status", 200)
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "INF handled")
	assert.Contains(t, out, "component=server")
	assert.Contains(t, out, "req.status=200")
	assert.NotContains(t, out, "hidden")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestSetupLogger_Levels(t *testing.T) {
	captureColorOutput(t)

	for level, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	} {
		logger := setupLogger(config.LoggingConfig{Level: level})
		assert.True(t, logger.Handler().Enabled(t.Context(), want), "level %q", level)
		if want > slog.LevelDebug {
			assert.False(t, logger.Handler().Enabled(t.Context(), want-4), "level %q", level)
		}
	}
}
