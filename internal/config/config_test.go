package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 800, cfg.Engine.EscapeWindowMs)
	assert.Equal(t, 500, cfg.Engine.ReentryDelayMs)
	assert.Equal(t, 3, cfg.Policy.ViolationThreshold)
	assert.True(t, cfg.Policy.ZeroTolerance)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proctord.toml")
	content := `
version = 1

[engine]
escape_window_ms = 400
strict_clipboard = false

[policy]
violation_threshold = 5
critical_kinds = ["dev_tools", "screenshot"]
zero_tolerance = false

[logging]
level = "debug"
format = "json"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 400, cfg.Engine.EscapeWindowMs)
	assert.False(t, cfg.Engine.StrictClipboard)
	// Untouched sections keep their defaults.
	assert.Equal(t, 500, cfg.Engine.ReentryDelayMs)
	assert.Equal(t, 5, cfg.Policy.ViolationThreshold)
	assert.False(t, cfg.Policy.ZeroTolerance)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad version", "version = 99"},
		{"zero escape window", "version = 1\n[engine]\nescape_window_ms = 0"},
		{"zero threshold", "version = 1\n[policy]\nviolation_threshold = 0"},
		{"unknown kind", "version = 1\n[policy]\ncritical_kinds = [\"bogus\"]"},
		{"bad level", "version = 1\n[logging]\nlevel = \"loud\""},
		{"bad format", "version = 1\n[logging]\nformat = \"xml\""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "proctord.toml")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o644))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestGuardConfigUsesDefaultCriticalKindsWhenEmpty(t *testing.T) {
	cfg := Default()
	gc := cfg.GuardConfig()
	assert.NotEmpty(t, gc.CriticalKinds)

	cfg.Policy.CriticalKinds = []string{"dev_tools"}
	gc = cfg.GuardConfig()
	require.Len(t, gc.CriticalKinds, 1)
	assert.Equal(t, "dev_tools", string(gc.CriticalKinds[0]))
}

func TestLockdownConfigDurations(t *testing.T) {
	cfg := Default()
	lc := cfg.LockdownConfig()

	assert.Equal(t, 800*time.Millisecond, lc.EscapeExitWindow)
	assert.Equal(t, 500*time.Millisecond, lc.ReentryDelay)
	assert.Equal(t, 5*time.Second, lc.InitTimeout)
	assert.Equal(t, time.Second, lc.FocusPollInterval)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proctord.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = 1"), 0o644))

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	w, err := NewWatcher(path, logger)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	require.NoError(t, w.Start())
	defer w.Stop()

	updated := "version = 1\n[policy]\nviolation_threshold = 7\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-w.Reloads():
		assert.Equal(t, 7, cfg.Policy.ViolationThreshold)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherReportsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proctord.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = 1"), 0o644))

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	w, err := NewWatcher(path, logger)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("version = 99"), 0o644))

	select {
	case err := <-w.Errors():
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}
}
