package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptd/draftsync/internal/config"
)

// Global flag reset pattern: newRootCmd() binds flags via StringVar/BoolVar,
// which reset the global flag variables to their zero values. Tests must set
// globals AFTER newRootCmd() returns, or use cmd.SetArgs() + cmd.Execute()
// to let Cobra parse flags.

func saveFlags(t *testing.T) {
	t.Helper()

	oldVerbose := flagVerbose
	oldQuiet := flagQuiet
	oldConfig := flagConfigPath
	oldEntity := flagEntity
	oldCfg := resolvedCfg

	t.Cleanup(func() {
		flagVerbose = oldVerbose
		flagQuiet = oldQuiet
		flagConfigPath = oldConfig
		flagEntity = oldEntity
		resolvedCfg = oldCfg
	})
}

func TestBuildLogger_Default(t *testing.T) {
	saveFlags(t)

	flagVerbose = false
	flagQuiet = false
	resolvedCfg = config.DefaultConfig()

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_Verbose(t *testing.T) {
	saveFlags(t)

	flagVerbose = true
	flagQuiet = false
	resolvedCfg = config.DefaultConfig()

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_Quiet(t *testing.T) {
	saveFlags(t)

	flagVerbose = false
	flagQuiet = true
	resolvedCfg = config.DefaultConfig()

	logger := buildLogger()

	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
}

func TestBuildLogger_ConfigLevel(t *testing.T) {
	saveFlags(t)

	flagVerbose = false
	flagQuiet = false
	resolvedCfg = config.DefaultConfig()
	resolvedCfg.Logging.Level = "debug"

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_QuietOverridesConfig(t *testing.T) {
	saveFlags(t)

	flagVerbose = false
	flagQuiet = true
	resolvedCfg = config.DefaultConfig()
	resolvedCfg.Logging.Level = "debug"

	logger := buildLogger()

	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	saveFlags(t)

	flagConfigPath = filepath.Join(t.TempDir(), "nope.toml")

	require.NoError(t, loadConfig())
	require.NotNil(t, resolvedCfg)
	assert.Equal(t, config.DefaultConfig().Autosave.Debounce, resolvedCfg.Autosave.Debounce)
}

func TestLoadConfig_ReadsFile(t *testing.T) {
	saveFlags(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[server]\nbase_url = \"https://drafts.example.com/v1\"\n\n[autosave]\ndebounce = \"500ms\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	flagConfigPath = path

	require.NoError(t, loadConfig())
	assert.Equal(t, "https://drafts.example.com/v1", resolvedCfg.Server.BaseURL)
	assert.Equal(t, "500ms", resolvedCfg.Autosave.Debounce)
}

func TestLoadConfig_InvalidFileFails(t *testing.T) {
	saveFlags(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[autosave]\ndebounce = \"1ms\"\n"), 0o600))

	flagConfigPath = path

	err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "debounce")
}

func TestFileTokenSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("secret-token\n"), 0o600))

	ts := &fileTokenSource{path: path}

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "secret-token", tok)
}

func TestFileTokenSource_Missing(t *testing.T) {
	ts := &fileTokenSource{path: filepath.Join(t.TempDir(), "nope")}

	_, err := ts.Token()
	require.Error(t, err)
}

func TestRequireEntity(t *testing.T) {
	saveFlags(t)

	flagEntity = ""
	_, err := requireEntity()
	require.Error(t, err)

	flagEntity = "scene-7"
	id, err := requireEntity()
	require.NoError(t, err)
	assert.Equal(t, "scene-7", id)
}

func TestNewRootCmd_RegistersSubcommands(t *testing.T) {
	cmd := newRootCmd()

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, want := range []string{"watch", "save", "status", "queue", "recover"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}
