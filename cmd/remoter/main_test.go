package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/Remoter/internal/model"
	"github.com/stretchr/testify/require"
)

const quietConfig = `
version: 0
repository:
  remote: %s
  branch: main
service:
  log: discard
`

// isolate resets the command state and points every config location into
// temporary directories. It returns the user config dir and the working dir.
func isolate(t *testing.T) (string, string) {
	t.Helper()
	userConfigPath = t.TempDir()
	cwd := t.TempDir()
	t.Chdir(cwd)
	t.Setenv("REMOTERCONFIG", "")

	configPath = ""
	config = model.Config{}
	flagConfigFilePath = ""
	flagVerbose = false
	flagKind = ""
	flagLimit = 20

	logger := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(logger)
	})
	return userConfigPath, cwd
}

func writeConfig(t *testing.T, dir, remote string) string {
	t.Helper()
	path := filepath.Join(dir, "remoter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(quietConfig, remote)), 0o644))
	return path
}

func execute(args ...string) error {
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestConfigLookup(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    func(t *testing.T, userDir, cwd string) []string
		then     string // expected remote
	}{
		{
			scenario: "env wins over flag",
			given: func(t *testing.T, userDir, cwd string) []string {
				t.Setenv("REMOTERCONFIG", writeConfig(t, t.TempDir(), "env"))
				return []string{"--config", writeConfig(t, t.TempDir(), "flag"), "version"}
			},
			then: "env",
		},
		{
			scenario: "flag",
			given: func(t *testing.T, userDir, cwd string) []string {
				writeConfig(t, userDir, "user")
				return []string{"--config", writeConfig(t, t.TempDir(), "flag"), "version"}
			},
			then: "flag",
		},
		{
			scenario: "user config dir before working dir",
			given: func(t *testing.T, userDir, cwd string) []string {
				writeConfig(t, userDir, "user")
				writeConfig(t, cwd, "cwd")
				return []string{"version"}
			},
			then: "user",
		},
		{
			scenario: "working dir",
			given: func(t *testing.T, userDir, cwd string) []string {
				writeConfig(t, cwd, "cwd")
				return []string{"version"}
			},
			then: "cwd",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			userDir, cwd := isolate(t)
			args := tc.given(t, userDir, cwd)
			require.NoError(t, execute(args...))
			require.Equal(t, tc.then, config.Repository.Remote)
			require.FileExists(t, configPath)
		})
	}
}

func TestDefaultConfigWritten(t *testing.T) {
	userDir, cwd := isolate(t)
	require.NoError(t, execute("version"))

	require.Equal(t, filepath.Join(userDir, "remoter.yaml"), configPath)
	b, err := os.ReadFile(configPath)
	require.NoError(t, err)
	require.Contains(t, string(b), "remote: origin")
	require.Contains(t, string(b), "branch: main")
	require.NotContains(t, string(b), "path:")

	f, err := os.Open(configPath)
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
	}()
	loaded, err := model.LoadConfig(f)
	require.NoError(t, err)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.Equal(t, wd, loaded.Request().Location)
	require.NoFileExists(t, filepath.Join(cwd, "remoter.yaml"))
}

func TestVerboseOverride(t *testing.T) {
	userDir, _ := isolate(t)
	writeConfig(t, userDir, "origin")

	require.NoError(t, execute("version"))
	require.False(t, config.Verbose())
	require.False(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))

	isolate(t)
	writeConfig(t, userConfigPath, "origin")
	require.NoError(t, execute("--verbose", "version"))
	require.True(t, config.Verbose())
	require.True(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))
}

func TestInvalidConfig(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "remoter.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 0\nrepository:\n  remote: origin\n"), 0o644))

	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := execute("--config", path, "version")
	require.Error(t, err)
	require.ErrorContains(t, err, "parsing config")
	require.Contains(t, buf.String(), "invalid configuration")
	require.Contains(t, buf.String(), `"path":"repository.branch"`)
	require.Contains(t, buf.String(), `"code":"missing_required"`)
}

func TestHistoryCommand(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "remoter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(quietConfig, "origin")), 0o644))
	err := execute("--config", path, "history")
	require.ErrorContains(t, err, "history is not enabled")

	isolate(t)
	db := filepath.Join(t.TempDir(), "history.db")
	yml := fmt.Sprintf(quietConfig, "origin") + "history:\n  enabled: true\n  path: " + db + "\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	require.NoError(t, execute("--config", path, "history", "--kind", "fetch"))
	require.FileExists(t, db)
}
