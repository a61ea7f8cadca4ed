package config_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlastools/plaudgrab/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_Defaults(t *testing.T) {
	downloadsDir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf("downloads:\n  dir: %s\n", downloadsDir))

	conf, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", conf.Log.Level)
	assert.Equal(t, "pretty", conf.Log.Format)
	assert.Equal(t, "https://api.plaud.ai", conf.Plaud.APIBase)
	assert.Equal(t, "plaudgrab.db", conf.Plaud.StatePath)
	assert.Equal(t, downloadsDir, conf.Downloads.Dir)
	assert.Equal(t, "none", conf.Downloads.PostAction)
	assert.Equal(t, 250, conf.Scan.SettleMS)
	assert.Equal(t, 2000, conf.Probe.TimeoutMS)
}

func TestLoad_FullConfig(t *testing.T) {
	downloadsDir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`log:
  level: debug
  format: json
plaud:
  api_base: https://api-apne1.plaud.ai
  state_path: /tmp/plaudgrab-test.db
downloads:
  dir: %s
  subdir: plaud
  post_action: move
  move_target_tag: "42"
  include_metadata: true
scan:
  settle_ms: 50
probe:
  token_file: /tmp/plaud-token.json
  timeout_ms: 500
`, downloadsDir))

	conf, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", conf.Log.Level)
	assert.Equal(t, "json", conf.Log.Format)
	assert.Equal(t, "https://api-apne1.plaud.ai", conf.Plaud.APIBase)
	assert.Equal(t, "plaud", conf.Downloads.Subdir)
	assert.Equal(t, "move", conf.Downloads.PostAction)
	assert.Equal(t, "42", conf.Downloads.MoveTargetTag)
	assert.True(t, conf.Downloads.IncludeMetadata)
	assert.Equal(t, 50, conf.Scan.SettleMS)
	assert.Equal(t, "/tmp/plaud-token.json", conf.Probe.TokenFile)
	assert.Equal(t, 500, conf.Probe.TimeoutMS)
}

func TestLoad_TokenFromEnvironment(t *testing.T) {
	t.Setenv("PLAUD_TOKEN", "env.tok.x")

	path := writeConfig(t, fmt.Sprintf("downloads:\n  dir: %s\n", t.TempDir()))

	conf, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env.tok.x", conf.Probe.Token)
}

func TestLoad_ValidationFailures(t *testing.T) {
	downloadsDir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "invalid log level",
			content: fmt.Sprintf("log:\n  level: verbose\ndownloads:\n  dir: %s\n", downloadsDir),
		},
		{
			name:    "invalid log format",
			content: fmt.Sprintf("log:\n  format: xml\ndownloads:\n  dir: %s\n", downloadsDir),
		},
		{
			name:    "invalid post action",
			content: fmt.Sprintf("downloads:\n  dir: %s\n  post_action: shred\n", downloadsDir),
		},
		{
			name:    "move without target tag",
			content: fmt.Sprintf("downloads:\n  dir: %s\n  post_action: move\n", downloadsDir),
		},
		{
			name:    "missing downloads dir",
			content: "downloads:\n  dir: /definitely/not/a/real/dir\n",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := config.Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
