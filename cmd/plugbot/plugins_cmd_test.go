package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, root, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(content), 0o644))
	return dir
}

const pingManifest = `name: ping
aliases: [ping, p]
category: info
reply: pong
`

func TestRunPluginsUsage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, runPlugins(&buf, nil))
	assert.Contains(t, buf.String(), "validate <dir>")

	err := runPlugins(&buf, []string{"bogus"})
	assert.ErrorContains(t, err, "unknown plugins subcommand")
}

func TestRunPluginsList(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "ping", pingManifest)
	writeManifest(t, root, "gated", "name: gated\naliases: [secret]\ngates: [ownerOnly]\nreply: hi\n")

	var buf bytes.Buffer
	require.NoError(t, runPlugins(&buf, []string{"list", root}))
	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "ping,p")
	assert.Contains(t, out, "ownerOnly")
}

func TestRunPluginsListReportsErrors(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "ping", pingManifest)
	writeManifest(t, root, "broken", "name: broken\n")

	var buf bytes.Buffer
	err := runPlugins(&buf, []string{"list", root})
	require.Error(t, err)
	assert.Contains(t, buf.String(), "ping")
	assert.Contains(t, buf.String(), "ERROR:")
}

func TestRunPluginsListEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, runPluginsList(&buf, []string{filepath.Join(t.TempDir(), "missing")}))
	assert.Contains(t, buf.String(), "No plugins found.")
}

func TestRunPluginsValidate(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name     string
		manifest string
		wantErr  bool
		wantOut  string
	}{
		{"valid", pingManifest, false, `PASS: plugin "ping"`},
		{"schema violation", "name: x\naliases: []\nreply: hi\n", true, "FAIL"},
		{"bad template", "name: tmpl\naliases: [tmpl]\nreply: \"{{ .Nope\"\n", true, "FAIL"},
		{"unknown field", "name: y\naliases: [y]\nreply: hi\nextra: 1\n", true, "FAIL"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeManifest(t, root, filepath.Base(t.Name())+string(rune('a'+i)), tt.manifest)
			var buf bytes.Buffer
			err := runPlugins(&buf, []string{"validate", dir})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Contains(t, buf.String(), tt.wantOut)
		})
	}
}

func TestRunPluginsValidateMissing(t *testing.T) {
	var buf bytes.Buffer
	err := runPlugins(&buf, []string{"validate", t.TempDir()})
	assert.ErrorContains(t, err, "read manifest")

	assert.Error(t, runPlugins(&buf, []string{"validate"}))
}

func TestRunPluginsInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "weather")

	var buf bytes.Buffer
	require.NoError(t, runPlugins(&buf, []string{"init", dir}))
	assert.FileExists(t, filepath.Join(dir, "plugin.yaml"))

	buf.Reset()
	require.NoError(t, runPlugins(&buf, []string{"validate", dir}))
	assert.Contains(t, buf.String(), "PASS")

	assert.ErrorContains(t, runPlugins(&buf, []string{"init", dir}), "already exists")
	assert.ErrorContains(t, runPlugins(&buf, []string{"init", filepath.Join(t.TempDir(), "Bad Name")}), "invalid plugin name")
}

func TestPositional(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, positional([]string{"--config", "x.yaml", "a", "--config=y.yaml", "b"}))
	assert.Empty(t, positional(nil))
}

func TestConfigPath(t *testing.T) {
	t.Setenv("PLUGBOT_CONFIG", "")
	assert.Equal(t, "config.yaml", configPath([]string{"plugbot"}))
	assert.Equal(t, "a.yaml", configPath([]string{"plugbot", "--config", "a.yaml"}))
	assert.Equal(t, "b.yaml", configPath([]string{"plugbot", "--config=b.yaml"}))

	t.Setenv("PLUGBOT_CONFIG", "env.yaml")
	assert.Equal(t, "env.yaml", configPath([]string{"plugbot"}))
}
