// ABOUTME: Tests for the CLI helpers: config path resolution, token flags and the color log handler
// ABOUTME: Token tests point COVEN_SESSIONS_CONFIG at a temporary config file

package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("COVEN_SESSIONS_CONFIG", "/etc/coven/custom.yaml")
	assert.Equal(t, "/etc/coven/custom.yaml", getConfigPath())

	t.Setenv("COVEN_SESSIONS_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "coven", "sessions.yaml"), getConfigPath())
}

func TestRunToken_FlagErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "missing principal", args: nil, wantErr: "--principal flag is required"},
		{name: "dangling flag", args: []string{"--principal"}, wantErr: "requires a value"},
		{name: "unknown flag", args: []string{"--name", "x"}, wantErr: "unknown flag"},
		{name: "bad ttl", args: []string{"--principal=alice", "--ttl=forever"}, wantErr: "--ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runToken(tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunToken_RequiresSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  path: x.db\n"), 0600))
	t.Setenv("COVEN_SESSIONS_CONFIG", path)

	err := runToken([]string{"--principal", "alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("session_id", "s1").WithGroup("turn").Info("started", "seq", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, "started")
	assert.Contains(t, out, "session_id=")
	assert.Contains(t, out, "turn.seq=")
}
