package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"TRACE", slog.LevelDebug, true},
		{"info", slog.LevelInfo, true},
		{" warning ", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"", slog.LevelInfo, false},
		{"loud", slog.LevelInfo, false},
	}
	for _, tc := range cases {
		got, ok := ParseLevel(tc.in)
		require.Equal(t, tc.want, got, tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
	}
}

func TestNewJSON(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvLogFormat, "")
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Format: "json", Output: &buf})

	l.Info("hidden")
	l.Warn("shown", "key", 1)
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"msg":"shown"`)
	require.Contains(t, buf.String(), `"service":"graphql-ipc"`)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLogFormat, "json")
	var buf bytes.Buffer
	l := New(Config{Level: "error", Format: "text", Output: &buf})

	l.Debug("visible")
	require.Contains(t, buf.String(), `"msg":"visible"`)
}

func TestUnknownEnvLevelIsIgnored(t *testing.T) {
	t.Setenv(EnvLogLevel, "loud")
	t.Setenv(EnvLogFormat, "")
	var buf bytes.Buffer
	l := New(Config{Level: "error", Output: &buf})

	l.Warn("dropped")
	require.Empty(t, buf.String())
}

func TestConfigureSetsDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	l := Configure(Config{Output: &bytes.Buffer{}})
	require.Same(t, l, slog.Default())
}
