package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in       string
		expected slog.Level
	}{
		{in: "debug", expected: slog.LevelDebug},
		{in: " WARN ", expected: slog.LevelWarn},
		{in: "error", expected: slog.LevelError},
		{in: "info", expected: slog.LevelInfo},
		{in: "", expected: slog.LevelInfo},
		{in: "bogus", expected: slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, parseLevel(tt.in), "level %q", tt.in)
	}
}

func TestConfigure_ReplacesDefault(t *testing.T) {
	Configure(Options{Level: "debug"})
	l := L()
	assert.NotNil(t, l)
	assert.True(t, l.Enabled(context.Background(), slog.LevelDebug))

	Configure(Options{Level: "error", JSON: true})
	assert.False(t, L().Enabled(context.Background(), slog.LevelDebug))
}

func TestInitFromEnv(t *testing.T) {
	t.Setenv("GOSEG_LOG_LEVEL", "warn")
	t.Setenv("GOSEG_LOG_JSON", "true")
	InitFromEnv()
	assert.True(t, L().Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, L().Enabled(context.Background(), slog.LevelInfo))
}
