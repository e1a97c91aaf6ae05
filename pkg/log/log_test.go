package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelMapping(t *testing.T) {
	tests := []struct {
		level    Level
		expected slog.Level
		valid    bool
	}{
		{DebugLevel, slog.LevelDebug, true},
		{InfoLevel, slog.LevelInfo, true},
		{WarnLevel, slog.LevelWarn, true},
		{ErrorLevel, slog.LevelError, true},
		{Level("WARN"), slog.LevelWarn, true},
		{Level("verbose"), slog.LevelInfo, false},
		{Level(""), slog.LevelInfo, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.level.SlogLevel())
			assert.Equal(t, tt.valid, tt.level.Valid())
		})
	}
}

func TestSetupWithOutput(t *testing.T) {
	var buf bytes.Buffer

	logger := SetupWithOutput(Config{Level: InfoLevel, Format: TextFormat}, &buf)
	require.NotNil(t, logger)

	logger.Info("record created", "record_id", "abc")
	assert.Contains(t, buf.String(), "record created")
	assert.Contains(t, buf.String(), "record_id=abc")

	buf.Reset()
	logger = SetupWithOutput(Config{Level: InfoLevel, Format: JSONFormat}, &buf)
	logger.Info("record created", "record_id", "abc")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "record created", entry["msg"])
	assert.Equal(t, "abc", entry["record_id"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer

	logger := SetupWithOutput(Config{Level: WarnLevel, Format: TextFormat}, &buf)
	logger.Info("info message")
	logger.Warn("warn message")

	assert.NotContains(t, buf.String(), "info message")
	assert.Contains(t, buf.String(), "warn message")
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := SetupWithOutput(Config{Level: DebugLevel, Format: TextFormat}, &buf)
	ctx := WithLogger(context.Background(), logger)

	FromContext(ctx).Info("context logger test")
	assert.Contains(t, buf.String(), "context logger test")

	buf.Reset()
	WithRecordContext(logger, "rec-1", "episodic").Info("access recorded")
	assert.Contains(t, buf.String(), "record_id=rec-1")
	assert.Contains(t, buf.String(), "category=episodic")

	// Without a logger the default is returned
	assert.Equal(t, slog.Default(), FromContext(context.Background()))
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer

	logger := SetupWithOutput(Config{Level: DebugLevel, Format: TextFormat}, &buf)
	ctx := WithLogger(context.Background(), logger)

	helpers := map[string]func(context.Context, string, ...any){
		"debug context": DebugContext,
		"info context":  InfoContext,
		"warn context":  WarnContext,
		"error context": ErrorContext,
	}
	for msg, fn := range helpers {
		t.Run(msg, func(t *testing.T) {
			buf.Reset()
			fn(ctx, msg)
			assert.Contains(t, buf.String(), msg)
		})
	}
}
