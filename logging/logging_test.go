package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStructuredLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&buf, slog.LevelInfo, "json")

	logger.Debug("hidden")
	logger.Info("shown", "k", "v")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "shown", record["msg"])
	assert.Equal(t, "v", record["k"])

	buf.Reset()
	logger = NewStructuredLogger(&buf, slog.LevelDebug, "text")
	logger.Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	} {
		level, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, level, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&buf, slog.LevelInfo, "json")

	LogError(logger, "build failed", errors.New("boom"), slog.String("source", "feed.zip"))

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "ERROR", record["level"])
	assert.Equal(t, "boom", record["error"])
	assert.Equal(t, "feed.zip", record["source"])

	// nil logger is a no-op
	LogError(nil, "ignored", errors.New("boom"))
}

func TestLogOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&buf, slog.LevelInfo, "json")

	LogOperation(logger, "index_built", slog.Int("trips", 3), slog.Duration("duration", 0))

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, float64(3), record["trips"])
	_, found := record["duration"]
	assert.False(t, found)

	buf.Reset()
	LogOperation(logger, "index_built", slog.Duration("duration", time.Second))
	assert.Contains(t, buf.String(), "duration")
}

func TestContextLogger(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := WithLogger(context.Background(), logger)
	assert.Equal(t, logger, FromContext(ctx))

	assert.Equal(t, slog.Default(), OrDefault(nil))
	assert.Equal(t, logger, OrDefault(logger))
}
