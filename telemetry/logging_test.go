package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := WithInstanceID(NewLogger(&buf, "INFO", "json"), 42)
	logger.Debug("hidden")
	logger.Info("visible", "step_id", "s1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "visible", rec["msg"])
	assert.Equal(t, "42", rec["instance_id"])
	assert.Equal(t, "s1", rec["step_id"])

	buf.Reset()
	NewLogger(&buf, "DEBUG", "text").Debug("shown")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestContextLogger(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))

	var buf bytes.Buffer
	logger := WithCheckpointID(NewLogger(&buf, "INFO", "text"), "cp-1")
	ctx := WithLogger(context.Background(), logger)
	FromContext(ctx).Info("resolved")
	assert.Contains(t, buf.String(), "checkpoint_id=cp-1")
}
