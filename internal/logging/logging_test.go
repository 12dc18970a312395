package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo)).With("run", "r1")

	logger.Debug("hidden")
	logger.WithGroup("stage").Info("stage finished", "pairs", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO] stage finished [run=r1 stage.pairs=3]")
}

func TestRunHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	LogRunStart(logger, "stitch", "r1", "mosaic.yaml", map[string]any{"allowed_error": 20})
	LogRunComplete(logger, "stitch", "r1", 1500*time.Millisecond, map[string]any{"tiles": 4})
	LogRunError(logger, "stitch", "r2", time.Second, errors.New("boom"), nil)

	out := buf.String()
	assert.Contains(t, out, `"msg":"run started"`)
	assert.Contains(t, out, `"duration_ms":1500`)
	assert.Contains(t, out, `"error":"boom"`)
}
