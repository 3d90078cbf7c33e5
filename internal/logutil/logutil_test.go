package logutil

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace)

	Trace(logger, "tensor shapes", "batch", 8)
	logger.Info("epoch done", "loss", 0.5)

	out := buf.String()
	assert.Contains(t, out, "level=TRACE")
	assert.Contains(t, out, "msg=\"tensor shapes\" batch=8")
	assert.Contains(t, out, "source=logutil_test.go:")
	assert.Contains(t, out, "level=INFO")
}

func TestTrace_Disabled(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)

	Trace(logger, "hidden")
	logger.Debug("hidden too")
	assert.Empty(t, buf.String())
}

func TestLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, Level(false, false))
	assert.Equal(t, slog.LevelDebug, Level(true, false))
	assert.Equal(t, LevelTrace, Level(true, true))
}
