package main

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("component", "relay").WithGroup("req").Info("stream opened", "mode", 1)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF stream opened")
	assert.Contains(t, out, " component=relay")
	assert.Contains(t, out, " req.mode=1")
}

func TestRunModes(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	assert.NoError(t, runModes(&buf))

	out := buf.String()
	assert.Contains(t, out, "Direct")
	assert.Contains(t, out, "Autonomous")
	assert.Contains(t, out, "checkpoints=required")
	assert.Contains(t, out, "checkpoints=policy")
}
