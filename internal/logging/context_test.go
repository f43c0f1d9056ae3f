package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", SessionID(ctx))
	assert.Equal(t, "", FlowID(ctx))
	assert.Equal(t, "", NodeID(ctx))
	assert.Equal(t, "", RequestID(ctx))

	ctx = WithStep(ctx, "sess-1", "flow-1", "node-1")
	ctx = WithRequestID(ctx, "req-9")

	assert.Equal(t, "sess-1", SessionID(ctx))
	assert.Equal(t, "flow-1", FlowID(ctx))
	assert.Equal(t, "node-1", NodeID(ctx))
	assert.Equal(t, "req-9", RequestID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithStep(context.Background(), "sess-abc", "flow-x", "ask_name")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "session_id=sess-abc")
	assert.Contains(t, output, "flow_id=flow-x")
	assert.Contains(t, output, "node_id=ask_name")
	assert.NotContains(t, output, "request_id")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogWith(context.Background(), logger).Info("no context")

	output := buf.String()
	assert.NotContains(t, output, "session_id")
	assert.Contains(t, output, "no context")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithSessionID(context.Background(), "sess-auto")
	ctx = WithRequestID(ctx, "req-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"session_id":"sess-auto"`)
	assert.Contains(t, output, `"request_id":"req-auto"`)
	assert.NotContains(t, output, "node_id")
}

func TestCorrelationHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "engine")}).WithGroup("step"))

	ctx := WithNodeID(context.Background(), "hook")
	logger.InfoContext(ctx, "grouped", "key", "val")

	output := buf.String()
	assert.Contains(t, output, `"component":"engine"`)
	assert.Contains(t, output, "hook")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewFormats(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info", "text").Info("plain", "k", "v")
	assert.Contains(t, buf.String(), "k=v")

	buf.Reset()
	New(&buf, "info", "json").Debug("hidden")
	assert.Empty(t, buf.String())
}
