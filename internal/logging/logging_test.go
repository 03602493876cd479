package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	ctx := context.Background()

	if !New("debug", "text").Enabled(ctx, slog.LevelDebug) {
		t.Error("Expected debug level to be enabled")
	}
	if New("error", "text").Enabled(ctx, slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
	if !New("", "json").Enabled(ctx, slog.LevelInfo) {
		t.Error("Expected info to be the default level")
	}
}

func TestNewTo_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTo(&buf, "info", "json")

	logger.Info("pin checked", "pin", "1234", "private_key", "deadbeef", "deal_id", "dl_1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "[redacted]", line["pin"])
	assert.Equal(t, "[redacted]", line["private_key"])
	assert.Equal(t, "dl_1", line["deal_id"])
}

func TestWithRequestID_And_RequestID(t *testing.T) {
	ctx := context.Background()

	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	ctx = WithRequestID(ctx, "req-456")
	if id := RequestID(ctx); id != "req-456" {
		t.Errorf("Expected req-456, got %q", id)
	}
}

func TestWithLogger_And_FromContext(t *testing.T) {
	ctx := context.Background()

	if FromContext(ctx) == nil {
		t.Fatal("Expected default logger")
	}

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	if FromContext(ctx) != custom {
		t.Error("Expected custom logger from context")
	}
}

func TestL_AddsRequestAndCaller(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewTo(&buf, "info", "json"))
	ctx = WithRequestID(ctx, "req-9")
	ctx = WithCaller(ctx, "tg:42")

	L(ctx).Info("deal accepted")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-9", line["request_id"])
	assert.Equal(t, "tg:42", line["caller_id"])
	assert.Equal(t, "tg:42", CallerID(ctx))
}
