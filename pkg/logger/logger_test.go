package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func captureLogger(buffer *bytes.Buffer) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "msg"
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(buffer),
		level,
	)
	return zap.New(core)
}

func TestLogger_Warn_WithRunID(t *testing.T) {
	buffer := &bytes.Buffer{}
	Log = captureLogger(buffer)
	require.NoError(t, SetLevel("info"))

	ctx := WithRunID(context.Background(), "run-42")
	Warn(ctx, "subscribe failed", zap.String("product", "IBM"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "subscribe failed", entry["msg"])
	assert.Equal(t, "IBM", entry["product"])
	assert.Equal(t, "run-42", entry["run_id"])
}

func TestLogger_Error_NoRunID(t *testing.T) {
	buffer := &bytes.Buffer{}
	Log = captureLogger(buffer)
	require.NoError(t, SetLevel("info"))

	Error(context.Background(), "register endpoint failed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry))
	_, exists := entry["run_id"]
	assert.False(t, exists)
	assert.Equal(t, "error", entry["level"])
}

func TestSetLevel_FiltersDebug(t *testing.T) {
	buffer := &bytes.Buffer{}
	Log = captureLogger(buffer)

	require.NoError(t, SetLevel("warn"))
	Debug(context.Background(), "hidden")
	Info(context.Background(), "hidden too")
	assert.Zero(t, buffer.Len())

	require.NoError(t, SetLevel("debug"))
	Debug(context.Background(), "shown")
	assert.NotZero(t, buffer.Len())
	assert.Equal(t, zapcore.DebugLevel, Level())

	assert.Error(t, SetLevel("loud"))
	require.NoError(t, SetLevel("info"))
}
