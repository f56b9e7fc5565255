package logger

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

// Log is the process logger. It is a no-op logger until Init is called so
// packages can log from tests without setup.
var Log = zap.NewNop()

var level = zap.NewAtomicLevelAt(zap.InfoLevel)

// Init builds the JSON logger.
// name: process name attached to every entry (e.g. "xdp-ticker")
// lvl: debug, info, warn, error
// logFile: optional file written in addition to stderr; empty means stderr only
func Init(name string, lvl string, logFile string) {
	if err := SetLevel(lvl); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	// stdout belongs to the ticker output, logs go to stderr.
	writeSyncers := []zapcore.WriteSyncer{
		zapcore.AddSync(os.Stderr),
	}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err == nil {
			file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writeSyncers = append(writeSyncers, zapcore.AddSync(file))
			}
		}
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		level,
	)

	// caller skip 1: the helpers below wrap Log.
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).With(zap.String("service", name))
}

// SetLevel changes the level of the running logger.
func SetLevel(lvl string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(lvl)); err != nil {
		return err
	}
	level.SetLevel(l)
	return nil
}

// Level reports the current level.
func Level() zapcore.Level { return level.Level() }

// WithRunID stores the run id that every ctx-aware log call appends.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, runID)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	extractRunID(ctx, &fields)
	Log.Info(msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	extractRunID(ctx, &fields)
	Log.Error(msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	extractRunID(ctx, &fields)
	Log.Warn(msg, fields...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	extractRunID(ctx, &fields)
	Log.Debug(msg, fields...)
}

func extractRunID(ctx context.Context, fields *[]zap.Field) {
	if ctx == nil {
		return
	}
	if runID, ok := ctx.Value(ctxKey{}).(string); ok && runID != "" {
		*fields = append(*fields, zap.String("run_id", runID))
	}
}

// Sync flushes buffered entries; call it from main before exit.
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
