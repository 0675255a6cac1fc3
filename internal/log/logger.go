package log

import (
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where and how verbosely logs are written.
type Options struct {
	Level string
	// File enables rotating file output instead of Output.
	File   string
	Output io.Writer
}

// Logger provides structured logging with a few domain helpers.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// New creates a JSON logger.
func New(opts Options) *Logger {
	level := zap.NewAtomicLevelAt(ParseLevel(opts.Level))

	var w zapcore.WriteSyncer
	switch {
	case opts.File != "":
		w = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	case opts.Output != nil:
		w = zapcore.AddSync(opts.Output)
	default:
		w = zapcore.Lock(os.Stderr)
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.RFC3339TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), w, level)
	return &Logger{Logger: zap.New(core), level: level}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// SetLevel changes the level at runtime, e.g. after a config reload.
func (l *Logger) SetLevel(level string) {
	l.level.SetLevel(ParseLevel(level))
}

// LogProbeOutcome logs one probe result. Failures are warnings; successes
// are debug so a large target set does not flood the log.
func (l *Logger) LogProbeOutcome(target, kind, status string, elapsed time.Duration, reason string, err error) {
	fields := []zap.Field{
		zap.String("target", target),
		zap.String("probe_type", kind),
		zap.String("status", status),
		zap.Float64("latency_ms", float64(elapsed.Microseconds())/1000),
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	if status == "success" {
		l.Debug("probe succeeded", fields...)
	} else {
		l.Warn("probe failed", fields...)
	}
}

// LogConfigLoad logs a config load event.
func (l *Logger) LogConfigLoad(success bool, path string, err error) {
	if success {
		l.Info("config loaded", zap.String("path", path))
		return
	}
	l.Error("config load failed", zap.String("path", path), zap.Error(err))
}

// LogConfigRejected logs a config document that was refused.
func (l *Logger) LogConfigRejected(err error) {
	l.Error("config rejected, keeping previous snapshot", zap.Error(err))
}

// LogSnapshotAdopted logs a snapshot becoming active.
func (l *Logger) LogSnapshotAdopted(targets int, interval, timeout time.Duration) {
	l.Info("snapshot adopted",
		zap.Int("targets", targets),
		zap.Duration("interval", interval),
		zap.Duration("default_timeout", timeout),
	)
}

// LogError logs a general error
func (l *Logger) LogError(component string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("component", component), zap.Error(err))
	l.Error("error occurred", fields...)
}

// ParseLevel parses a log level string
func ParseLevel(levelStr string) zapcore.Level {
	switch strings.ToLower(levelStr) {
	case "trace", "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
