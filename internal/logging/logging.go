package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the process logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	Output string // stderr, stdout or a file path
}

type Logger struct {
	core *zap.Logger
}

var (
	mu  sync.RWMutex
	std = &Logger{core: zap.NewNop()}
)

// Init builds the process logger from opts.
func Init(opts Options) error {
	var w io.Writer
	switch opts.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log output: %w", err)
		}
		w = f
	}
	return InitWriter(w, opts)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, opts Options) error {
	var lvl zapcore.Level
	if opts.Level == "" {
		lvl = zapcore.InfoLevel
	} else if err := lvl.UnmarshalText([]byte(opts.Level)); err != nil {
		return fmt.Errorf("invalid log level %q", opts.Level)
	}

	encCfg := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "lvl",
		TimeKey:        "ts",
		NameKey:        "logger",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: func(d time.Duration, enc zapcore.PrimitiveArrayEncoder) { enc.AppendInt64(d.Milliseconds()) },
	}
	var enc zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return fmt.Errorf("invalid log format %q", opts.Format)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), zap.NewAtomicLevelAt(lvl))
	mu.Lock()
	std = &Logger{core: zap.New(core)}
	mu.Unlock()
	return nil
}

func current() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return std
}

// WithFields returns a logger that adds fields to every entry.
func WithFields(fields map[string]interface{}) *Logger {
	l := current()
	if len(fields) == 0 {
		return l
	}
	return &Logger{core: l.core.With(toFields(fields)...)}
}

func toFields(m map[string]interface{}) []zap.Field {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(m))
	for _, k := range keys {
		out = append(out, zap.Any(k, m[k]))
	}
	return out
}

func (l *Logger) Debug(msg string, extra map[string]interface{}) { l.core.Debug(msg, toFields(extra)...) }
func (l *Logger) Info(msg string, extra map[string]interface{})  { l.core.Info(msg, toFields(extra)...) }
func (l *Logger) Warn(msg string, extra map[string]interface{})  { l.core.Warn(msg, toFields(extra)...) }
func (l *Logger) Error(msg string, extra map[string]interface{}) { l.core.Error(msg, toFields(extra)...) }

// Top-level convenience wrappers
func Debug(msg string, extra map[string]interface{}) { current().Debug(msg, extra) }
func Info(msg string, extra map[string]interface{})  { current().Info(msg, extra) }
func Warn(msg string, extra map[string]interface{})  { current().Warn(msg, extra) }
func Error(msg string, extra map[string]interface{}) { current().Error(msg, extra) }

// Sync flushes buffered entries.
func Sync() {
	_ = current().core.Sync()
}
