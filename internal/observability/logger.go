// File: internal/observability/logger.go
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/xkilldash9x/browsegraph/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	once         sync.Once
)

const ansiReset = "\x1b[0m"

// ansiColors translates the friendly names used in config to terminal escapes.
var ansiColors = map[string]string{
	"black":   "\x1b[30m",
	"red":     "\x1b[31m",
	"green":   "\x1b[32m",
	"yellow":  "\x1b[33m",
	"blue":    "\x1b[34m",
	"magenta": "\x1b[35m",
	"cyan":    "\x1b[36m",
	"white":   "\x1b[37m",
}

// Initialize builds the process wide logger. Only the first call has any effect
// until ResetForTest is used.
func Initialize(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) {
	once.Do(func() {
		level := zap.NewAtomicLevel()
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}

		cores := []zapcore.Core{zapcore.NewCore(newEncoder(cfg), consoleWriter, level)}

		if cfg.LogFile != "" {
			// Run transcripts on disk are always JSON so they can be replayed by tooling.
			rotating := &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			}
			cores = append(cores, zapcore.NewCore(
				newEncoder(config.LoggerConfig{Format: "json"}),
				zapcore.AddSync(rotating),
				level,
			))
		}

		opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
		if cfg.AddSource {
			opts = append(opts, zap.AddCaller())
		}

		logger := zap.New(zapcore.NewTee(cores...), opts...)
		if cfg.ServiceName != "" {
			logger = logger.Named(cfg.ServiceName)
		}
		globalLogger.Store(logger)

		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// InitializeLogger wires console output to a locked stdout.
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stdout))
}

// ResetForTest clears the global logger. Tests only.
func ResetForTest() {
	globalLogger.Store(nil)
	once = sync.Once{}
}

// RunLogger scopes a logger to one agent run so every line carries its identifiers.
func RunLogger(base *zap.Logger, sessionID, taskID string) *zap.Logger {
	if base == nil {
		base = GetLogger()
	}
	return base.With(zap.String("session_id", sessionID), zap.String("task_id", taskID))
}

func colorLevelEncoder(colors config.ColorConfig) zapcore.LevelEncoder {
	byLevel := map[zapcore.Level]string{
		zapcore.DebugLevel:  colors.Debug,
		zapcore.InfoLevel:   colors.Info,
		zapcore.WarnLevel:   colors.Warn,
		zapcore.ErrorLevel:  colors.Error,
		zapcore.DPanicLevel: colors.DPanic,
		zapcore.PanicLevel:  colors.Panic,
		zapcore.FatalLevel:  colors.Fatal,
	}
	return func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		label := strings.ToUpper(level.String())
		code, ok := ansiColors[byLevel[level]]
		if !ok {
			enc.AppendString(label)
			return
		}
		enc.AppendString(code + label + ansiReset)
	}
}

// newEncoder returns the colorized console encoder for "console" and JSON otherwise.
func newEncoder(cfg config.LoggerConfig) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")

	if cfg.Format == "console" {
		encCfg.EncodeLevel = colorLevelEncoder(cfg.Colors)
		// Trailing dot keeps the component visually separate from the message.
		encCfg.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(name + ".")
		}
		return zapcore.NewConsoleEncoder(encCfg)
	}

	encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	return zapcore.NewJSONEncoder(encCfg)
}

// GetLogger returns the global logger, or a development fallback when nothing
// has been initialized yet.
func GetLogger() *zap.Logger {
	if logger := globalLogger.Load(); logger != nil {
		return logger
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	l.Warn("Global logger requested before initialization; using fallback.")
	return l.Named("fallback")
}

// Sync flushes buffered entries. Errors from syncing terminals are expected and dropped.
func Sync() {
	logger := globalLogger.Load()
	if logger == nil {
		return
	}
	if err := logger.Sync(); err != nil {
		msg := err.Error()
		if strings.Contains(msg, "sync /dev/stdout") ||
			strings.Contains(msg, "invalid argument") ||
			strings.Contains(msg, "inappropriate ioctl") ||
			strings.Contains(msg, "operation not supported") {
			return
		}
		fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
	}
}
