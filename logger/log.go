// Package logger is the process-wide structured logger, backed by zap.
package logger

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// current is swapped whole by Configure and Use, so helpers may log while the level changes.
var current atomic.Pointer[zap.SugaredLogger]

func init() {
	Use(newZapLogger(zapcore.InfoLevel, "console"))
}

type Config struct {
	Format string `help:"Format to write log lines in" enum:"console,json" default:"console"`
	Level  string `help:"Lowest log level that will be emitted" enum:"debug,info,warn,error" default:"info"`
}

// Configure replaces the process logger with one built from cfg.
func (cfg *Config) Configure() error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		return errors.WithStack(err)
	}
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format != "console" && format != "json" {
		return errors.New("log-format must be one of 'console' or 'json'")
	}
	Use(newZapLogger(level, format))
	return nil
}

// Use installs l as the process logger.
func Use(l *zap.Logger) {
	current.Store(l.Sugar())
}

func newZapLogger(level zapcore.Level, encoding string) *zap.Logger {
	conf := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			MessageKey:     "M",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     func(t time.Time, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString(t.Format("2006-01-02 15:04:05.999999")) },
			EncodeDuration: zapcore.StringDurationEncoder,
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stdout"},
		DisableCaller:     true,
		DisableStacktrace: true,
	}
	l, err := conf.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// DebugEnabled reports whether debug lines are currently emitted.
func DebugEnabled() bool {
	return current.Load().Desugar().Core().Enabled(zapcore.DebugLevel)
}

// Named returns a child logger tagged with the given component name. It keeps the logger that was
// current when it was created.
func Named(name string) *zap.SugaredLogger {
	return current.Load().Named(name)
}

func Debugf(format string, args ...interface{}) {
	current.Load().Debugf(format, args...)
}

func Info(args ...interface{}) {
	current.Load().Info(args...)
}

func Infof(format string, args ...interface{}) {
	current.Load().Infof(format, args...)
}

func Warn(args ...interface{}) {
	current.Load().Warn(args...)
}

func Warnf(format string, args ...interface{}) {
	current.Load().Warnf(format, args...)
}

func Error(args ...interface{}) {
	current.Load().Error(args...)
}

func Errorf(format string, args ...interface{}) {
	current.Load().Errorf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	current.Load().Fatalf(format, args...)
}

// Sync flushes buffered log entries. Call it before the process exits.
func Sync() {
	_ = current.Load().Sync()
}
