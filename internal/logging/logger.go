// Package logging provides structured logging for the diamond search core.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a logging verbosity level.
type Level int

const (
	// LevelDebug is the most verbose level.
	LevelDebug Level = iota
	// LevelInfo is for informational messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

// ParseLevel parses a string into a Level, defaulting to LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Format selects the log encoding.
type Format int

const (
	// FormatConsole is a human-readable console encoding, used in development.
	FormatConsole Format = iota
	// FormatJSON is a structured JSON encoding, used in production.
	FormatJSON
)

// ParseFormat parses a string into a Format, defaulting to FormatConsole.
func ParseFormat(s string) Format {
	if s == "json" {
		return FormatJSON
	}
	return FormatConsole
}

// Config holds logger construction options.
type Config struct {
	Level  string
	Format string
}

// New builds a *zap.SugaredLogger per cfg. Every component in the core takes
// one of these by constructor injection rather than reaching for a global.
func New(cfg Config) *zap.SugaredLogger {
	level := ParseLevel(cfg.Level)
	format := ParseFormat(cfg.Format)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if format == FormatJSON {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level.zapLevel())
	return zap.New(core).Sugar()
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
