// Package canarylog builds canary's structured logger on go.uber.org/zap,
// the structured-logging library used for resource-manager style
// components that need leveled, machine-parseable output.
package canarylog

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ColorMode mirrors the COLOR_WHEN environment variable.
type ColorMode int

const (
	ColorAuto ColorMode = iota
	ColorAlways
	ColorNever
)

// New builds a console logger. When sessionLog is non-nil, a second tee'd
// core writes one append-only JSON Lines file to it, under
// logs/canary-log.txt or a session's own log.
func New(level zapcore.Level, color ColorMode, sessionLog io.Writer) *zap.SugaredLogger {
	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.TimeKey = "ts"
	consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if color == ColorAlways || (color == ColorAuto && isTerminal(os.Stderr)) {
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleCfg),
		zapcore.Lock(os.Stderr),
		zap.NewAtomicLevelAt(level),
	)

	core := zapcore.Core(consoleCore)
	if sessionLog != nil {
		jsonCfg := zap.NewProductionEncoderConfig()
		jsonCfg.TimeKey = "ts"
		jsonCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		jsonCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(jsonCfg),
			zapcore.AddSync(sessionLog),
			zap.NewAtomicLevelAt(zapcore.DebugLevel),
		)
		core = zapcore.NewTee(consoleCore, jsonCore)
	}

	return zap.New(core).Sugar()
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
