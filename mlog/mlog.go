// Package mlog builds the structured logger the rest of the core accepts as
// a *zap.Logger. Grounded verbatim on the ANYCUBIC stack's
// common/logger/logger.go: a colored console encoder teed with a rotating
// file sink via lumberjack. Adapted from that file's package-global
// Logger/InitLogger pair into a constructor returning an owned *zap.Logger,
// since this core takes its dependencies explicitly rather than through
// package globals (see SPEC_FULL.md's note on the THEKERNEL singleton).
package mlog

import (
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger; zero-value Options gives info-level
// console-only logging.
type Options struct {
	Level        zapcore.Level
	SupportColor bool

	// LogFile, if non-empty, adds a rotating file sink alongside the
	// console sink.
	LogFile    string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func newEncoder(supportColor bool) zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		MessageKey:       "message",
		LevelKey:         "level",
		TimeKey:          "time",
		CallerKey:        "caller",
		EncodeTime:       zapcore.ISO8601TimeEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		ConsoleSeparator: " ",
	}
	if supportColor {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return zapcore.NewConsoleEncoder(cfg)
}

func newFileCore(encoder zapcore.Encoder, level zapcore.Level, opts Options) zapcore.Core {
	sink := &lumberjack.Logger{
		Filename:   opts.LogFile,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   false,
		LocalTime:  true,
	}
	return zapcore.NewCore(encoder, zapcore.AddSync(sink), level)
}

// New builds a logger per opts. When LogFile is empty, only the console
// sink is installed.
func New(opts Options) *zap.Logger {
	encoder := newEncoder(opts.SupportColor)
	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), opts.Level)
	if opts.LogFile != "" {
		core = zapcore.NewTee(core, newFileCore(encoder, opts.Level, opts))
	}
	return zap.New(core, zap.AddCaller())
}

// Default returns a console-only, info-level, color-enabled logger.
func Default() *zap.Logger {
	return New(Options{Level: zapcore.InfoLevel, SupportColor: true})
}
