// Package logging builds the zap logger used by every component.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rapportapp/rapport/internal/config"
)

// New builds a logger writing to stderr and, when cfg.File is set, to a
// size-rotated file. The returned function flushes and closes the file.
func New(cfg config.LogConfig) (*zap.Logger, func(), error) {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg config.LogConfig, console io.Writer) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var enc zapcore.Encoder
	switch cfg.Format {
	case "", "console":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		enc = zapcore.NewConsoleEncoder(ec)
	case "json":
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(console)), level),
	}

	closeFn := func() {}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		// Files always get JSON so they can be parsed later.
		fileEnc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEnc, zapcore.AddSync(rotator), level))
		closeFn = func() { _ = rotator.Close() }
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, func() {
		_ = logger.Sync()
		closeFn()
	}, nil
}
