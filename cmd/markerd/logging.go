package main

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hG3n/ar-core-marker-detection/internal/config"
)

// newLogger builds the JSON daemon logger. With logging.file set, records
// also go to a rotated file. The returned closer releases that file.
func newLogger(cfg config.LoggingConfig, debug bool) (*slog.Logger, io.Closer) {
	level := parseLevel(cfg.Level)
	if debug {
		level = slog.LevelDebug
	}

	writers := []io.Writer{os.Stdout}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.File,
			LocalTime:  true,
			Compress:   true,
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
		}
		writers = append(writers, fileWriter)
		closer = fileWriter
	}

	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler), closer
}

func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
