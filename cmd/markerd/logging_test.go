package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hG3n/ar-core-marker-detection/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for name, want := range tests {
		if got := parseLevel(name); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markerd.log")
	logger, closer := newLogger(config.LoggingConfig{
		Level:      "warn",
		File:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
		MaxAgeDays: 1,
	}, false)

	logger.Info("hidden")
	logger.Warn("visible", "seq", 42)
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"visible"`) {
		t.Errorf("log file = %s", out)
	}
}

func TestNewLoggerDebugFlag(t *testing.T) {
	logger, closer := newLogger(config.LoggingConfig{Level: "error"}, true)
	defer closer.Close()
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug flag did not lower the level")
	}
}
