// markerd-capture records GRAY8 frames from an RTSP camera into a directory
// that markerd can replay (source.type: replay).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hG3n/ar-core-marker-detection/internal/framesource"
)

func main() {
	url := flag.String("url", os.Getenv("MARKERD_RTSP_URL"), "RTSP stream URL")
	width := flag.Int("width", 640, "Frame width")
	height := flag.Int("height", 480, "Frame height")
	fps := flag.Float64("fps", 5, "Capture rate (0.1-60)")
	out := flag.String("out", "testdata/frames", "Output directory")
	format := flag.String("format", "png", "Image format: png, jpeg or tiff")
	quality := flag.Int("quality", 90, "JPEG quality (1-100)")
	count := flag.Int("count", 100, "Frames to record (0 = until interrupted)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	recorder, err := framesource.NewRecorder(*out, *format, *quality)
	if err != nil {
		logger.Error("failed to create recorder", "error", err)
		os.Exit(1)
	}

	mailbox := framesource.NewMailbox()
	source, err := framesource.NewRTSPSource(framesource.RTSPConfig{
		URL:       *url,
		Width:     *width,
		Height:    *height,
		TargetFPS: *fps,
		Reconnect: framesource.DefaultReconnectConfig(),
		Logger:    logger,
	}, mailbox)
	if err != nil {
		logger.Error("failed to create rtsp source", "error", err)
		os.Exit(1)
	}
	if err := source.Start(ctx); err != nil {
		logger.Error("failed to start rtsp source", "error", err)
		os.Exit(1)
	}
	defer source.Stop()

	logger.Info("recording",
		"url", *url,
		"resolution", []int{*width, *height},
		"fps", *fps,
		"out", *out,
		"count", *count,
	)

	savedCount := func() int {
		saved, _ := recorder.Stats()
		return int(saved)
	}

	start := time.Now()
	for *count == 0 || savedCount() < *count {
		if err := mailbox.WaitReady(ctx); err != nil {
			break
		}
		plane, ok := mailbox.Acquire()
		if !ok {
			continue
		}
		path, err := recorder.Save(plane)
		if err != nil {
			logger.Warn("failed to save frame", "seq", plane.Seq, "error", err)
			continue
		}
		logger.Debug("frame saved", "seq", plane.Seq, "path", path)
	}

	saved, failed := recorder.Stats()
	ms := mailbox.Stats()
	logger.Info("recording finished",
		"saved", saved,
		"failed", failed,
		"dropped", ms.Drops,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
}
