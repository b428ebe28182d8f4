package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hG3n/ar-core-marker-detection/internal/config"
	"github.com/hG3n/ar-core-marker-detection/internal/engine"
	"github.com/hG3n/ar-core-marker-detection/internal/transcoder"
)

// newDetectionEngine builds the engine selected by detector.mode.
//
//	subprocess          → engine.Subprocess (synchronous round trip per frame)
//	subprocess + async  → engine.Async over the subprocess; results lag one cycle
//	none                → engine.Func reporting zero markers (geometry-only runs)
func newDetectionEngine(cfg config.DetectorConfig, instanceID string, logger *slog.Logger) (transcoder.Engine, detectorLifecycle, error) {
	if cfg.Mode == "none" {
		logger.Warn("detector disabled, every frame yields zero markers")
		return engine.NewFunc(func(context.Context, transcoder.DetectRequest) ([]byte, error) {
			return nil, nil
		}), noopLifecycle{}, nil
	}

	sub, err := engine.NewSubprocess(engine.Config{
		ID:      instanceID + "-detector",
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     cfg.Env,
		Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		Logger:  logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create detector: %w", err)
	}
	if !cfg.Async {
		return sub, sub, nil
	}

	async := engine.NewAsync(subprocessDetectFunc(sub))
	return async, &asyncLifecycle{sub: sub, async: async}, nil
}

// subprocessDetectFunc runs one synchronous round trip and copies the result
// out of the engine-owned handle.
func subprocessDetectFunc(sub *engine.Subprocess) engine.DetectFunc {
	return func(ctx context.Context, req transcoder.DetectRequest) ([]byte, error) {
		if err := sub.Detect(ctx, req); err != nil {
			return nil, err
		}
		res, err := sub.FetchResults(ctx)
		if err != nil {
			return nil, err
		}
		if res.Handle == nil {
			return nil, nil
		}
		defer res.Handle.Release()
		return append([]byte(nil), res.Handle.Bytes()...), nil
	}
}

type asyncLifecycle struct {
	sub   *engine.Subprocess
	async *engine.Async
}

func (a *asyncLifecycle) Start(ctx context.Context) error {
	return a.sub.Start(ctx)
}

func (a *asyncLifecycle) Stop() error {
	a.async.Close()
	return a.sub.Stop()
}
