// Package core wires the marker localization pipeline into a daemon:
//
//	source ─► Mailbox ─► frameloop.Loop ─► posebus.Bus ─► emitter (MQTT)
//	                       │   ▲                      └─► Latest (health, status)
//	          Transcoder ◄─┘   └─ Session (display, render camera, raycaster)
//	              │                  ▲
//	          detector            control (MQTT commands)
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"github.com/hG3n/ar-core-marker-detection/internal/config"
	"github.com/hG3n/ar-core-marker-detection/internal/control"
	"github.com/hG3n/ar-core-marker-detection/internal/emitter"
	"github.com/hG3n/ar-core-marker-detection/internal/frameloop"
	"github.com/hG3n/ar-core-marker-detection/internal/framesource"
	"github.com/hG3n/ar-core-marker-detection/internal/geometry"
	"github.com/hG3n/ar-core-marker-detection/internal/marker"
	"github.com/hG3n/ar-core-marker-detection/internal/pose"
	"github.com/hG3n/ar-core-marker-detection/internal/posebus"
	"github.com/hG3n/ar-core-marker-detection/internal/transcoder"
)

const (
	emitterBuffer  = 8
	statsInterval  = 10 * time.Second
	healthInterval = 10 * time.Second
)

// Service is the main service orchestrator
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	// Pipeline
	mailbox    *framesource.Mailbox
	source     FrameProducer
	detector   detectorLifecycle
	transcoder *transcoder.Transcoder
	display    *geometry.DisplayState
	camera     *geometry.ProjectionCamera
	raycaster  *pose.PlaneRaycaster
	session    *frameloop.Session
	loop       *frameloop.Loop
	bus        *posebus.Bus

	// Outer surfaces, nil when MQTT or the health endpoint is disabled
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler
	healthServer   *http.Server

	// warmup is set once the source warm-up finished, nil when disabled
	warmup *framesource.WarmupStats

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc // for the MQTT shutdown command
}

// New builds every component from cfg. Nothing is started and no
// connection is opened until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:     cfg,
		logger:  logger,
		mailbox: framesource.NewMailbox(),
		bus:     posebus.New(),
	}

	source, err := s.newSource()
	if err != nil {
		return nil, err
	}
	s.source = source

	eng, lifecycle, err := newDetectionEngine(cfg.Detector, cfg.InstanceID, logger)
	if err != nil {
		return nil, err
	}
	s.detector = lifecycle
	s.transcoder = transcoder.New(eng, transcoder.Config{
		Chroma: cfg.Detector.Chroma,
		Logger: logger.With("component", "transcoder"),
	})

	if err := s.initGeometry(); err != nil {
		return nil, err
	}

	space, err := pose.ParseSpace(cfg.Raycast.Space)
	if err != nil {
		return nil, err
	}
	filter, err := pose.ParseFilter(cfg.Raycast.Filter)
	if err != nil {
		return nil, err
	}

	var raycast pose.RaycastFunc
	if space != pose.SpaceImage {
		s.raycaster, err = pose.NewPlaneRaycaster(s.camera, space)
		if err != nil {
			return nil, fmt.Errorf("failed to create raycaster: %w", err)
		}
		s.raycaster.SetPlanes(trackedPlanes(cfg.Raycast.Planes))
		s.raycaster.SetPoints(featurePoints(cfg.Raycast.Points))
		raycast = s.raycaster.Raycast
	} else {
		logger.Warn("no raycast service for image space, poses will be invalid")
	}

	s.session = frameloop.NewSession(s.display, s.camera, raycast)

	resolver := pose.NewResolver(pose.Config{
		Space:  space,
		Filter: filter,
		Logger: logger.With("component", "pose"),
	})
	s.loop, err = frameloop.New(frameloop.Config{
		Source:           s.mailbox,
		Detector:         s.transcoder,
		Resolver:         resolver,
		Sink:             s.bus,
		ImageAspect:      cfg.ImagePlane.AspectRatio,
		FaultLogInterval: time.Duration(cfg.Loop.FaultLogEveryMS) * time.Millisecond,
		Logger:           logger.With("component", "frameloop"),
	})
	if err != nil {
		return nil, err
	}

	if cfg.MQTT.Broker != "" {
		s.emitter = emitter.NewMQTTEmitter(cfg, logger)
	}

	logger.Info("service configured",
		"instance_id", cfg.InstanceID,
		"source", cfg.Source.Type,
		"detector", cfg.Detector.Mode,
		"async_detection", cfg.Detector.Async,
		"raycast_space", space.String(),
		"planes", len(cfg.Raycast.Planes),
		"mqtt_enabled", s.emitter != nil,
	)
	return s, nil
}

func (s *Service) newSource() (FrameProducer, error) {
	cam := s.cfg.Camera
	src := s.cfg.Source
	logger := s.logger.With("component", "source")

	switch src.Type {
	case "rtsp":
		reconnect := framesource.ReconnectConfig{
			MaxRetries:    src.Reconnect.MaxRetries,
			RetryDelay:    time.Duration(src.Reconnect.InitialDelayMS) * time.Millisecond,
			MaxRetryDelay: time.Duration(src.Reconnect.MaxDelayMS) * time.Millisecond,
		}
		rtsp, err := framesource.NewRTSPSource(framesource.RTSPConfig{
			URL:       src.RTSPURL,
			Width:     cam.Width,
			Height:    cam.Height,
			TargetFPS: cam.FPS,
			Reconnect: reconnect,
			Logger:    logger,
		}, s.mailbox)
		if err != nil {
			return nil, fmt.Errorf("failed to create rtsp source: %w", err)
		}
		return rtsp, nil
	case "replay":
		replay, err := framesource.NewReplaySource(framesource.ReplayConfig{
			Dir:    src.ReplayDir,
			Width:  cam.Width,
			Height: cam.Height,
			FPS:    cam.FPS,
			Loop:   src.ReplayLoop,
			Logger: logger,
		}, s.mailbox)
		if err != nil {
			return nil, fmt.Errorf("failed to create replay source: %w", err)
		}
		return replay, nil
	default:
		return nil, fmt.Errorf("unknown source type %q", src.Type)
	}
}

func (s *Service) initGeometry() error {
	surface, err := geometry.SurfaceRotationFromDegrees(s.cfg.Camera.DisplayRotation)
	if err != nil {
		return err
	}
	screen := geometry.Size{Width: s.cfg.Display.Width, Height: s.cfg.Display.Height}
	s.display = geometry.NewDisplayState(s.cfg.Camera.SensorMountRotation, surface, screen)

	rc := s.cfg.RenderCamera
	s.camera, err = geometry.NewProjectionCamera(geometry.ProjectionConfig{
		FovYDegrees: rc.FovYDegrees,
		Near:        rc.Near,
		Far:         rc.Far,
		Screen:      screen,
		Position:    vector(rc.Position),
		Yaw:         rc.Yaw,
		Pitch:       rc.Pitch,
		Roll:        rc.Roll,
	})
	if err != nil {
		return fmt.Errorf("failed to create render camera: %w", err)
	}
	return nil
}

// Run starts every component and blocks in the frame loop until ctx is
// cancelled or the session turns fatal.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	s.cancelCtx = cancel
	s.mu.Unlock()
	defer cancel()

	s.logger.Info("markerd service starting", "instance_id", s.cfg.InstanceID)

	if err := s.detector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start detector: %w", err)
	}
	if err := s.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start source: %w", err)
	}

	if s.cfg.Loop.WarmupS > 0 {
		if err := s.warmupSource(ctx); err != nil {
			return err
		}
	}

	if s.emitter != nil {
		if err := s.startMQTT(ctx); err != nil {
			return err
		}
	}

	if s.cfg.Health.Addr != "" {
		s.startHealthServer(s.cfg.Health.Addr)
	}

	boundary, stop, err := s.newBoundary()
	if err != nil {
		return err
	}
	defer stop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logStats(ctx, statsInterval)
	}()

	s.logger.Info("markerd service running", "boundary", s.cfg.Loop.Boundary)

	err = s.loop.Run(ctx, s.session, boundary)
	if errors.Is(err, frameloop.ErrSessionFatal) {
		return err
	}
	if err != nil {
		return fmt.Errorf("frame loop stopped: %w", err)
	}

	s.logger.Info("markerd service run loop exiting")
	return nil
}

func (s *Service) startMQTT(ctx context.Context) error {
	if err := s.emitter.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}

	results := make(chan marker.FrameResult, emitterBuffer)
	if err := s.bus.Subscribe("emitter", results); err != nil {
		return fmt.Errorf("failed to subscribe emitter: %w", err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.emitter.Run(ctx, results)
	}()

	s.controlHandler = control.NewHandler(s.cfg, s.emitter.Client(), s.callbacks(), s.logger)
	if err := s.controlHandler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.publishHealth(ctx, healthInterval)
	}()
	return nil
}

// warmupSource discards the first frames while measuring the source cadence.
func (s *Service) warmupSource(ctx context.Context) error {
	d := time.Duration(s.cfg.Loop.WarmupS * float64(time.Second))
	s.logger.Info("warming up source", "duration", d)

	ws, err := framesource.Warmup(ctx, s.mailbox, d)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("source warm-up failed: %w", err)
	}

	s.mu.Lock()
	s.warmup = ws
	s.mu.Unlock()

	s.logger.Info("source warm-up complete",
		"frames", ws.FramesReceived,
		"fps_mean", ws.FPSMean,
		"fps_stddev", ws.FPSStdDev,
		"jitter_mean_s", ws.JitterMean,
		"stable", ws.IsStable,
	)
	if ws.FramesReceived == 0 {
		s.logger.Warn("no frames received during warm-up")
	} else if !ws.IsStable {
		s.logger.Warn("source cadence is unstable", "fps_min", ws.FPSMin, "fps_max", ws.FPSMax)
	}
	return nil
}

// newBoundary returns the frame boundary and its release function.
func (s *Service) newBoundary() (frameloop.FrameBoundary, func(), error) {
	if s.cfg.Loop.Boundary == "ticker" {
		s.mu.RLock()
		fps := framesource.EffectiveFPS(s.warmup, s.cfg.Loop.FPS)
		s.mu.RUnlock()
		if fps != s.cfg.Loop.FPS {
			s.logger.Info("ticker slowed to source rate", "configured_fps", s.cfg.Loop.FPS, "fps", fps)
		}
		t, err := frameloop.NewTickerBoundary(fps)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Stop, nil
	}
	return frameloop.ChannelBoundary(s.mailbox.Ready()), func() {}, nil
}

// Shutdown performs graceful shutdown of all components
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancelCtx
	healthServer := s.healthServer
	s.mu.Unlock()

	s.logger.Info("shutting down markerd service")
	if cancel != nil {
		cancel()
	}

	// Shutdown sequence (order is important!):
	// 1. Stop the source (no more frames)
	if err := s.source.Stop(); err != nil {
		s.logger.Error("failed to stop source", "error", err)
	}

	// 2. Stop control plane
	if s.controlHandler != nil {
		if err := s.controlHandler.Stop(); err != nil {
			s.logger.Error("failed to stop control handler", "error", err)
		}
	}

	// 3. Close the bus; late cycles are discarded
	s.bus.Close()

	// 4. Wait for goroutines, bounded by ctx
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout waiting for goroutines", "error", ctx.Err())
	}

	// 5. Stop the detector and the health endpoint
	if err := s.detector.Stop(); err != nil {
		s.logger.Error("failed to stop detector", "error", err)
	}
	if healthServer != nil {
		if err := healthServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to stop health server", "error", err)
		}
	}

	// 6. Disconnect MQTT
	if s.emitter != nil {
		if err := s.emitter.Disconnect(); err != nil {
			s.logger.Error("failed to disconnect mqtt", "error", err)
		}
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	s.logger.Info("markerd service shutdown complete", "uptime", uptime)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	timeout := time.Duration(s.cfg.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}

// Latest returns the most recent frame result.
func (s *Service) Latest() (marker.FrameResult, bool) {
	return s.bus.Latest()
}

// Session exposes the tracking session so hosts with their own tracker can
// report status changes.
func (s *Service) Session() *frameloop.Session {
	return s.session
}

func (s *Service) logStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ls := s.loop.Stats()
			ts := s.transcoder.Stats()
			ms := s.mailbox.Stats()
			s.logger.Info("pipeline stats",
				"cycles", ls.Cycles,
				"processed", ls.Processed,
				"no_frame", ls.NoFrame,
				"markers", ls.Markers,
				"valid_poses", ls.ValidPoses,
				"detector_faults", ts.EngineFaults,
				"stride_faults", ts.StrideFaults,
				"frames_dropped", ms.Drops,
				"last_cycle", ls.LastDuration,
				"paused", ls.IsPaused,
			)
		}
	}
}

func trackedPlanes(cfgs []config.PlaneConfig) []pose.TrackedPlane {
	planes := make([]pose.TrackedPlane, 0, len(cfgs))
	for _, p := range cfgs {
		planes = append(planes, pose.TrackedPlane{
			ID:     p.ID,
			Center: vector(p.Center),
			Normal: vector(p.Normal).Normalize(),
			Extent: p.Extent,
		})
	}
	return planes
}

func featurePoints(cfgs []config.PointConfig) []pose.FeaturePoint {
	points := make([]pose.FeaturePoint, 0, len(cfgs))
	for _, p := range cfgs {
		points = append(points, pose.FeaturePoint{Position: vector(p.Position), HasNormal: p.HasNormal})
	}
	return points
}

func vector(v [3]float64) r3.Vector {
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}
