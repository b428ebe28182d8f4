// Package frameloop drives one localization cycle per rendered frame.
//
// Per cycle, strictly after the frame boundary:
//
//	1. Acquire the latest ImagePlane (none → skip, not an error)
//	2. Transcode + detect                     (fault → zero markers)
//	3. Refresh cached display / world-quad geometry if stale
//	4. Resolve poses through the session's raycast service
//	5. Hand the FrameResult to the sink; drop all per-cycle state
//
// Only a fatal session status leaves the loop (ErrSessionFatal). Everything
// else is contained in the cycle that produced it.
package frameloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hG3n/ar-core-marker-detection/internal/geometry"
	"github.com/hG3n/ar-core-marker-detection/internal/marker"
	"github.com/hG3n/ar-core-marker-detection/internal/pose"
	"github.com/hG3n/ar-core-marker-detection/internal/transcoder"
)

// ErrSessionFatal is returned by Cycle and Run when the session reports a
// permanent failure. It is the only error that leaves the loop.
var ErrSessionFatal = errors.New("tracking session failed")

// FrameSource yields at most one new frame per call.
type FrameSource interface {
	Acquire() (marker.ImagePlane, bool)
}

// Detector runs marker detection on one frame.
type Detector interface {
	TranscodeAndDetect(ctx context.Context, plane marker.ImagePlane) ([]marker.Record, error)
	SetTime(seconds float64)
}

// ResultSink receives one FrameResult per processed cycle. Publish must not
// block the loop.
type ResultSink interface {
	Publish(result marker.FrameResult)
}

// SinkFunc adapts a function to ResultSink.
type SinkFunc func(result marker.FrameResult)

func (f SinkFunc) Publish(result marker.FrameResult) { f(result) }

// Config configures a Loop.
type Config struct {
	Source   FrameSource
	Detector Detector
	Resolver *pose.Resolver
	Sink     ResultSink

	// ImageAspect is the world-quad height/width ratio; <= 0 selects 4:3.
	ImageAspect float64

	// FaultLogInterval bounds how often recoverable faults are logged at
	// Error. Suppressed faults are still counted. Default 1s, burst 3.
	FaultLogInterval time.Duration

	Logger *slog.Logger
}

// Stats is a snapshot of loop counters.
type Stats struct {
	Cycles         uint64
	Processed      uint64
	NoFrame        uint64
	SessionInvalid uint64
	Paused         uint64
	BufferFaults   uint64
	DetectorFaults uint64
	GeometryFaults uint64
	SuppressedLogs uint64
	Markers        uint64
	ValidPoses     uint64

	DisplayRecomputes uint64
	QuadRecomputes    uint64

	LastSeq      uint64
	LastDuration time.Duration
	IsPaused     bool
}

// Loop is the frame loop. It exclusively owns the geometry caches; Cycle
// must not be called concurrently with itself.
type Loop struct {
	source   FrameSource
	detector Detector
	resolver *pose.Resolver
	sink     ResultSink
	aspect   float64
	logger   *slog.Logger

	display    *geometry.DisplayResolver
	quads      *geometry.WorldQuadResolver
	quadCamera geometry.RenderCamera
	epoch      uint64

	faults *faultLog
	paused atomic.Bool

	cycles         atomic.Uint64
	processed      atomic.Uint64
	noFrame        atomic.Uint64
	sessionInvalid atomic.Uint64
	pausedCycles   atomic.Uint64
	bufferFaults   atomic.Uint64
	detectorFaults atomic.Uint64
	geometryFaults atomic.Uint64
	markers        atomic.Uint64
	validPoses     atomic.Uint64
	displayRecomp  atomic.Uint64
	quadRecomp     atomic.Uint64
	lastSeq        atomic.Uint64
	lastDuration   atomic.Int64
}

// New creates a loop. Source, Detector and Sink are required.
func New(cfg Config) (*Loop, error) {
	if cfg.Source == nil || cfg.Detector == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("frame loop: source, detector and sink are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = pose.NewResolver(pose.Config{Logger: cfg.Logger})
	}
	if cfg.FaultLogInterval <= 0 {
		cfg.FaultLogInterval = time.Second
	}

	return &Loop{
		source:   cfg.Source,
		detector: cfg.Detector,
		resolver: cfg.Resolver,
		sink:     cfg.Sink,
		aspect:   cfg.ImageAspect,
		logger:   cfg.Logger,
		display:  geometry.NewDisplayResolver(),
		faults:   newFaultLog(cfg.Logger, cfg.FaultLogInterval, 3),
	}, nil
}

// Run waits on boundary and runs one cycle per signal until ctx is cancelled
// (returns nil), the boundary fails, or the session turns fatal
// (ErrSessionFatal).
func (l *Loop) Run(ctx context.Context, s *Session, boundary FrameBoundary) error {
	l.logger.Info("frame loop started")
	defer l.logger.Info("frame loop stopped", "cycles", l.cycles.Load(), "processed", l.processed.Load())

	for {
		if err := boundary.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := l.Cycle(ctx, s); err != nil {
			l.logger.Error("frame loop: session ended", "error", err, "status", s.Status().String())
			return err
		}
	}
}

// Cycle runs one full cycle. It returns ErrSessionFatal or nil.
func (l *Loop) Cycle(ctx context.Context, s *Session) error {
	l.cycles.Add(1)

	status := s.Status()
	if status.Fatal() {
		return fmt.Errorf("%w: %s", ErrSessionFatal, status)
	}
	if status != StatusTracking {
		l.sessionInvalid.Add(1)
		l.logger.Debug("session invalid, skipping frame", "status", status.String())
		return nil
	}
	if l.paused.Load() {
		l.pausedCycles.Add(1)
		return nil
	}

	frame, ok := l.source.Acquire()
	if !ok {
		l.noFrame.Add(1)
		return nil
	}
	start := time.Now()

	l.detector.SetTime(s.Elapsed().Seconds())
	records, err := l.detector.TranscodeAndDetect(ctx, frame)
	switch {
	case errors.Is(err, transcoder.ErrInvalidBuffer):
		l.bufferFaults.Add(1)
		l.faults.report("invalid image buffer, frame skipped", err, "seq", frame.Seq, "trace_id", frame.TraceID)
		return nil
	case err != nil:
		l.detectorFaults.Add(1)
		l.faults.report("detection failed, zero markers this frame", err, "seq", frame.Seq, "trace_id", frame.TraceID)
		records = []marker.Record{}
	}

	var poses []marker.ResolvedPose
	geo, gerr := l.geometry(s, frame)
	if gerr != nil {
		l.geometryFaults.Add(1)
		l.faults.report("display geometry unavailable, poses invalid", gerr,
			"seq", frame.Seq, "width", frame.Width, "height", frame.Height)
		poses = invalidPoses(records)
	} else {
		poses = l.resolver.Resolve(records, geo, s.Raycast())
	}

	valid := 0
	for _, p := range poses {
		if p.Valid {
			valid++
		}
	}

	l.sink.Publish(marker.FrameResult{
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		TraceID:   frame.TraceID,
		Records:   records,
		Poses:     poses,
	})

	l.processed.Add(1)
	l.markers.Add(uint64(len(records)))
	l.validPoses.Add(uint64(valid))
	l.lastSeq.Store(frame.Seq)
	l.lastDuration.Store(int64(time.Since(start)))

	if len(records) > 0 {
		l.logger.Debug("frame processed",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"markers", len(records),
			"valid_poses", valid,
		)
	}
	return nil
}

// geometry refreshes the cached display transform and world quad. The quad
// is optional: without a render camera, or if it cannot be built, poses
// simply carry no image-plane position.
func (l *Loop) geometry(s *Session, frame marker.ImagePlane) (pose.Frame, error) {
	if e := s.geometryEpoch(); e != l.epoch {
		l.epoch = e
		l.display.Invalidate()
		if l.quads != nil {
			l.quads.Invalidate()
		}
	}

	display := s.Display()
	if display == nil {
		return pose.Frame{}, fmt.Errorf("%w: no display state", geometry.ErrInvalidGeometry)
	}
	screen := display.Screen()

	transform, recomputed, err := l.display.Resolve(display, screen, frame.Width, frame.Height)
	if err != nil {
		return pose.Frame{}, err
	}
	if recomputed {
		l.displayRecomp.Add(1)
		l.logger.Debug("display transform recomputed",
			"rotation", transform.RotationDegrees,
			"u_crop", transform.UCrop,
			"v_crop", transform.VCrop,
			"screen", fmt.Sprintf("%dx%d", screen.Width, screen.Height),
		)
	}

	out := pose.Frame{
		Transform:   transform,
		ImageWidth:  frame.Width,
		ImageHeight: frame.Height,
		Screen:      screen,
	}

	cam := s.Camera()
	if cam == nil {
		return out, nil
	}
	if l.quads == nil || l.quadCamera != cam {
		l.quads = geometry.NewWorldQuadResolver(cam, l.aspect)
		l.quadCamera = cam
	}
	quad, recomputed, err := l.quads.Resolve(screen, transform.RotationDegrees)
	if err != nil {
		l.logger.Debug("image plane quad unavailable", "error", err)
		return out, nil
	}
	if recomputed {
		l.quadRecomp.Add(1)
	}
	out.Quad = &quad
	return out, nil
}

func invalidPoses(records []marker.Record) []marker.ResolvedPose {
	poses := make([]marker.ResolvedPose, len(records))
	for i, r := range records {
		poses[i] = marker.ResolvedPose{ID: r.ID}
	}
	return poses
}

// Pause stops processing frames; cycles still run and count as paused.
func (l *Loop) Pause() {
	if l.paused.CompareAndSwap(false, true) {
		l.logger.Info("frame loop paused")
	}
}

// Resume undoes Pause.
func (l *Loop) Resume() {
	if l.paused.CompareAndSwap(true, false) {
		l.logger.Info("frame loop resumed")
	}
}

// IsPaused reports whether the loop is paused.
func (l *Loop) IsPaused() bool {
	return l.paused.Load()
}

// Stats returns a snapshot of the counters. Safe for concurrent use.
func (l *Loop) Stats() Stats {
	return Stats{
		Cycles:            l.cycles.Load(),
		Processed:         l.processed.Load(),
		NoFrame:           l.noFrame.Load(),
		SessionInvalid:    l.sessionInvalid.Load(),
		Paused:            l.pausedCycles.Load(),
		BufferFaults:      l.bufferFaults.Load(),
		DetectorFaults:    l.detectorFaults.Load(),
		GeometryFaults:    l.geometryFaults.Load(),
		SuppressedLogs:    l.faults.suppressedTotal.Load(),
		Markers:           l.markers.Load(),
		ValidPoses:        l.validPoses.Load(),
		DisplayRecomputes: l.displayRecomp.Load(),
		QuadRecomputes:    l.quadRecomp.Load(),
		LastSeq:           l.lastSeq.Load(),
		LastDuration:      time.Duration(l.lastDuration.Load()),
		IsPaused:          l.paused.Load(),
	}
}

// faultLog rate-limits recoverable fault logs so a broken detector cannot
// flood the log at frame rate.
type faultLog struct {
	logger  *slog.Logger
	limiter *rate.Limiter

	mu         sync.Mutex
	suppressed uint64

	suppressedTotal atomic.Uint64
}

func newFaultLog(logger *slog.Logger, every time.Duration, burst int) *faultLog {
	return &faultLog{logger: logger, limiter: rate.NewLimiter(rate.Every(every), burst)}
}

func (f *faultLog) report(msg string, err error, attrs ...any) {
	if !f.limiter.Allow() {
		f.mu.Lock()
		f.suppressed++
		f.mu.Unlock()
		f.suppressedTotal.Add(1)
		return
	}

	f.mu.Lock()
	suppressed := f.suppressed
	f.suppressed = 0
	f.mu.Unlock()

	args := append([]any{"error", err}, attrs...)
	if suppressed > 0 {
		args = append(args, "suppressed", suppressed)
	}
	f.logger.Error("frame loop: "+msg, args...)
}
