package framesource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/hG3n/ar-core-marker-detection/internal/marker"
)

// RTSPConfig configures an RTSPSource.
type RTSPConfig struct {
	URL       string
	Width     int
	Height    int
	TargetFPS float64
	Reconnect ReconnectConfig
	Logger    *slog.Logger
}

// RTSPSource decodes an H.264 RTSP stream to GRAY8 luma planes and publishes
// them into a Mailbox.
//
// Pipeline (rebuilt on every reconnect):
//
//	rtspsrc → rtph264depay → avdec_h264 → videoconvert → videoscale →
//	videorate → capsfilter(GRAY8) → appsink
type RTSPSource struct {
	cfg     RTSPConfig
	mailbox *Mailbox
	logger  *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	pipeline *gst.Pipeline

	reconnect reconnectState
	started   time.Time

	frames    atomic.Uint64
	bytesRead atomic.Uint64
	short     atomic.Uint64
	playing   atomic.Bool

	errorsNetwork atomic.Uint64
	errorsCodec   atomic.Uint64
	errorsAuth    atomic.Uint64
	errorsUnknown atomic.Uint64
}

// SourceStats is a snapshot of capture counters.
type SourceStats struct {
	Frames      uint64
	BytesRead   uint64
	ShortFrames uint64
	Reconnects  uint32
	Connected   bool
	Uptime      time.Duration

	ErrorsNetwork uint64
	ErrorsCodec   uint64
	ErrorsAuth    uint64
	ErrorsUnknown uint64
}

// NewRTSPSource validates cfg (fail fast) and returns an idle source.
func NewRTSPSource(cfg RTSPConfig, mailbox *Mailbox) (*RTSPSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("frame source: RTSP URL is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("frame source: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.TargetFPS < 0.1 || cfg.TargetFPS > 60 {
		return nil, fmt.Errorf("frame source: invalid FPS %.2f (must be 0.1-60)", cfg.TargetFPS)
	}
	if mailbox == nil {
		return nil, fmt.Errorf("frame source: mailbox is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Reconnect = cfg.Reconnect.withDefaults()

	return &RTSPSource{cfg: cfg, mailbox: mailbox, logger: cfg.Logger}, nil
}

// Start launches capture in the background and returns immediately. Frames
// arrive once the pipeline reaches PLAYING.
func (s *RTSPSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("frame source: already started")
	}

	gst.Init(nil)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = time.Now()

	s.logger.Info("frame source: starting RTSP capture",
		"url", s.cfg.URL,
		"resolution", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"target_fps", s.cfg.TargetFPS,
	)

	go func() {
		defer close(s.done)
		err := runWithReconnect(runCtx, s.runOnce, s.cfg.Reconnect, &s.reconnect, s.logger)
		if err != nil && runCtx.Err() == nil {
			s.logger.Error("frame source: capture stopped after reconnection failure",
				"error", err,
				"url", s.cfg.URL,
				"uptime", time.Since(s.started),
				"frames", s.frames.Load(),
				"reconnects", s.reconnect.total.Load(),
			)
		}
	}()

	return nil
}

// runOnce builds a pipeline, plays it and monitors its bus. It returns nil
// when ctx is cancelled and an error on EOS or pipeline error.
func (s *RTSPSource) runOnce(ctx context.Context) error {
	pipeline, err := s.buildPipeline()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pipeline = pipeline
	s.mu.Unlock()

	defer func() {
		s.playing.Store(false)
		if err := pipeline.SetState(gst.StateNull); err != nil {
			s.logger.Warn("frame source: failed to stop pipeline", "error", err)
		}
		s.mu.Lock()
		s.pipeline = nil
		s.mu.Unlock()
	}()

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			s.logger.Info("frame source: end of stream", "url", s.cfg.URL, "frames", s.frames.Load())
			return fmt.Errorf("end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			category := classifyError(gerr.Error(), gerr.DebugString())
			s.countError(category)
			s.logger.Error("frame source: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"url", s.cfg.URL,
			)
			return fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			_, newState := msg.ParseStateChanged()
			if newState == gst.StatePlaying {
				s.playing.Store(true)
				s.reconnect.reset()
				s.logger.Info("frame source: pipeline playing")
			}
		}
	}
}

func (s *RTSPSource) buildPipeline() (*gst.Pipeline, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return nil, fmt.Errorf("failed to create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", s.cfg.URL)
	rtspsrc.SetProperty("protocols", 4) // TCP only
	rtspsrc.SetProperty("latency", rtspLatency(s.cfg.TargetFPS))

	names := []string{"rtph264depay", "avdec_h264", "videoconvert", "videoscale", "videorate", "capsfilter"}
	chain := make([]*gst.Element, 0, len(names)+1)
	for _, name := range names {
		el, err := gst.NewElement(name)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", name, err)
		}
		chain = append(chain, el)
	}
	depay, videorate, capsfilter := chain[0], chain[4], chain[5]
	depay.SetProperty("request-keyframe", true)
	videorate.SetProperty("drop-only", true)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildLumaCaps(s.cfg.Width, s.cfg.Height, s.cfg.TargetFPS)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)
	chain = append(chain, sink.Element)

	if err := pipeline.AddMany(append([]*gst.Element{rtspsrc}, chain...)...); err != nil {
		return nil, fmt.Errorf("failed to add pipeline elements: %w", err)
	}
	// rtspsrc has dynamic pads, linked in pad-added
	if err := gst.ElementLinkMany(chain...); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := depay.GetStaticPad("sink")
		if sinkPad == nil || sinkPad.IsLinked() {
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			s.logger.Error("frame source: failed to link pads", "src_pad", srcPad.GetName(), "ret", ret)
		}
	})

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	return pipeline, nil
}

// onNewSample copies the mapped GRAY8 buffer into a fresh ImagePlane. The
// GStreamer buffer is only valid inside the callback.
func (s *RTSPSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	plane, ok := lumaPlane(data, s.cfg.Width, s.cfg.Height)
	buffer.Unmap()
	if !ok {
		s.short.Add(1)
		s.logger.Debug("frame source: short buffer", "size_bytes", len(data))
		return gst.FlowOK
	}

	s.frames.Add(1)
	s.bytesRead.Add(uint64(len(plane.Data)))
	s.mailbox.Publish(plane)
	return gst.FlowOK
}

func (s *RTSPSource) countError(c ErrorCategory) {
	switch c {
	case ErrCategoryNetwork:
		s.errorsNetwork.Add(1)
	case ErrCategoryCodec:
		s.errorsCodec.Add(1)
	case ErrCategoryAuth:
		s.errorsAuth.Add(1)
	default:
		s.errorsUnknown.Add(1)
	}
}

// Stop cancels capture and waits up to 3s for the pipeline to tear down.
// Idempotent.
func (s *RTSPSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		s.logger.Warn("frame source: stop timeout exceeded")
	}

	s.logger.Info("frame source: RTSP capture stopped",
		"frames", s.frames.Load(),
		"reconnects", s.reconnect.total.Load(),
		"uptime", time.Since(s.started),
	)
	return nil
}

// Stats returns a snapshot of the counters.
func (s *RTSPSource) Stats() SourceStats {
	var uptime time.Duration
	s.mu.Lock()
	if !s.started.IsZero() {
		uptime = time.Since(s.started)
	}
	s.mu.Unlock()

	return SourceStats{
		Frames:        s.frames.Load(),
		BytesRead:     s.bytesRead.Load(),
		ShortFrames:   s.short.Load(),
		Reconnects:    s.reconnect.total.Load(),
		Connected:     s.playing.Load(),
		Uptime:        uptime,
		ErrorsNetwork: s.errorsNetwork.Load(),
		ErrorsCodec:   s.errorsCodec.Load(),
		ErrorsAuth:    s.errorsAuth.Load(),
		ErrorsUnknown: s.errorsUnknown.Load(),
	}
}

// lumaStride is the GStreamer row stride of a GRAY8 frame: rows are padded
// to 4 bytes.
func lumaStride(width int) int {
	return (width + 3) &^ 3
}

// lumaPlane copies a mapped GRAY8 buffer. Buffers shorter than the padded
// frame are rejected.
func lumaPlane(data []byte, width, height int) (marker.ImagePlane, bool) {
	stride := lumaStride(width)
	if len(data) < stride*height {
		return marker.ImagePlane{}, false
	}
	luma := make([]byte, stride*height)
	copy(luma, data)
	return marker.ImagePlane{
		Width:       width,
		Height:      height,
		RowStride:   stride,
		PixelStride: 1,
		Data:        luma,
		Timestamp:   time.Now(),
		TraceID:     uuid.New().String(),
	}, true
}

// buildLumaCaps builds the capsfilter string. Fractional rates below 1 fps
// become 1/N.
func buildLumaCaps(width, height int, fps float64) string {
	num, den := 1, 1
	if fps < 1.0 {
		den = int(1.0/fps + 0.5)
	} else {
		num = int(fps)
	}
	return fmt.Sprintf("video/x-raw,format=GRAY8,width=%d,height=%d,framerate=%d/%d", width, height, num, den)
}

// rtspLatency is the jitter buffer in ms: minimal at low frame rates.
func rtspLatency(fps float64) int {
	if fps <= 2.0 {
		return 50
	}
	return 200
}
