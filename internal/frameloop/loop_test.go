package frameloop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/hG3n/ar-core-marker-detection/internal/engine"
	"github.com/hG3n/ar-core-marker-detection/internal/geometry"
	"github.com/hG3n/ar-core-marker-detection/internal/marker"
	"github.com/hG3n/ar-core-marker-detection/internal/pose"
	"github.com/hG3n/ar-core-marker-detection/internal/transcoder"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sliceSource hands out queued frames, one per Acquire.
type sliceSource struct {
	frames []marker.ImagePlane
}

func (s *sliceSource) Acquire() (marker.ImagePlane, bool) {
	if len(s.frames) == 0 {
		return marker.ImagePlane{}, false
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, true
}

func (s *sliceSource) push(frames ...marker.ImagePlane) {
	s.frames = append(s.frames, frames...)
}

// fakeDetector returns fixed records or a fixed error.
type fakeDetector struct {
	records []marker.Record
	err     error
	calls   int
	times   []float64
}

func (d *fakeDetector) TranscodeAndDetect(ctx context.Context, plane marker.ImagePlane) ([]marker.Record, error) {
	d.calls++
	if d.err != nil {
		return []marker.Record{}, d.err
	}
	return append([]marker.Record(nil), d.records...), nil
}

func (d *fakeDetector) SetTime(seconds float64) { d.times = append(d.times, seconds) }

type collectSink struct {
	results []marker.FrameResult
}

func (c *collectSink) Publish(r marker.FrameResult) { c.results = append(c.results, r) }

type countingCamera struct {
	calls int
}

func (c *countingCamera) ScreenToWorld(p marker.Point2, depth float64) r3.Vector {
	c.calls++
	return r3.Vector{X: p.X * 0.01, Y: p.Y * 0.01, Z: -depth}
}
func (c *countingCamera) NearClip() float64 { return 0.1 }
func (c *countingCamera) CurrentProjection(near, far float64) *mat.Dense {
	return mat.NewDense(4, 4, nil)
}

func frame(seq uint64, w, h int) marker.ImagePlane {
	return marker.ImagePlane{
		Width: w, Height: h, RowStride: w, PixelStride: 1,
		Data: make([]byte, w*h), Seq: seq, TraceID: "trace", Timestamp: time.Now(),
	}
}

func square(id int, x, y float64) marker.Record {
	return marker.Record{ID: id, Corners: [4]marker.Point2{
		{X: x, Y: y}, {X: x + 10, Y: y}, {X: x + 10, Y: y + 10}, {X: x, Y: y + 10},
	}}
}

func hitAt(pos r3.Vector) pose.RaycastFunc {
	return func(x, y float64, f pose.HitFilter) (pose.Hit, bool) {
		return pose.Hit{Position: pos}, true
	}
}

type harness struct {
	source   *sliceSource
	detector *fakeDetector
	sink     *collectSink
	loop     *Loop
	display  *geometry.DisplayState
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		source:   &sliceSource{},
		detector: &fakeDetector{},
		sink:     &collectSink{},
		display:  geometry.NewDisplayState(-1, geometry.Rotation0, geometry.Size{Width: 640, Height: 480}),
	}
	loop, err := New(Config{Source: h.source, Detector: h.detector, Sink: h.sink, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h.loop = loop
	return h
}

func TestCycleNoFrameSkips(t *testing.T) {
	h := newHarness(t)
	s := NewSession(h.display, nil, nil)

	if err := h.loop.Cycle(context.Background(), s); err != nil {
		t.Fatalf("Cycle() error: %v", err)
	}
	if len(h.sink.results) != 0 || h.detector.calls != 0 {
		t.Error("cycle without a frame must not detect or publish")
	}
	if st := h.loop.Stats(); st.NoFrame != 1 || st.Processed != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestCycleResolvesPoses(t *testing.T) {
	h := newHarness(t)
	h.detector.records = []marker.Record{square(4, 100, 100), square(8, 300, 200)}
	want := r3.Vector{X: 1, Y: 2, Z: 3}
	s := NewSession(h.display, nil, hitAt(want))
	h.source.push(frame(17, 640, 480))

	if err := h.loop.Cycle(context.Background(), s); err != nil {
		t.Fatalf("Cycle() error: %v", err)
	}
	if len(h.sink.results) != 1 {
		t.Fatalf("published %d results, want 1", len(h.sink.results))
	}
	r := h.sink.results[0]
	if r.Seq != 17 || r.TraceID != "trace" {
		t.Errorf("result seq/trace = %d/%q", r.Seq, r.TraceID)
	}
	if len(r.Poses) != 2 || r.Poses[0].ID != 4 || r.Poses[1].ID != 8 {
		t.Fatalf("poses = %+v", r.Poses)
	}
	for _, p := range r.Poses {
		if !p.Valid || p.Position != want {
			t.Errorf("pose %+v, want valid at %v", p, want)
		}
	}
	if len(h.detector.times) != 1 || h.detector.times[0] < 0 {
		t.Errorf("SetTime calls = %v", h.detector.times)
	}
	if st := h.loop.Stats(); st.Markers != 2 || st.ValidPoses != 2 || st.LastSeq != 17 {
		t.Errorf("Stats() = %+v", st)
	}
}

// TestDetectorFaultIsContained runs a panicking detector through the real
// transcoder: the cycle publishes an empty result and the next cycle works.
func TestDetectorFaultIsContained(t *testing.T) {
	crash := true
	eng := engine.NewFunc(func(ctx context.Context, req transcoder.DetectRequest) ([]byte, error) {
		if crash {
			panic("native detector crashed")
		}
		return []byte{5, 0, 0, 0, 10, 0, 10, 10, 0, 10}, nil
	})
	tr := transcoder.New(eng, transcoder.Config{Logger: quietLogger()})

	source := &sliceSource{}
	sink := &collectSink{}
	loop, err := New(Config{Source: source, Detector: tr, Sink: sink, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	s := NewSession(geometry.NewDisplayState(0, geometry.Rotation0, geometry.Size{Width: 64, Height: 48}), nil, nil)

	source.push(frame(1, 64, 48), frame(2, 64, 48))

	if err := loop.Cycle(context.Background(), s); err != nil {
		t.Fatalf("faulting cycle returned %v", err)
	}
	crash = false
	if err := loop.Cycle(context.Background(), s); err != nil {
		t.Fatalf("second cycle returned %v", err)
	}

	if len(sink.results) != 2 {
		t.Fatalf("published %d results, want 2", len(sink.results))
	}
	if n := len(sink.results[0].Records); n != 0 {
		t.Errorf("faulting frame yielded %d records, want 0", n)
	}
	if sink.results[0].Records == nil {
		t.Error("faulting frame records should be empty, not nil")
	}
	if n := len(sink.results[1].Records); n != 1 || sink.results[1].Records[0].ID != 5 {
		t.Errorf("recovered frame records = %+v", sink.results[1].Records)
	}
	if st := loop.Stats(); st.DetectorFaults != 1 || st.Processed != 2 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestInvalidBufferSkipsFrame(t *testing.T) {
	h := newHarness(t)
	h.detector.err = transcoder.ErrInvalidBuffer
	h.source.push(frame(1, 640, 480))

	if err := h.loop.Cycle(context.Background(), NewSession(h.display, nil, nil)); err != nil {
		t.Fatalf("Cycle() error: %v", err)
	}
	if len(h.sink.results) != 0 {
		t.Error("invalid buffer must skip the frame")
	}
	if st := h.loop.Stats(); st.BufferFaults != 1 {
		t.Errorf("BufferFaults = %d, want 1", st.BufferFaults)
	}
}

func TestZeroSizedImageYieldsInvalidPoses(t *testing.T) {
	h := newHarness(t)
	h.detector.records = []marker.Record{square(1, 0, 0), square(2, 5, 5)}
	called := false
	raycast := func(x, y float64, f pose.HitFilter) (pose.Hit, bool) {
		called = true
		return pose.Hit{}, true
	}
	h.source.push(marker.ImagePlane{Seq: 3})

	if err := h.loop.Cycle(context.Background(), NewSession(h.display, nil, raycast)); err != nil {
		t.Fatalf("Cycle() error: %v", err)
	}
	if called {
		t.Error("raycast ran without valid geometry")
	}
	r := h.sink.results[0]
	if len(r.Poses) != 2 || r.Poses[0].Valid || r.Poses[1].Valid || r.Poses[1].ID != 2 {
		t.Errorf("poses = %+v, want two invalid", r.Poses)
	}
	if st := h.loop.Stats(); st.GeometryFaults != 1 {
		t.Errorf("GeometryFaults = %d, want 1", st.GeometryFaults)
	}
}

func TestSessionStatus(t *testing.T) {
	h := newHarness(t)
	s := NewSession(h.display, nil, nil)
	h.source.push(frame(1, 640, 480))

	s.SetStatus(StatusNotTracking)
	if err := h.loop.Cycle(context.Background(), s); err != nil {
		t.Fatalf("not tracking returned %v", err)
	}
	if h.detector.calls != 0 || h.loop.Stats().SessionInvalid != 1 {
		t.Error("not-tracking cycle should be skipped")
	}

	for _, st := range []Status{StatusPermissionNotGranted, StatusFatal} {
		s.SetStatus(st)
		if err := h.loop.Cycle(context.Background(), s); !errors.Is(err, ErrSessionFatal) {
			t.Errorf("status %s: err = %v, want ErrSessionFatal", st, err)
		}
	}
}

func TestGeometryIsCached(t *testing.T) {
	h := newHarness(t)
	cam := &countingCamera{}
	s := NewSession(h.display, cam, nil)
	h.detector.records = []marker.Record{square(1, 315, 235)}

	run := func(n int) {
		for i := 0; i < n; i++ {
			h.source.push(frame(uint64(i), 640, 480))
			if err := h.loop.Cycle(context.Background(), s); err != nil {
				t.Fatalf("Cycle() error: %v", err)
			}
		}
	}

	run(3)
	st := h.loop.Stats()
	if st.DisplayRecomputes != 1 || st.QuadRecomputes != 1 || cam.calls != 4 {
		t.Errorf("after 3 cycles: display %d, quad %d, camera calls %d; want 1, 1, 4",
			st.DisplayRecomputes, st.QuadRecomputes, cam.calls)
	}
	last := h.sink.results[len(h.sink.results)-1]
	if !last.Poses[0].HasImagePlanePosition {
		t.Error("pose missing image plane position")
	}

	if err := h.display.SetScreen(geometry.Size{Width: 480, Height: 640}); err != nil {
		t.Fatal(err)
	}
	run(2)
	st = h.loop.Stats()
	if st.DisplayRecomputes != 2 || st.QuadRecomputes != 2 || cam.calls != 8 {
		t.Errorf("after resize: display %d, quad %d, camera calls %d; want 2, 2, 8",
			st.DisplayRecomputes, st.QuadRecomputes, cam.calls)
	}

	s.InvalidateGeometry()
	run(1)
	if st := h.loop.Stats(); st.QuadRecomputes != 3 || cam.calls != 12 {
		t.Errorf("after invalidate: quad %d, camera calls %d; want 3, 12", st.QuadRecomputes, cam.calls)
	}
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	s := NewSession(h.display, nil, nil)
	h.source.push(frame(1, 640, 480))

	h.loop.Pause()
	if !h.loop.IsPaused() {
		t.Fatal("IsPaused() = false after Pause()")
	}
	_ = h.loop.Cycle(context.Background(), s)
	if len(h.sink.results) != 0 || h.loop.Stats().Paused != 1 {
		t.Error("paused loop processed a frame")
	}

	h.loop.Resume()
	_ = h.loop.Cycle(context.Background(), s)
	if len(h.sink.results) != 1 {
		t.Error("resumed loop did not process the pending frame")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	s := NewSession(h.display, nil, nil)
	h.source.push(frame(1, 640, 480), frame(2, 640, 480), frame(3, 640, 480))

	ticks := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx, s, ChannelBoundary(ticks)) }()

	for i := 0; i < 3; i++ {
		ticks <- struct{}{}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop")
	}
	if st := h.loop.Stats(); st.Processed < 2 {
		t.Errorf("Processed = %d, want at least 2", st.Processed)
	}
}

func TestRunReturnsFatal(t *testing.T) {
	h := newHarness(t)
	s := NewSession(h.display, nil, nil)
	s.SetStatus(StatusFatal)

	boundary := BoundaryFunc(func(ctx context.Context) error { return nil })
	if err := h.loop.Run(context.Background(), s, boundary); !errors.Is(err, ErrSessionFatal) {
		t.Errorf("Run() = %v, want ErrSessionFatal", err)
	}
}

func TestFaultLogIsRateLimited(t *testing.T) {
	source := &sliceSource{}
	det := &fakeDetector{err: transcoder.ErrEngineFault}
	loop, err := New(Config{
		Source: source, Detector: det, Sink: &collectSink{},
		FaultLogInterval: time.Hour, Logger: quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	s := NewSession(geometry.NewDisplayState(0, geometry.Rotation0, geometry.Size{Width: 64, Height: 48}), nil, nil)

	for i := 0; i < 5; i++ {
		source.push(frame(uint64(i), 64, 48))
		_ = loop.Cycle(context.Background(), s)
	}

	st := loop.Stats()
	if st.DetectorFaults != 5 {
		t.Errorf("DetectorFaults = %d, want 5", st.DetectorFaults)
	}
	if st.SuppressedLogs != 2 {
		t.Errorf("SuppressedLogs = %d, want 2 (burst of 3)", st.SuppressedLogs)
	}
}

func TestNewRequiresPorts(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() accepted an empty config")
	}
}

func TestTickerBoundary(t *testing.T) {
	b, err := NewTickerBoundary(1000)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Wait(ctx); err != nil {
		t.Errorf("Wait() error: %v", err)
	}
	if _, err := NewTickerBoundary(0); err == nil {
		t.Error("zero fps accepted")
	}
}

func TestChannelBoundaryClosed(t *testing.T) {
	ch := make(chan struct{})
	close(ch)
	if err := ChannelBoundary(ch).Wait(context.Background()); err == nil {
		t.Error("closed boundary should end the loop")
	}
}
