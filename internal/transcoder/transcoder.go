// Package transcoder marshals image planes into the detector's wire format,
// runs detection, and decodes the flat response into marker records.
//
// Fault containment:
//   - Engine error or panic      → ErrEngineFault, empty records
//   - Bad record stride          → ErrRecordStride, empty records
//   - Plane shorter than needed  → ErrInvalidBuffer, frame must be skipped
//
// None of these is fatal; the caller logs and moves on to the next frame.
//
// Buffers:
//
//	The luma, chroma and response copies live in arenas that grow on demand and
//	are reused across frames. Records are rebuilt from scratch every call; the
//	previous frame's records are never merged or carried over.
//
// Thread-safety: a Transcoder is owned by one frame loop. Stats is safe to
// call concurrently.
package transcoder

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hG3n/ar-core-marker-detection/internal/marker"
)

// DefaultEventID is the event passed to EventIssuer engines.
const DefaultEventID = 1

// Config configures a Transcoder.
type Config struct {
	// Chroma enables the chroma wire form when a plane carries a ChromaPlane.
	Chroma bool
	// EventID is passed to engines implementing EventIssuer.
	EventID int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Stats is a snapshot of transcoder counters.
type Stats struct {
	Frames         uint64
	Markers        uint64
	EngineFaults   uint64
	StrideFaults   uint64
	BufferFaults   uint64
	DroppedRecords uint64
	ArenaGrows     uint64
}

// arena is a byte buffer that is reused across frames and grows on demand.
type arena struct {
	buf   []byte
	grows *atomic.Uint64
}

func (a *arena) take(n int) []byte {
	if cap(a.buf) < n {
		a.buf = make([]byte, n)
		a.grows.Add(1)
	}
	return a.buf[:n]
}

// Transcoder runs one detection per call against an Engine.
type Transcoder struct {
	engine  Engine
	chroma  bool
	eventID int
	logger  *slog.Logger

	luma     arena
	uv       arena
	response arena

	// decode anomalies are logged at Warn at most once per interval
	warnings rate.Sometimes

	frames         atomic.Uint64
	markers        atomic.Uint64
	engineFaults   atomic.Uint64
	strideFaults   atomic.Uint64
	bufferFaults   atomic.Uint64
	droppedRecords atomic.Uint64
	arenaGrows     atomic.Uint64
}

// New creates a Transcoder for engine.
func New(engine Engine, cfg Config) *Transcoder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	eventID := cfg.EventID
	if eventID == 0 {
		eventID = DefaultEventID
	}

	t := &Transcoder{
		engine:   engine,
		chroma:   cfg.Chroma,
		eventID:  eventID,
		logger:   logger,
		warnings: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	t.luma.grows = &t.arenaGrows
	t.uv.grows = &t.arenaGrows
	t.response.grows = &t.arenaGrows
	return t
}

// SetTime forwards the session time to engines implementing Clock.
func (t *Transcoder) SetTime(seconds float64) {
	if c, ok := t.engine.(Clock); ok {
		c.SetTime(seconds)
	}
}

// TranscodeAndDetect copies plane into the wire buffer, runs detection and
// decodes the response.
//
// The returned slice is freshly allocated and owned by the caller. On
// ErrEngineFault or ErrRecordStride the slice is empty (not nil) and the frame
// may continue; on ErrInvalidBuffer the frame must be skipped.
func (t *Transcoder) TranscodeAndDetect(ctx context.Context, plane marker.ImagePlane) ([]marker.Record, error) {
	t.frames.Add(1)

	req, err := t.buildRequest(plane)
	if err != nil {
		t.bufferFaults.Add(1)
		return nil, err
	}

	if err := t.detect(ctx, req); err != nil {
		t.engineFaults.Add(1)
		return []marker.Record{}, err
	}

	if issuer, ok := t.engine.(EventIssuer); ok {
		issuer.IssueEvent(t.eventID)
	}

	records, err := t.fetch(ctx)
	if err != nil {
		return []marker.Record{}, err
	}

	t.markers.Add(uint64(len(records)))
	return records, nil
}

// buildRequest copies exactly RowStride*Height luma bytes (and the chroma
// plane when enabled) into the arenas.
func (t *Transcoder) buildRequest(plane marker.ImagePlane) (DetectRequest, error) {
	if plane.Width <= 0 || plane.Height <= 0 || plane.RowStride < plane.Width {
		return DetectRequest{}, fmt.Errorf("%w: geometry %dx%d stride %d",
			ErrInvalidBuffer, plane.Width, plane.Height, plane.RowStride)
	}

	need := plane.LumaLength()
	if len(plane.Data) < need {
		return DetectRequest{}, fmt.Errorf("%w: have %d bytes, need %d", ErrInvalidBuffer, len(plane.Data), need)
	}

	luma := t.luma.take(need)
	copy(luma, plane.Data[:need])

	req := DetectRequest{
		Width:     int32(plane.Width),
		Height:    int32(plane.Height),
		RowStride: int32(plane.RowStride),
		Luma:      luma,
	}

	if t.chroma && plane.Chroma != nil {
		needUV := plane.ChromaLength()
		if len(plane.Chroma.Data) < needUV {
			return DetectRequest{}, fmt.Errorf("%w: chroma has %d bytes, need %d",
				ErrInvalidBuffer, len(plane.Chroma.Data), needUV)
		}
		uv := t.uv.take(needUV)
		copy(uv, plane.Chroma.Data[:needUV])

		req.UVStride = int32(plane.Chroma.RowStride)
		req.UVPixelStride = int32(plane.Chroma.PixelStride)
		req.Chroma = uv
	}

	return req, nil
}

func (t *Transcoder) detect(ctx context.Context, req DetectRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: detect panicked: %v", ErrEngineFault, r)
		}
	}()

	if err := t.engine.Detect(ctx, req); err != nil {
		return fmt.Errorf("%w: detect: %v", ErrEngineFault, err)
	}
	return nil
}

func (t *Transcoder) fetchResults(ctx context.Context) (res Results, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: fetch panicked: %v", ErrEngineFault, r)
		}
	}()

	res, err = t.engine.FetchResults(ctx)
	if err != nil {
		return Results{}, fmt.Errorf("%w: fetch: %v", ErrEngineFault, err)
	}
	return res, nil
}

// fetch copies the response out of the engine handle, releases it, and
// decodes the copy.
func (t *Transcoder) fetch(ctx context.Context) ([]marker.Record, error) {
	res, err := t.fetchResults(ctx)
	if err != nil {
		t.engineFaults.Add(1)
		return nil, err
	}
	if res.Handle != nil {
		defer res.Handle.Release()
	}

	if res.Length <= 0 {
		return []marker.Record{}, nil
	}

	if res.RecordStride != RecordStride {
		t.strideFaults.Add(1)
		return nil, fmt.Errorf("%w: got %d, want %d", ErrRecordStride, res.RecordStride, RecordStride)
	}

	if res.Handle == nil || len(res.Handle.Bytes()) < int(res.Length) {
		t.engineFaults.Add(1)
		have := 0
		if res.Handle != nil {
			have = len(res.Handle.Bytes())
		}
		return nil, fmt.Errorf("%w: result handle has %d bytes, length is %d", ErrEngineFault, have, res.Length)
	}

	owned := t.response.take(int(res.Length))
	copy(owned, res.Handle.Bytes()[:res.Length])

	decoded, err := DecodeRecords(owned, int(res.RecordStride))
	if err != nil {
		t.strideFaults.Add(1)
		return nil, err
	}

	if decoded.Dropped > 0 || decoded.Remainder > 0 {
		t.droppedRecords.Add(uint64(decoded.Dropped))
		t.warnings.Do(func() {
			t.logger.Warn("malformed detector records",
				"dropped_orientation", decoded.Dropped,
				"trailing_bytes", decoded.Remainder,
				"length", res.Length,
			)
		})
	}

	return decoded.Records, nil
}

// Stats returns a snapshot of the counters.
func (t *Transcoder) Stats() Stats {
	return Stats{
		Frames:         t.frames.Load(),
		Markers:        t.markers.Load(),
		EngineFaults:   t.engineFaults.Load(),
		StrideFaults:   t.strideFaults.Load(),
		BufferFaults:   t.bufferFaults.Load(),
		DroppedRecords: t.droppedRecords.Load(),
		ArenaGrows:     t.arenaGrows.Load(),
	}
}
