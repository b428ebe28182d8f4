package transcoder

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/hG3n/ar-core-marker-detection/internal/marker"
)

// scriptedEngine records Detect calls and replays a fixed response.
type scriptedEngine struct {
	detectErr   error
	detectPanic bool
	fetchErr    error
	response    []byte
	length      int32
	stride      int32

	requests []DetectRequest
	released int
	events   []int
	times    []float64
}

func (e *scriptedEngine) Detect(ctx context.Context, req DetectRequest) error {
	if e.detectPanic {
		panic("native detector crashed")
	}
	// copy: the transcoder reuses its arenas
	cp := req
	cp.Luma = append([]byte(nil), req.Luma...)
	if req.Chroma != nil {
		cp.Chroma = append([]byte(nil), req.Chroma...)
	}
	e.requests = append(e.requests, cp)
	return e.detectErr
}

func (e *scriptedEngine) FetchResults(ctx context.Context) (Results, error) {
	if e.fetchErr != nil {
		return Results{}, e.fetchErr
	}
	return Results{
		Length:       e.length,
		RecordStride: e.stride,
		Handle:       NewBytesHandle(e.response, func() { e.released++ }),
	}, nil
}

func (e *scriptedEngine) IssueEvent(id int)       { e.events = append(e.events, id) }
func (e *scriptedEngine) SetTime(seconds float64) { e.times = append(e.times, seconds) }

func twoRecords() []byte {
	return []byte{
		7, 0, 10, 10, 20, 10, 20, 20, 10, 20,
		9, 3, 0, 0, 10, 0, 10, 10, 0, 10,
	}
}

func plane(w, h, stride int) marker.ImagePlane {
	data := make([]byte, stride*h)
	for i := range data {
		data[i] = byte(i)
	}
	return marker.ImagePlane{Width: w, Height: h, RowStride: stride, PixelStride: 1, Data: data}
}

func TestTranscodeAndDetect(t *testing.T) {
	resp := twoRecords()
	eng := &scriptedEngine{response: resp, length: int32(len(resp)), stride: RecordStride}
	tr := New(eng, Config{})

	p := plane(6, 4, 8)
	// extra trailing bytes in the source must not be sent
	p.Data = append(p.Data, 0xFF, 0xFF)

	records, err := tr.TranscodeAndDetect(context.Background(), p)
	if err != nil {
		t.Fatalf("TranscodeAndDetect() error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].ID != 7 || records[1].ID != 9 || records[1].Orientation != 3 {
		t.Errorf("records = %+v", records)
	}
	if c := records[0].Centroid(); c.X != 15 || c.Y != 15 {
		t.Errorf("centroid = %+v, want (15,15)", c)
	}

	if len(eng.requests) != 1 {
		t.Fatalf("Detect calls = %d, want 1", len(eng.requests))
	}
	req := eng.requests[0]
	if req.Width != 6 || req.Height != 4 || req.RowStride != 8 {
		t.Errorf("request geometry = %dx%d stride %d", req.Width, req.Height, req.RowStride)
	}
	if len(req.Luma) != 32 || !bytes.Equal(req.Luma, p.Data[:32]) {
		t.Errorf("luma = %d bytes, want exact 32-byte copy", len(req.Luma))
	}
	if req.HasChroma() {
		t.Error("luma-only plane should use the narrow wire form")
	}
	if eng.released != 1 {
		t.Errorf("handle released %d times, want 1", eng.released)
	}
	if len(eng.events) != 1 || eng.events[0] != DefaultEventID {
		t.Errorf("events = %v, want [%d]", eng.events, DefaultEventID)
	}
}

func TestTranscodeAndDetectFullReplace(t *testing.T) {
	resp := twoRecords()
	eng := &scriptedEngine{response: resp, length: int32(len(resp)), stride: RecordStride}
	tr := New(eng, Config{})

	if recs, _ := tr.TranscodeAndDetect(context.Background(), plane(4, 4, 4)); len(recs) != 2 {
		t.Fatalf("first frame: %d records, want 2", len(recs))
	}

	eng.length = 0
	recs, err := tr.TranscodeAndDetect(context.Background(), plane(4, 4, 4))
	if err != nil {
		t.Fatalf("TranscodeAndDetect() error: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("second frame: %d records, want 0 (no carry-over)", len(recs))
	}
	if eng.released != 2 {
		t.Errorf("handle released %d times, want 2", eng.released)
	}
}

func TestTranscodeAndDetectEngineFault(t *testing.T) {
	tests := []struct {
		name string
		eng  *scriptedEngine
	}{
		{"detect error", &scriptedEngine{detectErr: errors.New("boom")}},
		{"detect panic", &scriptedEngine{detectPanic: true}},
		{"fetch error", &scriptedEngine{fetchErr: errors.New("lost")}},
		{"short handle", &scriptedEngine{response: []byte{1, 2}, length: 20, stride: RecordStride}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New(tt.eng, Config{})

			recs, err := tr.TranscodeAndDetect(context.Background(), plane(4, 4, 4))
			if !errors.Is(err, ErrEngineFault) {
				t.Fatalf("error = %v, want ErrEngineFault", err)
			}
			if recs == nil || len(recs) != 0 {
				t.Errorf("records = %v, want empty non-nil", recs)
			}
			if got := tr.Stats().EngineFaults; got != 1 {
				t.Errorf("EngineFaults = %d, want 1", got)
			}
		})
	}
}

func TestTranscodeAndDetectBadStride(t *testing.T) {
	for _, stride := range []int32{0, -10, 12} {
		eng := &scriptedEngine{response: make([]byte, 24), length: 24, stride: stride}
		tr := New(eng, Config{})

		recs, err := tr.TranscodeAndDetect(context.Background(), plane(4, 4, 4))
		if !errors.Is(err, ErrRecordStride) {
			t.Errorf("stride %d: error = %v, want ErrRecordStride", stride, err)
		}
		if len(recs) != 0 {
			t.Errorf("stride %d: %d records, want 0", stride, len(recs))
		}
		if eng.released != 1 {
			t.Errorf("stride %d: handle released %d times, want 1", stride, eng.released)
		}
	}
}

func TestTranscodeAndDetectInvalidBuffer(t *testing.T) {
	eng := &scriptedEngine{}
	tr := New(eng, Config{})

	short := plane(4, 4, 4)
	short.Data = short.Data[:15]

	recs, err := tr.TranscodeAndDetect(context.Background(), short)
	if !errors.Is(err, ErrInvalidBuffer) {
		t.Fatalf("error = %v, want ErrInvalidBuffer", err)
	}
	if recs != nil {
		t.Errorf("records = %v, want nil (frame skipped)", recs)
	}
	if len(eng.requests) != 0 {
		t.Error("engine must not be called for a short buffer")
	}

	if _, err := tr.TranscodeAndDetect(context.Background(), plane(0, 4, 4)); !errors.Is(err, ErrInvalidBuffer) {
		t.Errorf("zero width error = %v, want ErrInvalidBuffer", err)
	}
	if got := tr.Stats().BufferFaults; got != 2 {
		t.Errorf("BufferFaults = %d, want 2", got)
	}
}

func TestTranscodeAndDetectChroma(t *testing.T) {
	eng := &scriptedEngine{}
	p := plane(4, 4, 4)
	p.Chroma = &marker.ChromaPlane{RowStride: 4, PixelStride: 2, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}}

	// disabled: narrow form even when the plane has chroma
	if _, err := New(eng, Config{}).TranscodeAndDetect(context.Background(), p); err != nil {
		t.Fatalf("TranscodeAndDetect() error: %v", err)
	}
	if eng.requests[0].HasChroma() {
		t.Error("chroma disabled but request carries chroma")
	}

	if _, err := New(eng, Config{Chroma: true}).TranscodeAndDetect(context.Background(), p); err != nil {
		t.Fatalf("TranscodeAndDetect() error: %v", err)
	}
	req := eng.requests[1]
	if req.UVStride != 4 || req.UVPixelStride != 2 {
		t.Errorf("uv stride = %d/%d, want 4/2", req.UVStride, req.UVPixelStride)
	}
	if !bytes.Equal(req.Chroma, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("chroma = %v, want first 8 bytes", req.Chroma)
	}

	p.Chroma.Data = p.Chroma.Data[:3]
	if _, err := New(eng, Config{Chroma: true}).TranscodeAndDetect(context.Background(), p); !errors.Is(err, ErrInvalidBuffer) {
		t.Errorf("short chroma error = %v, want ErrInvalidBuffer", err)
	}
}

func TestArenaReuse(t *testing.T) {
	eng := &scriptedEngine{}
	tr := New(eng, Config{})

	for i := 0; i < 5; i++ {
		if _, err := tr.TranscodeAndDetect(context.Background(), plane(8, 8, 8)); err != nil {
			t.Fatalf("TranscodeAndDetect() error: %v", err)
		}
	}
	// smaller frames reuse the same buffer
	if _, err := tr.TranscodeAndDetect(context.Background(), plane(4, 4, 4)); err != nil {
		t.Fatalf("TranscodeAndDetect() error: %v", err)
	}
	if got := tr.Stats().ArenaGrows; got != 1 {
		t.Errorf("ArenaGrows = %d, want 1", got)
	}

	if _, err := tr.TranscodeAndDetect(context.Background(), plane(16, 16, 16)); err != nil {
		t.Fatalf("TranscodeAndDetect() error: %v", err)
	}
	if got := tr.Stats().ArenaGrows; got != 2 {
		t.Errorf("ArenaGrows = %d, want 2", got)
	}
	if got := tr.Stats().Frames; got != 7 {
		t.Errorf("Frames = %d, want 7", got)
	}
}

func TestSetTimeForwardsToClock(t *testing.T) {
	eng := &scriptedEngine{}
	New(eng, Config{}).SetTime(1.5)
	if len(eng.times) != 1 || eng.times[0] != 1.5 {
		t.Errorf("times = %v, want [1.5]", eng.times)
	}
}
