package framesource

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/hG3n/ar-core-marker-detection/internal/marker"
)

func paddedPlane(seq uint64, w, h, stride int, fill func(x, y int) byte) marker.ImagePlane {
	data := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data[y*stride+x] = fill(x, y)
		}
		for x := w; x < stride; x++ {
			data[y*stride+x] = 0xEE // padding must not leak into the image
		}
	}
	return marker.ImagePlane{Width: w, Height: h, RowStride: stride, PixelStride: 1, Data: data, Seq: seq}
}

func TestRecorderReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, "png", 0)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		p := paddedPlane(seq, 6, 4, 8, func(x, y int) byte { return byte(int(seq)*50 + x + y) })
		path, err := rec.Save(p)
		if err != nil {
			t.Fatalf("Save(%d) failed: %v", seq, err)
		}
		if filepath.Dir(path) != dir {
			t.Errorf("saved outside dir: %s", path)
		}
	}
	if saved, failed := rec.Stats(); saved != 3 || failed != 0 {
		t.Errorf("stats = %d saved, %d failed", saved, failed)
	}

	mb := NewMailbox()
	replay, err := NewReplaySource(ReplayConfig{Dir: dir, FPS: 10, Logger: quietLogger()}, mb)
	if err != nil {
		t.Fatalf("NewReplaySource failed: %v", err)
	}
	for seq := 1; seq <= 3; seq++ {
		if !replay.Step() {
			t.Fatalf("replay exhausted at %d", seq)
		}
		got, ok := mb.Acquire()
		if !ok {
			t.Fatal("no frame published")
		}
		if got.Width != 6 || got.Height != 4 {
			t.Fatalf("replayed size %dx%d", got.Width, got.Height)
		}
		want := byte(seq*50 + 2 + 1)
		if v := got.Data[1*got.RowStride+2]; v != want {
			t.Errorf("frame %d pixel (2,1) = %d, want %d", seq, v, want)
		}
	}
}

func TestRecorderFormats(t *testing.T) {
	p := paddedPlane(7, 4, 4, 4, func(x, y int) byte { return byte(x * 60) })
	for _, format := range []string{"png", "jpeg", "tiff"} {
		rec, err := NewRecorder(t.TempDir(), format, 90)
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if _, err := rec.Save(p); err != nil {
			t.Errorf("%s: Save failed: %v", format, err)
		}
	}

	if _, err := NewRecorder(t.TempDir(), "gif", 0); err == nil {
		t.Error("gif accepted")
	}
}

func TestRecorderRejectsShortPlane(t *testing.T) {
	rec, err := NewRecorder(t.TempDir(), "png", 0)
	if err != nil {
		t.Fatal(err)
	}
	short := marker.ImagePlane{Width: 4, Height: 4, RowStride: 4, Data: make([]byte, 10)}
	if _, err := rec.Save(short); err == nil {
		t.Error("short plane saved")
	}
	if _, failed := rec.Stats(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}

func TestGrayFromPlanePixelStride(t *testing.T) {
	p := marker.ImagePlane{Width: 2, Height: 1, RowStride: 4, PixelStride: 2, Data: []byte{10, 0, 20, 0}}
	img, err := grayFromPlane(p)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(img.Pix, []byte{10, 20}) {
		t.Errorf("pix = %v", img.Pix)
	}
}
