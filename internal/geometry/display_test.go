package geometry

import (
	"errors"
	"math"
	"testing"

	"github.com/hG3n/ar-core-marker-detection/internal/marker"
)

const eps = 1e-9

func approx(a, b float64) bool {
	return math.Abs(a-b) < eps
}

type fixedOrientation struct {
	sensor    int
	hasSensor bool
	surface   SurfaceRotation
}

func (f fixedOrientation) SensorMountRotation() (int, bool) { return f.sensor, f.hasSensor }
func (f fixedOrientation) SurfaceRotation() SurfaceRotation { return f.surface }

func TestComputeDisplayRotation(t *testing.T) {
	tests := []struct {
		name string
		src  OrientationSource
		want int
	}{
		{"nil source", nil, DefaultDisplayRotation},
		{"sensor not queryable", fixedOrientation{sensor: 90, hasSensor: false, surface: Rotation90}, 0},
		{"portrait phone", fixedOrientation{sensor: 90, hasSensor: true, surface: Rotation0}, 90},
		{"landscape phone", fixedOrientation{sensor: 90, hasSensor: true, surface: Rotation90}, 180},
		{"wraps at 360", fixedOrientation{sensor: 270, hasSensor: true, surface: Rotation180}, 90},
		{"reverse landscape", fixedOrientation{sensor: 90, hasSensor: true, surface: Rotation270}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeDisplayRotation(tt.src); got != tt.want {
				t.Errorf("ComputeDisplayRotation() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSurfaceRotationFromDegrees(t *testing.T) {
	for _, deg := range []int{0, 90, 180, 270, 360, -90} {
		r, err := SurfaceRotationFromDegrees(deg)
		if err != nil {
			t.Fatalf("SurfaceRotationFromDegrees(%d) error: %v", deg, err)
		}
		if got, want := r.Degrees(), normalizeDegrees(deg); got != want {
			t.Errorf("SurfaceRotationFromDegrees(%d).Degrees() = %d, want %d", deg, got, want)
		}
	}
}

func TestComputeUVCropFractions(t *testing.T) {
	tests := []struct {
		name     string
		w, h     int
		screen   Size
		rotation int
		wantU    float64
		wantV    float64
	}{
		{"same aspect", 640, 480, Size{800, 600}, 0, 0, 0},
		{"portrait screen, no rotation crops width", 640, 480, Size{1080, 1920}, 0, 0.2890625, 0},
		{"portrait screen, rotated crops height", 640, 480, Size{1080, 1920}, 90, 0, 0.125},
		{"rotation 270 swaps like 90", 640, 480, Size{1080, 1920}, 270, 0, 0.125},
		{"wide screen crops height", 640, 480, Size{1920, 1080}, 0, 0, 0.125},
		{"rotated matching aspect", 480, 640, Size{800, 600}, 90, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeUVCropFractions(tt.w, tt.h, tt.screen, tt.rotation)
			if err != nil {
				t.Fatalf("ComputeUVCropFractions() error: %v", err)
			}
			if !approx(got.U, tt.wantU) || !approx(got.V, tt.wantV) {
				t.Errorf("ComputeUVCropFractions() = %+v, want U=%v V=%v", got, tt.wantU, tt.wantV)
			}
		})
	}
}

func TestComputeUVCropFractionsRange(t *testing.T) {
	dims := []int{1, 2, 3, 7, 480, 640, 720, 1080, 1280, 1920, 4032}
	screens := []Size{{1, 1}, {1080, 1920}, {1920, 1080}, {1170, 2532}, {3, 1000}}

	for _, w := range dims {
		for _, h := range dims {
			for _, s := range screens {
				for _, rot := range []int{0, 90, 180, 270} {
					got, err := ComputeUVCropFractions(w, h, s, rot)
					if err != nil {
						t.Fatalf("ComputeUVCropFractions(%d,%d,%v,%d) error: %v", w, h, s, rot, err)
					}
					if got.U < 0 || got.U >= 0.5 || got.V < 0 || got.V >= 0.5 {
						t.Fatalf("ComputeUVCropFractions(%d,%d,%v,%d) = %+v out of [0,0.5)", w, h, s, rot, got)
					}
					if got.U != 0 && got.V != 0 {
						t.Fatalf("ComputeUVCropFractions(%d,%d,%v,%d) = %+v crops both axes", w, h, s, rot, got)
					}
				}
			}
		}
	}
}

func TestComputeUVCropFractionsExactZeroOnMatchingAspect(t *testing.T) {
	// 3:4 sensors against 3:4 screens at awkward sizes still give exact zeros.
	for _, k := range []int{1, 3, 7, 11, 160} {
		got, err := ComputeUVCropFractions(3*k, 4*k, Size{Width: 30, Height: 40}, 0)
		if err != nil {
			t.Fatalf("ComputeUVCropFractions() error: %v", err)
		}
		if got.U != 0 || got.V != 0 {
			t.Errorf("ComputeUVCropFractions(%d,%d) = %+v, want exact zero", 3*k, 4*k, got)
		}
	}
}

func TestComputeUVCropFractionsInvalidGeometry(t *testing.T) {
	tests := []struct {
		name   string
		w, h   int
		screen Size
	}{
		{"zero width", 0, 480, Size{1080, 1920}},
		{"zero height", 640, 0, Size{1080, 1920}},
		{"negative height", 640, -1, Size{1080, 1920}},
		{"zero screen", 640, 480, Size{0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeUVCropFractions(tt.w, tt.h, tt.screen, 90)
			if !errors.Is(err, ErrInvalidGeometry) {
				t.Errorf("error = %v, want ErrInvalidGeometry", err)
			}
		})
	}
}

func TestUVQuadMapsToViewportCorners(t *testing.T) {
	const w, h = 640, 480
	wantCorners := map[string]marker.Point2{
		"TL": {X: 0, Y: 0},
		"TR": {X: 1, Y: 0},
		"BR": {X: 1, Y: 1},
		"BL": {X: 0, Y: 1},
	}

	for _, rot := range []int{0, 90, 180, 270} {
		tr := DisplayTransform{RotationDegrees: rot, UCrop: 0.1, VCrop: 0.05}
		q := tr.UVQuad()
		got := map[string]marker.Point2{
			"TL": q.TopLeft,
			"TR": q.TopRight,
			"BR": q.BottomRight,
			"BL": q.BottomLeft,
		}

		for name, uv := range got {
			vp, err := tr.ImageToViewport(marker.Point2{X: uv.X * w, Y: uv.Y * h}, w, h)
			if err != nil {
				t.Fatalf("ImageToViewport() error: %v", err)
			}
			want := wantCorners[name]
			if !approx(vp.X, want.X) || !approx(vp.Y, want.Y) {
				t.Errorf("rotation %d: UV %s %+v maps to %+v, want %+v", rot, name, uv, vp, want)
			}
		}
	}
}

func TestImageToViewport(t *testing.T) {
	tr := DisplayTransform{RotationDegrees: 0, UCrop: 0.25}

	got, err := tr.ImageToViewport(marker.Point2{X: 160, Y: 240}, 640, 480)
	if err != nil {
		t.Fatalf("ImageToViewport() error: %v", err)
	}
	if !approx(got.X, 0) || !approx(got.Y, 0.5) {
		t.Errorf("ImageToViewport() = %+v, want (0, 0.5)", got)
	}

	// cropped border falls outside [0,1]
	got, _ = tr.ImageToViewport(marker.Point2{X: 0, Y: 0}, 640, 480)
	if got.X >= 0 {
		t.Errorf("border pixel X = %v, want < 0", got.X)
	}

	if _, err := tr.ImageToViewport(marker.Point2{}, 0, 480); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("zero width error = %v, want ErrInvalidGeometry", err)
	}
}

func TestDisplayResolverCaches(t *testing.T) {
	state := NewDisplayState(90, Rotation0, Size{1080, 1920})
	r := NewDisplayResolver()

	first, recomputed, err := r.Resolve(state, state.Screen(), 640, 480)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if !recomputed {
		t.Error("first Resolve() should compute")
	}
	if first.RotationDegrees != 90 {
		t.Errorf("RotationDegrees = %d, want 90", first.RotationDegrees)
	}

	second, recomputed, _ := r.Resolve(state, state.Screen(), 640, 480)
	if recomputed || second != first {
		t.Errorf("second Resolve() recomputed=%v transform=%+v, want cached %+v", recomputed, second, first)
	}

	state.SetSurfaceRotation(Rotation90)
	third, recomputed, _ := r.Resolve(state, state.Screen(), 640, 480)
	if !recomputed {
		t.Error("Resolve() after rotation change should recompute")
	}
	if third.RotationDegrees != 180 {
		t.Errorf("RotationDegrees = %d, want 180", third.RotationDegrees)
	}

	if got := r.Computations(); got != 2 {
		t.Errorf("Computations() = %d, want 2", got)
	}

	if _, _, err := r.Resolve(state, state.Screen(), 0, 480); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("zero image error = %v, want ErrInvalidGeometry", err)
	}
}

func TestDisplayStateSetScreen(t *testing.T) {
	state := NewDisplayState(-1, Rotation0, Size{100, 100})

	if _, ok := state.SensorMountRotation(); ok {
		t.Error("negative sensor mount should report not queryable")
	}
	if err := state.SetScreen(Size{0, 10}); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("SetScreen(0x10) error = %v, want ErrInvalidGeometry", err)
	}
	if err := state.SetScreen(Size{200, 300}); err != nil {
		t.Fatalf("SetScreen() error: %v", err)
	}
	if got := state.Screen(); got != (Size{200, 300}) {
		t.Errorf("Screen() = %v, want 200x300", got)
	}
}
