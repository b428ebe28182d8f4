package pose

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/hG3n/ar-core-marker-detection/internal/geometry"
	"github.com/hG3n/ar-core-marker-detection/internal/marker"
)

func newCamera(t *testing.T) *geometry.ProjectionCamera {
	t.Helper()
	cam, err := geometry.NewProjectionCamera(geometry.ProjectionConfig{
		FovYDegrees: 90,
		Near:        0.1,
		Far:         100,
		Screen:      geometry.Size{Width: 100, Height: 100},
	})
	if err != nil {
		t.Fatalf("NewProjectionCamera() error: %v", err)
	}
	return cam
}

func floor(extent float64) TrackedPlane {
	return TrackedPlane{ID: "wall", Center: r3.Vector{Z: -5}, Normal: r3.Vector{Z: 1}, Extent: extent}
}

func near(a, b r3.Vector) bool {
	return a.Sub(b).Norm() < 1e-6
}

func TestPlaneRaycasterPolygon(t *testing.T) {
	rc, err := NewPlaneRaycaster(newCamera(t), SpaceViewport)
	if err != nil {
		t.Fatalf("NewPlaneRaycaster() error: %v", err)
	}
	rc.SetPlanes([]TrackedPlane{floor(2)})

	hit, ok := rc.Raycast(0.5, 0.5, DefaultFilter)
	if !ok {
		t.Fatal("center ray should hit the plane")
	}
	if !near(hit.Position, r3.Vector{Z: -5}) || math.Abs(hit.Distance-5) > 1e-6 {
		t.Errorf("hit = %+v, want (0,0,-5) at distance 5", hit)
	}
	if hit.Kind != FilterPlaneWithinPolygon {
		t.Errorf("Kind = %b, want PlaneWithinPolygon", hit.Kind)
	}

	// top-right corner ray lands at (5,5,-5), outside the extent
	if _, ok := rc.Raycast(1, 0, DefaultFilter); ok {
		t.Error("ray outside the polygon should miss with the default filter")
	}

	hit, ok = rc.Raycast(1, 0, FilterPlaneWithinInfinity)
	if !ok {
		t.Fatal("infinite plane should be hit")
	}
	if !near(hit.Position, r3.Vector{X: 5, Y: 5, Z: -5}) {
		t.Errorf("hit = %v, want (5,5,-5)", hit.Position)
	}
}

func TestPlaneRaycasterFeaturePoints(t *testing.T) {
	rc, err := NewPlaneRaycaster(newCamera(t), SpaceViewportPixels)
	if err != nil {
		t.Fatalf("NewPlaneRaycaster() error: %v", err)
	}
	rc.SetPlanes([]TrackedPlane{floor(2)})
	rc.SetPoints([]FeaturePoint{{Position: r3.Vector{Z: -3}}})

	// the point has no normal: the default filter ignores it
	hit, ok := rc.Raycast(50, 50, DefaultFilter)
	if !ok || hit.Kind != FilterPlaneWithinPolygon {
		t.Errorf("hit = %+v, want the plane", hit)
	}

	hit, ok = rc.Raycast(50, 50, FilterFeaturePoint|FilterPlaneWithinPolygon)
	if !ok || hit.Kind != FilterFeaturePoint || !near(hit.Position, r3.Vector{Z: -3}) {
		t.Errorf("hit = %+v, want the nearer feature point", hit)
	}

	rc.SetPoints([]FeaturePoint{{Position: r3.Vector{Z: -3}, HasNormal: true}})
	hit, ok = rc.Raycast(50, 50, DefaultFilter)
	if !ok || hit.Kind != FilterFeaturePointWithSurfaceNormal {
		t.Errorf("hit = %+v, want feature point with normal", hit)
	}
}

func TestPlaneRaycasterBehindCamera(t *testing.T) {
	rc, _ := NewPlaneRaycaster(newCamera(t), SpaceViewport)
	rc.SetPlanes([]TrackedPlane{{Center: r3.Vector{Z: 5}, Normal: r3.Vector{Z: 1}}})
	rc.SetPoints([]FeaturePoint{{Position: r3.Vector{Z: 3}, HasNormal: true}})

	if hit, ok := rc.Raycast(0.5, 0.5, FilterPlaneWithinInfinity|FilterFeaturePoint); ok {
		t.Errorf("hit = %+v, want miss for geometry behind the camera", hit)
	}
}

func TestNewPlaneRaycasterRejectsImageSpace(t *testing.T) {
	if _, err := NewPlaneRaycaster(newCamera(t), SpaceImage); err == nil {
		t.Error("image space should be rejected")
	}
	if _, err := NewPlaneRaycaster(nil, SpaceViewport); err == nil {
		t.Error("nil camera should be rejected")
	}
}

func TestResolveThroughPlaneRaycaster(t *testing.T) {
	rc, _ := NewPlaneRaycaster(newCamera(t), SpaceViewport)
	rc.SetPlanes([]TrackedPlane{floor(2)})

	frame := Frame{ImageWidth: 100, ImageHeight: 100, Screen: geometry.Size{Width: 100, Height: 100}}
	poses := NewResolver(Config{}).Resolve(
		records(1), // centroid (5,5): far top-left, outside the polygon
		frame,
		rc.Raycast,
	)
	if poses[0].Valid {
		t.Errorf("pose = %+v, want invalid", poses[0])
	}

	poses = NewResolver(Config{}).Resolve([]marker.Record{square(9, 45, 45, 10)}, frame, rc.Raycast)
	if !poses[0].Valid || !near(poses[0].Position, r3.Vector{Z: -5}) {
		t.Errorf("pose = %+v, want valid at (0,0,-5)", poses[0])
	}
}
