package pose

import (
	"fmt"
	"math"
	"sync"

	"github.com/golang/geo/r3"

	"github.com/hG3n/ar-core-marker-detection/internal/geometry"
	"github.com/hG3n/ar-core-marker-detection/internal/marker"
)

// RayCamera casts world rays through screen pixels (origin bottom-left).
type RayCamera interface {
	Ray(screen marker.Point2) (origin, dir r3.Vector)
	Screen() geometry.Size
}

// TrackedPlane is a planar surface in the scene.
type TrackedPlane struct {
	ID     string
	Center r3.Vector
	Normal r3.Vector
	// Extent is the radius of the tracked polygon around Center. Zero means
	// the polygon is unknown and only FilterPlaneWithinInfinity can hit it.
	Extent float64
}

// FeaturePoint is a tracked 3D point.
type FeaturePoint struct {
	Position  r3.Vector
	HasNormal bool
}

// DefaultPointRadius is how close a ray must pass to hit a feature point.
const DefaultPointRadius = 0.02

// PlaneRaycaster is a scene raycast service over a static set of tracked
// planes and feature points. It serves hosts that have no AR tracker of their
// own. Input points are in SpaceViewport or SpaceViewportPixels.
//
// Thread-safety: SetPlanes/SetPoints may be called concurrently with Raycast.
type PlaneRaycaster struct {
	camera      RayCamera
	space       Space
	pointRadius float64

	mu     sync.RWMutex
	planes []TrackedPlane
	points []FeaturePoint
}

// NewPlaneRaycaster creates a raycaster. Only viewport spaces are supported
// because the raycaster has no sensor geometry.
func NewPlaneRaycaster(camera RayCamera, space Space) (*PlaneRaycaster, error) {
	if camera == nil {
		return nil, fmt.Errorf("plane raycaster needs a camera")
	}
	if space == SpaceImage {
		return nil, fmt.Errorf("plane raycaster does not support %s space", space)
	}
	return &PlaneRaycaster{camera: camera, space: space, pointRadius: DefaultPointRadius}, nil
}

// SetPlanes replaces the tracked planes.
func (p *PlaneRaycaster) SetPlanes(planes []TrackedPlane) {
	cp := append([]TrackedPlane(nil), planes...)
	p.mu.Lock()
	p.planes = cp
	p.mu.Unlock()
}

// SetPoints replaces the tracked feature points.
func (p *PlaneRaycaster) SetPoints(points []FeaturePoint) {
	cp := append([]FeaturePoint(nil), points...)
	p.mu.Lock()
	p.points = cp
	p.mu.Unlock()
}

// Raycast implements RaycastFunc. The nearest matching hit wins.
func (p *PlaneRaycaster) Raycast(x, y float64, filter HitFilter) (Hit, bool) {
	screen := p.camera.Screen()
	if !screen.Valid() {
		return Hit{}, false
	}

	// viewport origin is top-left; camera screen origin is bottom-left
	px, py := x, y
	if p.space == SpaceViewport {
		px, py = x*float64(screen.Width), y*float64(screen.Height)
	}
	origin, dir := p.camera.Ray(marker.Point2{X: px, Y: float64(screen.Height) - py})

	p.mu.RLock()
	defer p.mu.RUnlock()

	best := Hit{Distance: math.Inf(1)}
	found := false
	consider := func(h Hit) {
		if h.Distance < best.Distance {
			best = h
			found = true
		}
	}

	if filter&(FilterPlaneWithinPolygon|FilterPlaneWithinInfinity) != 0 {
		for _, tp := range p.planes {
			if h, ok := hitPlane(tp, origin, dir, filter); ok {
				consider(h)
			}
		}
	}

	if filter&(FilterFeaturePoint|FilterFeaturePointWithSurfaceNormal) != 0 {
		for _, fp := range p.points {
			kind := FilterFeaturePoint
			if !filter.Has(FilterFeaturePoint) {
				if !fp.HasNormal {
					continue
				}
				kind = FilterFeaturePointWithSurfaceNormal
			}
			if h, ok := hitPoint(fp, origin, dir, p.pointRadius); ok {
				h.Kind = kind
				consider(h)
			}
		}
	}

	return best, found
}

func hitPlane(tp TrackedPlane, origin, dir r3.Vector, filter HitFilter) (Hit, bool) {
	n := tp.Normal.Normalize()
	if n.Norm() == 0 {
		return Hit{}, false
	}
	plane := geometry.Plane{Normal: n, Distance: -n.Dot(tp.Center)}

	t, ok := plane.Raycast(origin, dir)
	if !ok {
		return Hit{}, false
	}
	pos := origin.Add(dir.Mul(t))

	inside := tp.Extent > 0 && pos.Distance(tp.Center) <= tp.Extent
	switch {
	case inside && filter.Has(FilterPlaneWithinPolygon):
		return Hit{Position: pos, Distance: t, Kind: FilterPlaneWithinPolygon}, true
	case filter.Has(FilterPlaneWithinInfinity):
		return Hit{Position: pos, Distance: t, Kind: FilterPlaneWithinInfinity}, true
	}
	return Hit{}, false
}

// hitPoint reports the closest approach of the ray to a feature point.
func hitPoint(fp FeaturePoint, origin, dir r3.Vector, radius float64) (Hit, bool) {
	t := fp.Position.Sub(origin).Dot(dir)
	if t <= 0 {
		return Hit{}, false
	}
	closest := origin.Add(dir.Mul(t))
	if closest.Distance(fp.Position) > radius {
		return Hit{}, false
	}
	return Hit{Position: fp.Position, Distance: t}, true
}
