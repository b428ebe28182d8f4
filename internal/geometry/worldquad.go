package geometry

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/hG3n/ar-core-marker-detection/internal/marker"
)

// DefaultImageAspect is the height/width ratio assumed for the camera image
// plane (4:3 sensor).
const DefaultImageAspect = 0.75

// RenderCamera is the scene camera used to place the image plane in world
// space. Screen points have their origin at the bottom-left corner, in pixels.
type RenderCamera interface {
	// ScreenToWorld un-projects a screen point at the given view depth.
	ScreenToWorld(screen marker.Point2, depth float64) r3.Vector
	// NearClip is the near clipping distance.
	NearClip() float64
	// CurrentProjection returns the 4x4 projection for the given clip planes.
	CurrentProjection(near, far float64) *mat.Dense
}

// Plane is n·p + Distance = 0 with a unit normal.
type Plane struct {
	Normal   r3.Vector
	Distance float64
}

// NewPlane builds the plane through a, b, c. The normal follows the winding
// (b-a)×(c-a).
func NewPlane(a, b, c r3.Vector) (Plane, error) {
	n := b.Sub(a).Cross(c.Sub(a))
	if n.Norm() == 0 {
		return Plane{}, fmt.Errorf("%w: collinear plane points", ErrInvalidGeometry)
	}
	n = n.Normalize()
	return Plane{Normal: n, Distance: -n.Dot(a)}, nil
}

// SignedDistance is positive on the side the normal points to.
func (p Plane) SignedDistance(pt r3.Vector) float64 {
	return p.Normal.Dot(pt) + p.Distance
}

// Raycast intersects the ray origin + t*dir with the plane. ok is false for
// rays parallel to the plane or hits behind the origin.
func (p Plane) Raycast(origin, dir r3.Vector) (t float64, ok bool) {
	vdot := dir.Dot(p.Normal)
	if math.Abs(vdot) < 1e-12 {
		return 0, false
	}
	t = -(origin.Dot(p.Normal) + p.Distance) / vdot
	return t, t > 0
}

// WorldQuad is where the camera image visually sits in world space.
type WorldQuad struct {
	TopLeft     r3.Vector
	TopRight    r3.Vector
	BottomRight r3.Vector
	BottomLeft  r3.Vector
	// Plane passes through TopLeft, TopRight and BottomRight.
	Plane Plane
	// XScale is the quad width, YScale its height.
	XScale float64
	YScale float64
}

// Interpolate returns the world point at texture coordinate uv on the quad
// (u left to right, v top to bottom), bilinear in the four corners.
func (q WorldQuad) Interpolate(uv marker.Point2) r3.Vector {
	top := lerp(q.TopLeft, q.TopRight, uv.X)
	bottom := lerp(q.BottomLeft, q.BottomRight, uv.X)
	return lerp(top, bottom, uv.Y)
}

func lerp(a, b r3.Vector, t float64) r3.Vector {
	return a.Add(b.Sub(a).Mul(t))
}

// ComputeImagePlaneWorldQuad un-projects the four screen corners at
// near-clip + 1 and reshapes the result to the given height/width aspect.
//
// The quad width is the distance between the left and right edge midpoints;
// each corner is then placed yScale/2 from its edge midpoint in the direction
// of the un-projected corner.
func ComputeImagePlaneWorldQuad(cam RenderCamera, screen Size, aspect float64) (WorldQuad, error) {
	if cam == nil {
		return WorldQuad{}, fmt.Errorf("%w: no render camera", ErrInvalidGeometry)
	}
	if !screen.Valid() {
		return WorldQuad{}, fmt.Errorf("%w: screen %dx%d", ErrInvalidGeometry, screen.Width, screen.Height)
	}
	if aspect <= 0 {
		aspect = DefaultImageAspect
	}

	depth := cam.NearClip() + 1
	w, h := float64(screen.Width), float64(screen.Height)

	bl := cam.ScreenToWorld(marker.Point2{X: 0, Y: 0}, depth)
	tl := cam.ScreenToWorld(marker.Point2{X: 0, Y: h}, depth)
	tr := cam.ScreenToWorld(marker.Point2{X: w, Y: h}, depth)
	br := cam.ScreenToWorld(marker.Point2{X: w, Y: 0}, depth)

	left := midpoint(tl, bl)
	right := midpoint(tr, br)

	xScale := left.Distance(right)
	yScale := xScale * aspect
	half := yScale / 2

	q := WorldQuad{
		TopLeft:     left.Add(tl.Sub(left).Normalize().Mul(half)),
		BottomLeft:  left.Add(bl.Sub(left).Normalize().Mul(half)),
		TopRight:    right.Add(tr.Sub(right).Normalize().Mul(half)),
		BottomRight: right.Add(br.Sub(right).Normalize().Mul(half)),
		XScale:      xScale,
		YScale:      yScale,
	}

	plane, err := NewPlane(q.TopLeft, q.TopRight, q.BottomRight)
	if err != nil {
		return WorldQuad{}, err
	}
	q.Plane = plane
	return q, nil
}

func midpoint(a, b r3.Vector) r3.Vector {
	return a.Add(b).Mul(0.5)
}

type quadKey struct {
	screen   Size
	rotation int
}

// WorldQuadResolver caches the image-plane quad per (screen, rotation).
//
// Owned by the frame loop; not safe for concurrent use.
type WorldQuadResolver struct {
	camera       RenderCamera
	aspect       float64
	key          quadKey
	quad         WorldQuad
	valid        bool
	computations uint64
}

// NewWorldQuadResolver creates a resolver. aspect <= 0 selects
// DefaultImageAspect.
func NewWorldQuadResolver(cam RenderCamera, aspect float64) *WorldQuadResolver {
	if aspect <= 0 {
		aspect = DefaultImageAspect
	}
	return &WorldQuadResolver{camera: cam, aspect: aspect}
}

// Resolve returns the cached quad, recomputing only when the screen size or
// display rotation changed since the last successful call.
func (r *WorldQuadResolver) Resolve(screen Size, rotation int) (WorldQuad, bool, error) {
	key := quadKey{screen: screen, rotation: normalizeDegrees(rotation)}
	if r.valid && r.key == key {
		return r.quad, false, nil
	}

	q, err := ComputeImagePlaneWorldQuad(r.camera, screen, r.aspect)
	if err != nil {
		return WorldQuad{}, false, err
	}
	r.key = key
	r.quad = q
	r.valid = true
	r.computations++
	return q, true, nil
}

// Invalidate forces the next Resolve to recompute (e.g. the camera moved).
func (r *WorldQuadResolver) Invalidate() {
	r.valid = false
}

// Computations returns how many times the quad was recomputed.
func (r *WorldQuadResolver) Computations() uint64 {
	return r.computations
}
