// Package pose turns decoded markers into world positions by casting a ray
// through each marker's centroid into the tracked scene.
package pose

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang/geo/r3"

	"github.com/hG3n/ar-core-marker-detection/internal/geometry"
	"github.com/hG3n/ar-core-marker-detection/internal/marker"
)

// HitFilter selects which scene features a raycast may hit.
type HitFilter uint32

const (
	// FilterPlaneWithinPolygon hits tracked planes inside their extent.
	FilterPlaneWithinPolygon HitFilter = 1 << iota
	// FilterPlaneWithinInfinity hits tracked planes anywhere on their
	// infinite extension.
	FilterPlaneWithinInfinity
	// FilterFeaturePoint hits any tracked feature point.
	FilterFeaturePoint
	// FilterFeaturePointWithSurfaceNormal hits feature points that carry an
	// estimated surface normal.
	FilterFeaturePointWithSurfaceNormal
)

// DefaultFilter prefers solid surface anchors.
const DefaultFilter = FilterPlaneWithinPolygon | FilterFeaturePointWithSurfaceNormal

var filterNames = map[string]HitFilter{
	"plane_within_polygon":              FilterPlaneWithinPolygon,
	"plane_within_infinity":             FilterPlaneWithinInfinity,
	"feature_point":                     FilterFeaturePoint,
	"feature_point_with_surface_normal": FilterFeaturePointWithSurfaceNormal,
}

// ParseFilter combines filter names. An empty list yields DefaultFilter.
func ParseFilter(names []string) (HitFilter, error) {
	if len(names) == 0 {
		return DefaultFilter, nil
	}
	var f HitFilter
	for _, n := range names {
		bit, ok := filterNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, fmt.Errorf("unknown raycast filter %q", n)
		}
		f |= bit
	}
	return f, nil
}

// Has reports whether all bits of other are set.
func (f HitFilter) Has(other HitFilter) bool {
	return f&other == other
}

// Hit is a raycast result.
type Hit struct {
	Position r3.Vector
	// Distance from the ray origin.
	Distance float64
	// Kind is the single filter bit that produced the hit.
	Kind HitFilter
}

// RaycastFunc queries the tracked scene at a 2D point expressed in the
// coordinate space the resolver is configured for.
type RaycastFunc func(x, y float64, filter HitFilter) (Hit, bool)

// Space is the coordinate space raycast points are expressed in.
type Space int

const (
	// SpaceViewport is [0,1]² over the visible area, origin top-left, with
	// crop and rotation applied.
	SpaceViewport Space = iota
	// SpaceViewportPixels is SpaceViewport scaled by the screen size.
	SpaceViewportPixels
	// SpaceImage is [0,1]² over the raw sensor image.
	SpaceImage
)

func (s Space) String() string {
	switch s {
	case SpaceViewportPixels:
		return "viewport_pixels"
	case SpaceImage:
		return "image"
	default:
		return "viewport"
	}
}

// ParseSpace parses a space name; empty selects SpaceViewport.
func ParseSpace(name string) (Space, error) {
	switch strings.ToLower(name) {
	case "", "viewport":
		return SpaceViewport, nil
	case "viewport_pixels":
		return SpaceViewportPixels, nil
	case "image":
		return SpaceImage, nil
	}
	return SpaceViewport, fmt.Errorf("unknown raycast space %q", name)
}

// Frame is the per-cycle geometry the resolver works against.
type Frame struct {
	Transform   geometry.DisplayTransform
	ImageWidth  int
	ImageHeight int
	Screen      geometry.Size
	// Quad is optional; without it poses carry no image-plane position.
	Quad *geometry.WorldQuad
}

// Config configures a Resolver.
type Config struct {
	Space  Space
	Filter HitFilter
	Logger *slog.Logger
}

// Resolver resolves marker records to world poses.
type Resolver struct {
	space  Space
	filter HitFilter
	logger *slog.Logger
}

// NewResolver creates a resolver. A zero filter selects DefaultFilter.
func NewResolver(cfg Config) *Resolver {
	if cfg.Filter == 0 {
		cfg.Filter = DefaultFilter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{space: cfg.Space, filter: cfg.Filter, logger: cfg.Logger}
}

// Space returns the configured raycast space.
func (r *Resolver) Space() Space {
	return r.space
}

// Resolve returns one pose per record, index-aligned with records.
//
// Each record is resolved on its own: a miss (or a record that cannot be
// mapped) yields {ID, Valid: false} and never affects its neighbours.
func (r *Resolver) Resolve(records []marker.Record, frame Frame, raycast RaycastFunc) []marker.ResolvedPose {
	poses := make([]marker.ResolvedPose, len(records))

	for i, rec := range records {
		poses[i] = r.resolveOne(rec, frame, raycast)
	}
	return poses
}

func (r *Resolver) resolveOne(rec marker.Record, frame Frame, raycast RaycastFunc) marker.ResolvedPose {
	p := marker.ResolvedPose{ID: rec.ID}
	centroid := rec.Centroid()

	viewport, err := frame.Transform.ImageToViewport(centroid, frame.ImageWidth, frame.ImageHeight)
	if err != nil {
		r.logger.Debug("marker not mappable", "marker_id", rec.ID, "error", err)
		return p
	}

	if frame.Quad != nil {
		p.ImagePlanePosition = frame.Quad.Interpolate(viewport)
		p.HasImagePlanePosition = true
	}

	if raycast == nil {
		return p
	}

	x, y := r.project(centroid, viewport, frame)
	hit, ok := raycast(x, y, r.filter)
	if !ok {
		return p
	}

	p.Position = hit.Position
	p.Valid = true
	return p
}

// project expresses the centroid in the configured raycast space.
func (r *Resolver) project(centroid, viewport marker.Point2, frame Frame) (float64, float64) {
	switch r.space {
	case SpaceImage:
		return centroid.X / float64(frame.ImageWidth), centroid.Y / float64(frame.ImageHeight)
	case SpaceViewportPixels:
		return viewport.X * float64(frame.Screen.Width), viewport.Y * float64(frame.Screen.Height)
	default:
		return viewport.X, viewport.Y
	}
}
