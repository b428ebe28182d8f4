// Package geometry maps between camera sensor pixels, the displayed viewport
// and the 3D scene.
//
// Two results are cached by the frame loop and recomputed only when the
// display geometry changes (rotation, screen size, image size):
//   - DisplayTransform: rotation + symmetric UV crop (DisplayResolver)
//   - WorldQuad: where the camera image sits in world space (WorldQuadResolver)
//
// Zero-sized images or screens fail with ErrInvalidGeometry instead of
// dividing by zero.
package geometry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hG3n/ar-core-marker-detection/internal/marker"
)

// ErrInvalidGeometry is returned for degenerate inputs (zero-sized image or
// screen, collinear plane points).
var ErrInvalidGeometry = errors.New("geometry: invalid geometry")

// DefaultDisplayRotation is used when the platform cannot report the sensor
// mount rotation (desktop preview is always portrait).
const DefaultDisplayRotation = 0

// Size is a width/height pair in pixels.
type Size struct {
	Width  int
	Height int
}

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// SurfaceRotation is the display rotation relative to the device's natural
// orientation, reported by the platform as a quarter-turn enum.
type SurfaceRotation int

const (
	Rotation0 SurfaceRotation = iota
	Rotation90
	Rotation180
	Rotation270
)

// Degrees converts the enum to degrees. Unknown values map to 0.
func (r SurfaceRotation) Degrees() int {
	switch r {
	case Rotation90:
		return 90
	case Rotation180:
		return 180
	case Rotation270:
		return 270
	default:
		return 0
	}
}

// SurfaceRotationFromDegrees is the inverse of Degrees for multiples of 90.
func SurfaceRotationFromDegrees(deg int) (SurfaceRotation, error) {
	switch normalizeDegrees(deg) {
	case 0:
		return Rotation0, nil
	case 90:
		return Rotation90, nil
	case 180:
		return Rotation180, nil
	case 270:
		return Rotation270, nil
	}
	return Rotation0, fmt.Errorf("%w: rotation %d is not a quarter turn", ErrInvalidGeometry, deg)
}

// OrientationSource reports the two rotations that make up the camera-to-display
// rotation.
type OrientationSource interface {
	// SensorMountRotation is the fixed rotation of the back camera sensor
	// relative to the natural display orientation. ok is false when the
	// platform cannot be queried.
	SensorMountRotation() (degrees int, ok bool)
	// SurfaceRotation is the current display rotation.
	SurfaceRotation() SurfaceRotation
}

// ComputeDisplayRotation returns the rotation (0, 90, 180 or 270) that must be
// applied to the sensor image to match the current display orientation.
func ComputeDisplayRotation(src OrientationSource) int {
	if src == nil {
		return DefaultDisplayRotation
	}
	sensor, ok := src.SensorMountRotation()
	if !ok {
		return DefaultDisplayRotation
	}
	return normalizeDegrees(sensor + src.SurfaceRotation().Degrees())
}

// normalizeDegrees reduces modulo 360 and snaps to the nearest quarter turn.
func normalizeDegrees(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return ((deg + 45) / 90 * 90) % 360
}

// CropFractions are the symmetric letterbox insets, as fractions of the image
// dimension removed from each side. Both are in [0, 0.5).
type CropFractions struct {
	U float64
	V float64
}

// ComputeUVCropFractions returns how much of the sensor image must be cropped
// on each side so that it fills a screen of the given size at the given
// display rotation without distortion.
//
// For rotations of 90 and 270 the screen aspect ratio is taken as
// height/width. If the screen is relatively narrower than the image the width
// is cropped, otherwise the height. The un-cropped axis is exactly 0.
func ComputeUVCropFractions(imageWidth, imageHeight int, screen Size, displayRotation int) (CropFractions, error) {
	if imageWidth <= 0 || imageHeight <= 0 {
		return CropFractions{}, fmt.Errorf("%w: image %dx%d", ErrInvalidGeometry, imageWidth, imageHeight)
	}
	if !screen.Valid() {
		return CropFractions{}, fmt.Errorf("%w: screen %dx%d", ErrInvalidGeometry, screen.Width, screen.Height)
	}

	// Screen aspect ratio as a fraction sw/sh, swapped when the image is
	// rotated a quarter turn relative to the display.
	sw, sh := screen.Width, screen.Height
	if rot := normalizeDegrees(displayRotation); rot == 90 || rot == 270 {
		sw, sh = sh, sw
	}

	w, h := float64(imageWidth), float64(imageHeight)
	croppedWidth, croppedHeight := w, h

	// sw/sh < W/H  <=>  sw*H < W*sh (integer compare, no rounding)
	if sw*imageHeight < imageWidth*sh {
		croppedWidth = h * float64(sw) / float64(sh)
	} else {
		croppedHeight = w * float64(sh) / float64(sw)
	}

	return CropFractions{
		U: (w - croppedWidth) / w / 2,
		V: (h - croppedHeight) / h / 2,
	}, nil
}

// DisplayTransform maps sensor image space to display space.
type DisplayTransform struct {
	RotationDegrees int
	UCrop           float64
	VCrop           float64
}

// UVQuad holds the texture coordinates of the sensor image that land on each
// corner of the display. Texture space has its origin at the image top-left.
type UVQuad struct {
	TopLeft     marker.Point2
	TopRight    marker.Point2
	BottomRight marker.Point2
	BottomLeft  marker.Point2
}

// UVQuad returns the sensor UVs for the four display corners.
func (t DisplayTransform) UVQuad() UVQuad {
	u, v := t.UCrop, t.VCrop
	// cropped rectangle in image space, clockwise from top-left
	rect := [4]marker.Point2{
		{X: u, Y: v},
		{X: 1 - u, Y: v},
		{X: 1 - u, Y: 1 - v},
		{X: u, Y: 1 - v},
	}

	k := normalizeDegrees(t.RotationDegrees) / 90
	at := func(displayCorner int) marker.Point2 {
		return rect[(displayCorner-k+4)%4]
	}

	return UVQuad{
		TopLeft:     at(marker.TopLeft),
		TopRight:    at(marker.TopRight),
		BottomRight: at(marker.BottomRight),
		BottomLeft:  at(marker.BottomLeft),
	}
}

// ImageToViewport maps a sensor pixel to normalized viewport coordinates
// (origin top-left, [0,1] inside the visible area). Points in the cropped
// border map outside [0,1].
func (t DisplayTransform) ImageToViewport(p marker.Point2, imageWidth, imageHeight int) (marker.Point2, error) {
	if imageWidth <= 0 || imageHeight <= 0 {
		return marker.Point2{}, fmt.Errorf("%w: image %dx%d", ErrInvalidGeometry, imageWidth, imageHeight)
	}

	x := p.X / float64(imageWidth)
	y := p.Y / float64(imageHeight)
	x = (x - t.UCrop) / (1 - 2*t.UCrop)
	y = (y - t.VCrop) / (1 - 2*t.VCrop)

	switch normalizeDegrees(t.RotationDegrees) {
	case 90:
		return marker.Point2{X: 1 - y, Y: x}, nil
	case 180:
		return marker.Point2{X: 1 - x, Y: 1 - y}, nil
	case 270:
		return marker.Point2{X: y, Y: 1 - x}, nil
	default:
		return marker.Point2{X: x, Y: y}, nil
	}
}

type displayKey struct {
	rotation    int
	screen      Size
	imageWidth  int
	imageHeight int
}

// DisplayResolver caches the DisplayTransform and recomputes it only when the
// rotation, screen size or image size changes.
//
// Owned by the frame loop; not safe for concurrent use.
type DisplayResolver struct {
	key          displayKey
	cached       DisplayTransform
	valid        bool
	computations uint64
}

// NewDisplayResolver creates an empty resolver; the first Resolve computes.
func NewDisplayResolver() *DisplayResolver {
	return &DisplayResolver{}
}

// Resolve returns the transform for the current geometry. recomputed is true
// when the cache was stale.
func (r *DisplayResolver) Resolve(orientation OrientationSource, screen Size, imageWidth, imageHeight int) (t DisplayTransform, recomputed bool, err error) {
	key := displayKey{
		rotation:    ComputeDisplayRotation(orientation),
		screen:      screen,
		imageWidth:  imageWidth,
		imageHeight: imageHeight,
	}
	if r.valid && r.key == key {
		return r.cached, false, nil
	}

	crop, err := ComputeUVCropFractions(imageWidth, imageHeight, screen, key.rotation)
	if err != nil {
		return DisplayTransform{}, false, err
	}

	r.key = key
	r.cached = DisplayTransform{RotationDegrees: key.rotation, UCrop: crop.U, VCrop: crop.V}
	r.valid = true
	r.computations++
	return r.cached, true, nil
}

// Invalidate forces the next Resolve to recompute.
func (r *DisplayResolver) Invalidate() {
	r.valid = false
}

// Computations returns how many times the transform was recomputed.
func (r *DisplayResolver) Computations() uint64 {
	return r.computations
}

// DisplayState is the mutable display geometry of a session: sensor mount,
// surface rotation and screen size. Updated by the control plane, read by the
// frame loop once per cycle.
//
// Thread-safety: all methods are safe for concurrent use.
type DisplayState struct {
	mu        sync.RWMutex
	sensor    int
	hasSensor bool
	surface   SurfaceRotation
	screen    Size
}

// NewDisplayState creates a display state. A negative sensorMount means the
// platform cannot report it.
func NewDisplayState(sensorMount int, surface SurfaceRotation, screen Size) *DisplayState {
	return &DisplayState{
		sensor:    sensorMount,
		hasSensor: sensorMount >= 0,
		surface:   surface,
		screen:    screen,
	}
}

// SensorMountRotation implements OrientationSource.
func (d *DisplayState) SensorMountRotation() (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sensor, d.hasSensor
}

// SurfaceRotation implements OrientationSource.
func (d *DisplayState) SurfaceRotation() SurfaceRotation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.surface
}

// Screen returns the current screen size.
func (d *DisplayState) Screen() Size {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.screen
}

// SetSurfaceRotation records a display rotation change.
func (d *DisplayState) SetSurfaceRotation(r SurfaceRotation) {
	d.mu.Lock()
	d.surface = r
	d.mu.Unlock()
}

// SetScreen records a screen size change.
func (d *DisplayState) SetScreen(s Size) error {
	if !s.Valid() {
		return fmt.Errorf("%w: screen %dx%d", ErrInvalidGeometry, s.Width, s.Height)
	}
	d.mu.Lock()
	d.screen = s
	d.mu.Unlock()
	return nil
}
