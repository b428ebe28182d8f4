package geometry

import (
	"fmt"
	"math"
	"sync"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/hG3n/ar-core-marker-detection/internal/marker"
)

// ProjectionConfig describes a pinhole render camera.
type ProjectionConfig struct {
	// FovYDegrees is the vertical field of view.
	FovYDegrees float64
	Near        float64
	Far         float64
	Screen      Size
	// Position of the camera in world space.
	Position r3.Vector
	// Yaw (about Y), Pitch (about X), Roll (about Z) in degrees, applied
	// roll first then pitch then yaw.
	Yaw, Pitch, Roll float64
}

// ProjectionCamera is a RenderCamera backed by an OpenGL-style perspective
// matrix. The camera looks down -Z in its own space.
//
// Thread-safety: SetScreen may be called concurrently with ScreenToWorld.
type ProjectionCamera struct {
	mu       sync.RWMutex
	fovY     float64
	near     float64
	far      float64
	screen   Size
	pose     *mat.Dense // camera-to-world
	position r3.Vector
	invProj  *mat.Dense
}

// NewProjectionCamera validates cfg and builds the camera.
func NewProjectionCamera(cfg ProjectionConfig) (*ProjectionCamera, error) {
	if cfg.FovYDegrees <= 0 || cfg.FovYDegrees >= 180 {
		return nil, fmt.Errorf("%w: fov %.1f", ErrInvalidGeometry, cfg.FovYDegrees)
	}
	if cfg.Near <= 0 || cfg.Far <= cfg.Near {
		return nil, fmt.Errorf("%w: clip planes near=%g far=%g", ErrInvalidGeometry, cfg.Near, cfg.Far)
	}
	if !cfg.Screen.Valid() {
		return nil, fmt.Errorf("%w: screen %dx%d", ErrInvalidGeometry, cfg.Screen.Width, cfg.Screen.Height)
	}

	c := &ProjectionCamera{
		fovY:     cfg.FovYDegrees * math.Pi / 180,
		near:     cfg.Near,
		far:      cfg.Far,
		screen:   cfg.Screen,
		pose:     poseMatrix(cfg.Position, cfg.Yaw, cfg.Pitch, cfg.Roll),
		position: cfg.Position,
	}
	if err := c.rebuild(); err != nil {
		return nil, err
	}
	return c, nil
}

// rebuild recomputes the inverse projection. Caller holds mu (or owns c).
func (c *ProjectionCamera) rebuild() error {
	p := c.projection(c.near, c.far)
	var inv mat.Dense
	if err := inv.Inverse(p); err != nil {
		return fmt.Errorf("%w: singular projection: %v", ErrInvalidGeometry, err)
	}
	c.invProj = &inv
	return nil
}

func (c *ProjectionCamera) aspect() float64 {
	return float64(c.screen.Width) / float64(c.screen.Height)
}

func (c *ProjectionCamera) projection(near, far float64) *mat.Dense {
	f := 1 / math.Tan(c.fovY/2)
	return mat.NewDense(4, 4, []float64{
		f / c.aspect(), 0, 0, 0,
		0, f, 0, 0,
		0, 0, (far + near) / (near - far), 2 * far * near / (near - far),
		0, 0, -1, 0,
	})
}

// CurrentProjection implements RenderCamera.
func (c *ProjectionCamera) CurrentProjection(near, far float64) *mat.Dense {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.projection(near, far)
}

// NearClip implements RenderCamera.
func (c *ProjectionCamera) NearClip() float64 {
	return c.near
}

// Position returns the camera origin in world space.
func (c *ProjectionCamera) Position() r3.Vector {
	return c.position
}

// Screen returns the viewport size the camera projects onto.
func (c *ProjectionCamera) Screen() Size {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.screen
}

// SetScreen changes the viewport size (and therefore the aspect ratio).
func (c *ProjectionCamera) SetScreen(s Size) error {
	if !s.Valid() {
		return fmt.Errorf("%w: screen %dx%d", ErrInvalidGeometry, s.Width, s.Height)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.screen == s {
		return nil
	}
	c.screen = s
	return c.rebuild()
}

// ScreenToWorld implements RenderCamera. The returned point lies at view
// depth `depth` along the ray through the screen pixel.
func (c *ProjectionCamera) ScreenToWorld(screen marker.Point2, depth float64) r3.Vector {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ndc := mat.NewVecDense(4, []float64{
		2*screen.X/float64(c.screen.Width) - 1,
		2*screen.Y/float64(c.screen.Height) - 1,
		-1,
		1,
	})

	var view mat.VecDense
	view.MulVec(c.invProj, ndc)
	wv := view.AtVec(3)
	vx, vy, vz := view.AtVec(0)/wv, view.AtVec(1)/wv, view.AtVec(2)/wv

	// scale the near-plane point so that its view depth is `depth`
	s := depth / -vz
	local := mat.NewVecDense(4, []float64{vx * s, vy * s, vz * s, 1})

	var world mat.VecDense
	world.MulVec(c.pose, local)
	return r3.Vector{X: world.AtVec(0), Y: world.AtVec(1), Z: world.AtVec(2)}
}

// Ray returns the world-space ray through a screen pixel.
func (c *ProjectionCamera) Ray(screen marker.Point2) (origin, dir r3.Vector) {
	far := c.ScreenToWorld(screen, c.near+1)
	return c.position, far.Sub(c.position).Normalize()
}

// poseMatrix builds T * Ry * Rx * Rz.
func poseMatrix(pos r3.Vector, yaw, pitch, roll float64) *mat.Dense {
	rad := math.Pi / 180
	ry := rotY(yaw * rad)
	rx := rotX(pitch * rad)
	rz := rotZ(roll * rad)

	var yx, r mat.Dense
	yx.Mul(ry, rx)
	r.Mul(&yx, rz)

	pose := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			pose.Set(i, j, r.At(i, j))
		}
	}
	pose.Set(0, 3, pos.X)
	pose.Set(1, 3, pos.Y)
	pose.Set(2, 3, pos.Z)
	pose.Set(3, 3, 1)
	return pose
}

func rotX(a float64) *mat.Dense {
	s, c := math.Sincos(a)
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, c, -s,
		0, s, c,
	})
}

func rotY(a float64) *mat.Dense {
	s, c := math.Sincos(a)
	return mat.NewDense(3, 3, []float64{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	})
}

func rotZ(a float64) *mat.Dense {
	s, c := math.Sincos(a)
	return mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
}
