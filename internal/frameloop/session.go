package frameloop

import (
	"sync/atomic"
	"time"

	"github.com/hG3n/ar-core-marker-detection/internal/geometry"
	"github.com/hG3n/ar-core-marker-detection/internal/pose"
)

// Status is the tracking state reported by the host's scene session.
type Status int32

const (
	// StatusTracking: the scene is tracked and raycasts are meaningful.
	StatusTracking Status = iota
	// StatusNotTracking: tracking is temporarily lost; cycles are skipped.
	StatusNotTracking
	// StatusPermissionNotGranted: camera permission was refused. Fatal.
	StatusPermissionNotGranted
	// StatusFatal: the session failed permanently. Fatal.
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusTracking:
		return "tracking"
	case StatusNotTracking:
		return "not_tracking"
	case StatusPermissionNotGranted:
		return "permission_not_granted"
	case StatusFatal:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// Fatal reports whether the status ends the session.
func (s Status) Fatal() bool {
	return s == StatusPermissionNotGranted || s == StatusFatal
}

// Session is the per-session context passed into every cycle. It replaces
// process-wide state: created at session start, read once per cycle,
// dropped at teardown.
//
// Thread-safety: status and geometry invalidation may be updated from any
// goroutine (tracker callbacks, control plane). The remaining fields are set
// at construction.
type Session struct {
	display *geometry.DisplayState
	camera  geometry.RenderCamera
	raycast pose.RaycastFunc
	started time.Time

	status atomic.Int32
	// epoch is bumped when the render camera moves so cached geometry is
	// rebuilt on the next cycle.
	epoch atomic.Uint64
}

// NewSession creates a tracking session. camera and raycast may be nil:
// poses are then emitted without image-plane position or as invalid.
func NewSession(display *geometry.DisplayState, camera geometry.RenderCamera, raycast pose.RaycastFunc) *Session {
	return &Session{
		display: display,
		camera:  camera,
		raycast: raycast,
		started: time.Now(),
	}
}

// Display returns the session's display geometry.
func (s *Session) Display() *geometry.DisplayState {
	return s.display
}

// Camera returns the render camera, or nil.
func (s *Session) Camera() geometry.RenderCamera {
	return s.camera
}

// Raycast returns the scene raycast service, or nil.
func (s *Session) Raycast() pose.RaycastFunc {
	return s.raycast
}

// Status returns the current tracking status.
func (s *Session) Status() Status {
	return Status(s.status.Load())
}

// SetStatus records a tracking status change.
func (s *Session) SetStatus(st Status) {
	s.status.Store(int32(st))
}

// Elapsed is the session time handed to detection engines.
func (s *Session) Elapsed() time.Duration {
	return time.Since(s.started)
}

// InvalidateGeometry marks cached display and world-quad geometry stale.
func (s *Session) InvalidateGeometry() {
	s.epoch.Add(1)
}

func (s *Session) geometryEpoch() uint64 {
	return s.epoch.Load()
}
