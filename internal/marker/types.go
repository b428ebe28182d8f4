// Package marker holds the data model shared by every stage of the
// localization pipeline: sensor image planes, decoded marker records and
// resolved world poses.
package marker

import (
	"time"

	"github.com/golang/geo/r3"
)

// Point2 is a 2D point. Depending on context it is in sensor-pixel space or
// a normalized [0,1] space; the producing function documents which.
type Point2 struct {
	X float64
	Y float64
}

// ChromaPlane is the interleaved UV plane of a YUV_420_888 image.
type ChromaPlane struct {
	// RowStride is the byte distance between two UV rows.
	RowStride int
	// PixelStride is the byte distance between two U (or V) samples in a row.
	PixelStride int
	// Data holds at least RowStride*(Height/2) bytes.
	Data []byte
}

// ImagePlane is a snapshot of one luma sensor frame.
//
// IMMUTABILITY CONTRACT:
//   - The frame loop borrows an ImagePlane for exactly one cycle.
//   - Data MUST NOT be retained after the cycle (the source may reuse it).
//   - Data MUST NOT be modified by any stage.
type ImagePlane struct {
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// RowStride is the byte distance between two luma rows (>= Width).
	RowStride int
	// PixelStride is the byte distance between two luma samples (1 for GRAY8).
	PixelStride int
	// Data holds at least RowStride*Height bytes.
	Data []byte
	// Chroma is optional; nil for luma-only sources.
	Chroma *ChromaPlane

	// Seq is the monotonic sequence number assigned by the source.
	Seq uint64
	// Timestamp is when the frame was captured.
	Timestamp time.Time
	// TraceID identifies the frame across logs and published results.
	TraceID string
}

// LumaLength returns the exact number of luma bytes the detector expects.
func (p ImagePlane) LumaLength() int {
	return p.RowStride * p.Height
}

// ChromaLength returns the exact number of chroma bytes for a 4:2:0 plane,
// or 0 if the frame carries no chroma.
func (p ImagePlane) ChromaLength() int {
	if p.Chroma == nil {
		return 0
	}
	return p.Chroma.RowStride * (p.Height / 2)
}

// Orientation is the quarter-turn index of a decoded marker (0..3).
type Orientation uint8

// Valid reports whether the code is one of the four quarter turns.
func (o Orientation) Valid() bool {
	return o <= 3
}

// Degrees returns the clockwise rotation of the marker in degrees.
func (o Orientation) Degrees() int {
	return int(o%4) * 90
}

// Corner indexes into Record.Corners.
const (
	TopLeft = iota
	TopRight
	BottomRight
	BottomLeft
)

// Record is one marker decoded from the detector response.
//
// Corners are always ordered TL, TR, BR, BL and are sensor-pixel coordinates.
type Record struct {
	ID          int
	Orientation Orientation
	Corners     [4]Point2
}

// Centroid returns the arithmetic mean of the four corners.
func (r Record) Centroid() Point2 {
	var c Point2
	for _, p := range r.Corners {
		c.X += p.X
		c.Y += p.Y
	}
	c.X /= 4
	c.Y /= 4
	return c
}

// ResolvedPose is the world-space result for one Record.
type ResolvedPose struct {
	ID int
	// Position is the raycast hit in world space. Zero when Valid is false.
	Position r3.Vector
	// Valid is true only when the scene raycast produced a hit.
	Valid bool
	// ImagePlanePosition is the centroid projected onto the camera image plane
	// quad. Available whenever HasImagePlanePosition is set, hit or not.
	ImagePlanePosition    r3.Vector
	HasImagePlanePosition bool
}

// FrameResult is what one frame cycle hands to the application layer.
type FrameResult struct {
	Seq       uint64
	Timestamp time.Time
	TraceID   string
	Records   []Record
	Poses     []ResolvedPose
}
