package emitter

import (
	"encoding/json"
	"time"

	"github.com/golang/geo/r3"

	"github.com/hG3n/ar-core-marker-detection/internal/marker"
)

// PosesMessage is the JSON document published for one frame.
type PosesMessage struct {
	InstanceID string          `json:"instance_id"`
	Seq        uint64          `json:"seq"`
	Timestamp  time.Time       `json:"timestamp"`
	TraceID    string          `json:"trace_id,omitempty"`
	Markers    []MarkerMessage `json:"markers"`
}

// MarkerMessage is one detected marker and its resolved pose.
type MarkerMessage struct {
	ID             int           `json:"id"`
	OrientationDeg int           `json:"orientation_deg"`
	Corners        [4][2]float64 `json:"corners"`
	Valid          bool          `json:"valid"`
	Position       *[3]float64   `json:"position,omitempty"`
	ImagePlane     *[3]float64   `json:"image_plane,omitempty"`
}

// NewPosesMessage pairs records with their poses. Records and poses are
// index-aligned; a record without a pose is reported invalid.
func NewPosesMessage(instanceID string, r marker.FrameResult) PosesMessage {
	msg := PosesMessage{
		InstanceID: instanceID,
		Seq:        r.Seq,
		Timestamp:  r.Timestamp,
		TraceID:    r.TraceID,
		Markers:    make([]MarkerMessage, 0, len(r.Records)),
	}
	for i, rec := range r.Records {
		m := MarkerMessage{
			ID:             rec.ID,
			OrientationDeg: rec.Orientation.Degrees(),
		}
		for c, p := range rec.Corners {
			m.Corners[c] = [2]float64{p.X, p.Y}
		}
		if i < len(r.Poses) {
			p := r.Poses[i]
			m.Valid = p.Valid
			if p.Valid {
				m.Position = vec(p.Position)
			}
			if p.HasImagePlanePosition {
				m.ImagePlane = vec(p.ImagePlanePosition)
			}
		}
		msg.Markers = append(msg.Markers, m)
	}
	return msg
}

// ToJSON serializes the message.
func (m PosesMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ValidCount returns the number of markers with a world position.
func (m PosesMessage) ValidCount() int {
	n := 0
	for _, mk := range m.Markers {
		if mk.Valid {
			n++
		}
	}
	return n
}

func vec(v r3.Vector) *[3]float64 {
	return &[3]float64{v.X, v.Y, v.Z}
}
