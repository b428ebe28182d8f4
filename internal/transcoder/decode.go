package transcoder

import (
	"fmt"

	"github.com/hG3n/ar-core-marker-detection/internal/marker"
)

// Decoded is the outcome of DecodeRecords.
type Decoded struct {
	Records []marker.Record
	// Dropped counts records with an orientation code outside 0..3.
	Dropped int
	// Remainder is the number of trailing bytes that do not form a record.
	Remainder int
}

// DecodeRecords decodes len(buf)/stride records. Record n starts at byte
// n*stride. stride must equal RecordStride.
func DecodeRecords(buf []byte, stride int) (Decoded, error) {
	if stride != RecordStride {
		return Decoded{}, fmt.Errorf("%w: got %d, want %d", ErrRecordStride, stride, RecordStride)
	}

	n := len(buf) / stride
	out := Decoded{
		Records:   make([]marker.Record, 0, n),
		Remainder: len(buf) % stride,
	}

	for i := 0; i < n; i++ {
		rec := buf[i*stride : (i+1)*stride]

		orientation := marker.Orientation(rec[orientationOffset])
		if !orientation.Valid() {
			out.Dropped++
			continue
		}

		r := marker.Record{
			ID:          int(rec[idOffset]),
			Orientation: orientation,
		}
		for c := 0; c < 4; c++ {
			r.Corners[c] = marker.Point2{
				X: float64(rec[cornersOffset+2*c]),
				Y: float64(rec[cornersOffset+2*c+1]),
			}
		}
		out.Records = append(out.Records, r)
	}

	return out, nil
}
