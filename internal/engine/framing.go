package engine

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxMessageSize bounds a single framed message. A 4K luma+chroma frame is
// well below this; anything larger means the stream is out of sync.
const maxMessageSize = 64 << 20

// writeMessage marshals v to MsgPack and writes it with a 4-byte big-endian
// length prefix.
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))

	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed MsgPack message into v.
func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("failed to read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("message length %d exceeds limit %d", n, maxMessageSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read msgpack data (expected %d bytes): %w", n, err)
	}

	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}

// Wire messages exchanged with the detector process.
//
//	→ {op: "detect", width, height, row_stride, [uv_stride, uv_pixel_stride], luma, [chroma]}
//	← {ok: true} | {ok: false, error: "..."}
//	→ {op: "fetch"}
//	← {ok: true, length, record_stride, records}
//	→ {op: "time", seconds}
//	← {ok: true}
const (
	opDetect = "detect"
	opFetch  = "fetch"
	opTime   = "time"
)

type request struct {
	Op            string  `msgpack:"op"`
	Width         int32   `msgpack:"width,omitempty"`
	Height        int32   `msgpack:"height,omitempty"`
	RowStride     int32   `msgpack:"row_stride,omitempty"`
	UVStride      int32   `msgpack:"uv_stride,omitempty"`
	UVPixelStride int32   `msgpack:"uv_pixel_stride,omitempty"`
	Luma          []byte  `msgpack:"luma,omitempty"`
	Chroma        []byte  `msgpack:"chroma,omitempty"`
	Seconds       float64 `msgpack:"seconds,omitempty"`
}

type response struct {
	OK           bool   `msgpack:"ok"`
	Error        string `msgpack:"error,omitempty"`
	Length       int32  `msgpack:"length"`
	RecordStride int32  `msgpack:"record_stride"`
	Records      []byte `msgpack:"records"`
}
