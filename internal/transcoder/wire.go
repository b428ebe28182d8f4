package transcoder

import (
	"context"
	"errors"
)

// Record layout of the detector response (positional, fixed width):
//
//	offset 0      id            (1 byte)
//	offset 1      orientation   (1 byte, quarter turns 0..3)
//	offset 2..9   corners       (TL.x TL.y TR.x TR.y BR.x BR.y BL.x BL.y, 1 byte each)
//
// A detector that reports any other stride is rejected for the frame.
const (
	RecordStride = 10

	idOffset          = 0
	orientationOffset = 1
	cornersOffset     = 2
)

var (
	// ErrInvalidBuffer means the image plane holds fewer bytes than its
	// geometry requires. The frame is skipped.
	ErrInvalidBuffer = errors.New("transcoder: image buffer shorter than required length")

	// ErrRecordStride means the detector reported a stride other than
	// RecordStride. The frame yields no markers.
	ErrRecordStride = errors.New("transcoder: unexpected record stride")

	// ErrEngineFault wraps any failure (error or panic) raised by the engine.
	// The frame yields no markers.
	ErrEngineFault = errors.New("transcoder: detection engine fault")
)

// DetectRequest is the argument list of the engine's detect call.
//
// Luma is exactly RowStride*Height bytes. UVStride, UVPixelStride and Chroma
// are zero/nil for the luma-only form.
type DetectRequest struct {
	Width         int32
	Height        int32
	RowStride     int32
	UVStride      int32
	UVPixelStride int32
	Luma          []byte
	Chroma        []byte
}

// HasChroma reports whether the request uses the chroma wire form.
func (r DetectRequest) HasChroma() bool {
	return r.Chroma != nil
}

// Handle is a result buffer owned by the engine. The caller copies Bytes and
// then calls Release exactly once; Bytes must not be used after Release.
type Handle interface {
	Bytes() []byte
	Release()
}

// Results is what FetchResults reports: (length, recordStride, handle).
type Results struct {
	Length       int32
	RecordStride int32
	Handle       Handle
}

// Engine is the external feature detector.
//
// Detect is synchronous and side-effecting; FetchResults returns the most
// recent completed detection. Engines that run detection asynchronously may
// return the previous frame's result from FetchResults.
type Engine interface {
	Detect(ctx context.Context, req DetectRequest) error
	FetchResults(ctx context.Context) (Results, error)
}

// EventIssuer is implemented by engines that run detection on their own
// execution context and need an explicit signal to start after Detect.
type EventIssuer interface {
	IssueEvent(eventID int)
}

// Clock is implemented by engines that want the session time.
type Clock interface {
	SetTime(seconds float64)
}

// BytesHandle is a Handle over a plain byte slice with an optional release
// hook. Engine adapters use it to hand out owned buffers.
type BytesHandle struct {
	data    []byte
	release func()
}

// NewBytesHandle wraps data. release may be nil.
func NewBytesHandle(data []byte, release func()) *BytesHandle {
	return &BytesHandle{data: data, release: release}
}

// Bytes implements Handle.
func (h *BytesHandle) Bytes() []byte {
	return h.data
}

// Release implements Handle.
func (h *BytesHandle) Release() {
	if h.release != nil {
		h.release()
		h.release = nil
	}
	h.data = nil
}
