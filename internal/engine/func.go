package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hG3n/ar-core-marker-detection/internal/transcoder"
)

// DetectFunc is an in-process detector. It returns the flat record buffer
// (RecordStride bytes per marker).
type DetectFunc func(ctx context.Context, req transcoder.DetectRequest) ([]byte, error)

// Func adapts a DetectFunc to transcoder.Engine with synchronous semantics:
// FetchResults returns the result of the preceding Detect.
type Func struct {
	fn     DetectFunc
	mu     sync.Mutex
	latest []byte
}

var _ transcoder.Engine = (*Func)(nil)

// NewFunc wraps fn.
func NewFunc(fn DetectFunc) *Func {
	return &Func{fn: fn}
}

// Detect implements transcoder.Engine.
func (f *Func) Detect(ctx context.Context, req transcoder.DetectRequest) error {
	out, err := f.fn(ctx, req)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.latest = nil
		return err
	}
	f.latest = out
	return nil
}

// FetchResults implements transcoder.Engine.
func (f *Func) FetchResults(ctx context.Context) (transcoder.Results, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return resultsFor(f.latest), nil
}

func resultsFor(records []byte) transcoder.Results {
	return transcoder.Results{
		Length:       int32(len(records)),
		RecordStride: transcoder.RecordStride,
		Handle:       transcoder.NewBytesHandle(records, nil),
	}
}

// Async runs a DetectFunc on its own goroutine, started by IssueEvent.
//
// Detect only stages a private copy of the frame. FetchResults returns the
// most recent completed detection, which is usually the previous frame's.
// While a detection is in flight further events are ignored (the frame is
// dropped, never queued).
type Async struct {
	fn     DetectFunc
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	staged  *transcoder.DetectRequest
	latest  []byte
	lastErr error

	running atomic.Bool
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

var (
	_ transcoder.Engine      = (*Async)(nil)
	_ transcoder.EventIssuer = (*Async)(nil)
)

// NewAsync wraps fn. Close stops in-flight work.
func NewAsync(fn DetectFunc) *Async {
	ctx, cancel := context.WithCancel(context.Background())
	return &Async{fn: fn, ctx: ctx, cancel: cancel}
}

// Detect implements transcoder.Engine. The request buffers are copied because
// the transcoder reuses them on the next frame.
func (a *Async) Detect(ctx context.Context, req transcoder.DetectRequest) error {
	staged := req
	staged.Luma = append([]byte(nil), req.Luma...)
	if req.Chroma != nil {
		staged.Chroma = append([]byte(nil), req.Chroma...)
	}

	a.mu.Lock()
	a.staged = &staged
	a.mu.Unlock()
	return nil
}

// IssueEvent implements transcoder.EventIssuer.
func (a *Async) IssueEvent(eventID int) {
	a.mu.Lock()
	req := a.staged
	a.staged = nil
	a.mu.Unlock()

	if req == nil {
		return
	}
	if !a.running.CompareAndSwap(false, true) {
		a.dropped.Add(1)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.running.Store(false)

		out, err := a.run(*req)

		a.mu.Lock()
		if err != nil {
			a.lastErr = err
		} else {
			a.latest = out
			a.lastErr = nil
		}
		a.mu.Unlock()
	}()
}

func (a *Async) run(req transcoder.DetectRequest) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("async detector panicked: %v", r)
		}
	}()
	return a.fn(a.ctx, req)
}

// FetchResults implements transcoder.Engine. A failed detection is reported
// once and then cleared.
func (a *Async) FetchResults(ctx context.Context) (transcoder.Results, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lastErr != nil {
		err := a.lastErr
		a.lastErr = nil
		return transcoder.Results{}, err
	}
	return resultsFor(a.latest), nil
}

// Wait blocks until the in-flight detection (if any) completes.
func (a *Async) Wait() {
	a.wg.Wait()
}

// Dropped returns how many events arrived while a detection was running.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close cancels in-flight work and waits for it.
func (a *Async) Close() {
	a.cancel()
	a.wg.Wait()
}
