// Package framesource supplies luma frames to the frame loop.
//
// # Philosophy
//
// "Drop frames, never queue." A marker pose computed from a stale frame is
// worse than no pose at all, so every producer (RTSP capture, image replay)
// publishes into a single-slot Mailbox that always holds the latest frame.
// The frame loop takes at most one frame per cycle and never waits for one.
//
//	RTSPSource ──┐
//	             ├─► Mailbox (1 slot, overwrite) ─► frameloop.Acquire()
//	ReplaySource ┘
//
// Frames published into the mailbox are immutable: producers allocate a new
// buffer per frame and never touch it after Publish.
package framesource

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hG3n/ar-core-marker-detection/internal/marker"
)

// Mailbox is a single-slot, overwrite-on-publish frame buffer.
//
// Thread-safety: Publish and Acquire are safe for concurrent use; typically
// there is one publisher goroutine and one frame loop.
type Mailbox struct {
	mu      sync.Mutex
	frame   marker.ImagePlane
	pending bool

	// ready holds at most one token: "a frame arrived since the last Acquire"
	ready chan struct{}

	seq       atomic.Uint64
	published atomic.Uint64
	acquired  atomic.Uint64
	drops     atomic.Uint64
}

// MailboxStats is a snapshot of mailbox counters.
type MailboxStats struct {
	Published uint64
	Acquired  uint64
	// Drops counts frames overwritten before the loop acquired them.
	// Should be ~0 when the loop keeps up with the source.
	Drops   uint64
	LastSeq uint64
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{ready: make(chan struct{}, 1)}
}

// Publish stores plane as the latest frame, replacing any unconsumed one. It
// assigns the monotonic sequence number. Never blocks.
func (m *Mailbox) Publish(plane marker.ImagePlane) {
	plane.Seq = m.seq.Add(1)

	m.mu.Lock()
	if m.pending {
		m.drops.Add(1)
	}
	m.frame = plane
	m.pending = true
	m.mu.Unlock()

	m.published.Add(1)

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Acquire returns the latest unconsumed frame. ok is false when no new frame
// arrived since the previous Acquire; the caller skips the cycle.
func (m *Mailbox) Acquire() (marker.ImagePlane, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.pending {
		return marker.ImagePlane{}, false
	}
	frame := m.frame
	m.frame = marker.ImagePlane{}
	m.pending = false
	m.acquired.Add(1)
	return frame, true
}

// Ready is signalled when a frame is published. It can be used as a frame
// boundary by hosts without their own render loop.
func (m *Mailbox) Ready() <-chan struct{} {
	return m.ready
}

// WaitReady blocks until a frame is published or ctx ends.
func (m *Mailbox) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the counters.
func (m *Mailbox) Stats() MailboxStats {
	return MailboxStats{
		Published: m.published.Load(),
		Acquired:  m.acquired.Load(),
		Drops:     m.drops.Load(),
		LastSeq:   m.seq.Load(),
	}
}
