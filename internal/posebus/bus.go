// Package posebus fans frame results out to consumers (MQTT emitter, debug
// tools, tests) without ever blocking the frame loop.
//
// # Core Philosophy
//
// "Drop results, never queue." A consumer that falls behind loses results;
// it never delays the next cycle. Each subscriber owns a buffered channel and
// sizes it for the backlog it can tolerate.
//
//	frameloop ─► Bus.Publish ─┬─► emitter   (chan, cap N)
//	                          ├─► recorder  (chan, cap M)
//	                          └─► ...
//
// # Thread Safety
//
// All methods are safe for concurrent use. Subscribe and Unsubscribe may be
// called while publishing.
package posebus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hG3n/ar-core-marker-detection/internal/marker"
)

var (
	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id.
	ErrSubscriberExists = errors.New("subscriber id already exists")

	// ErrSubscriberNotFound is returned when Unsubscribe is called with unknown id.
	ErrSubscriberNotFound = errors.New("subscriber id not found")

	// ErrBusClosed is returned when operations are attempted on a closed bus.
	ErrBusClosed = errors.New("bus is closed")
)

// Stats contains global and per-subscriber metrics.
type Stats struct {
	Published uint64
	Sent      uint64
	Dropped   uint64
	// AfterClose counts results published once the bus was closed.
	AfterClose uint64

	Subscribers map[string]SubscriberStats
}

// SubscriberStats tracks one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriber struct {
	ch      chan<- marker.FrameResult
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Bus distributes FrameResults to subscribers with a drop policy.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool

	published  atomic.Uint64
	afterClose atomic.Uint64
	latest     atomic.Pointer[marker.FrameResult]
}

// New creates an open bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers ch under id.
func (b *Bus) Subscribe(id string, ch chan<- marker.FrameResult) error {
	if ch == nil {
		return errors.New("subscriber channel cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	b.subscribers[id] = &subscriber{ch: ch}
	return nil
}

// Unsubscribe removes a subscriber. Its channel is left open; the
// subscriber owns it.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(b.subscribers, id)
	return nil
}

// Publish sends result to every subscriber whose channel has room and drops
// it for the rest. Never blocks. On a closed bus the result is discarded and
// counted, so a late cycle during shutdown is harmless.
func (b *Bus) Publish(result marker.FrameResult) {
	b.published.Add(1)
	b.latest.Store(&result)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.afterClose.Add(1)
		return
	}

	for _, s := range b.subscribers {
		select {
		case s.ch <- result:
			s.sent.Add(1)
		default:
			s.dropped.Add(1)
		}
	}
}

// Latest returns the most recently published result.
func (b *Bus) Latest() (marker.FrameResult, bool) {
	p := b.latest.Load()
	if p == nil {
		return marker.FrameResult{}, false
	}
	return *p, true
}

// Stats returns a snapshot. Counters may move while it is built.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := Stats{
		Published:   b.published.Load(),
		AfterClose:  b.afterClose.Load(),
		Subscribers: make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, s := range b.subscribers {
		ss := SubscriberStats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
		out.Sent += ss.Sent
		out.Dropped += ss.Dropped
		out.Subscribers[id] = ss
	}
	return out
}

// Close stops distribution. Subscriber channels are not closed. Idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
