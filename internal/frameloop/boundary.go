package frameloop

import (
	"context"
	"fmt"
	"time"
)

// FrameBoundary suspends the loop until the host has finished rendering the
// current frame. A cycle only starts after Wait returns, so detection is
// never issued before the previous frame is flushed.
type FrameBoundary interface {
	Wait(ctx context.Context) error
}

// BoundaryFunc adapts a function to FrameBoundary.
type BoundaryFunc func(ctx context.Context) error

func (f BoundaryFunc) Wait(ctx context.Context) error { return f(ctx) }

// ChannelBoundary fires once per value received on the channel. Hosts with
// their own render loop send after each present; a Mailbox Ready channel
// turns frame arrival into the boundary.
type ChannelBoundary <-chan struct{}

// Wait blocks for the next signal. A closed channel ends the loop.
func (c ChannelBoundary) Wait(ctx context.Context) error {
	select {
	case _, ok := <-c:
		if !ok {
			return fmt.Errorf("frame boundary closed")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TickerBoundary paces the loop at a fixed rate for headless hosts.
type TickerBoundary struct {
	ticker *time.Ticker
}

// NewTickerBoundary creates a boundary firing fps times per second.
func NewTickerBoundary(fps float64) (*TickerBoundary, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("invalid frame rate %.2f", fps)
	}
	return &TickerBoundary{ticker: time.NewTicker(time.Duration(float64(time.Second) / fps))}, nil
}

func (b *TickerBoundary) Wait(ctx context.Context) error {
	select {
	case <-b.ticker.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop releases the ticker.
func (b *TickerBoundary) Stop() {
	b.ticker.Stop()
}
