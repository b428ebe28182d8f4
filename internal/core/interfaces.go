package core

import (
	"context"

	"github.com/hG3n/ar-core-marker-detection/internal/framesource"
)

// FrameProducer feeds the mailbox (RTSP or replay).
type FrameProducer interface {
	Start(ctx context.Context) error
	Stop() error
	Stats() framesource.SourceStats
}

// detectorLifecycle is the start/stop side of a detection engine. The
// in-process engines have none and use noopLifecycle.
type detectorLifecycle interface {
	Start(ctx context.Context) error
	Stop() error
}

type noopLifecycle struct{}

func (noopLifecycle) Start(context.Context) error { return nil }

func (noopLifecycle) Stop() error { return nil }
