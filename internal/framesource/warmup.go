package framesource

import (
	"context"
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

const (
	// stddev of the instantaneous FPS must stay under 15% of the mean
	fpsStabilityThreshold = 0.15
	// mean jitter must stay under 20% of the expected frame interval
	jitterStabilityThreshold = 0.20
)

// WarmupStats describes the frame cadence observed while warming up a source.
type WarmupStats struct {
	FramesReceived int
	Duration       time.Duration
	FPSMean        float64
	FPSStdDev      float64
	FPSMin         float64
	FPSMax         float64
	// JitterMean is the mean deviation from the expected interval, in seconds.
	JitterMean float64
	JitterMax  float64
	IsStable   bool
}

// Warmup consumes frames from mailbox for d and measures the source cadence.
// The frames are discarded: a freshly opened pipeline delivers its first
// frames in bursts and poses computed from them are not worth emitting.
//
// Returns ctx.Err() if ctx ends first.
func Warmup(ctx context.Context, mailbox *Mailbox, d time.Duration) (*WarmupStats, error) {
	if d <= 0 {
		return nil, errors.New("warmup duration must be positive")
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	start := time.Now()
	var times []time.Time
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return CalculateWarmupStats(times, time.Since(start)), nil
		case <-mailbox.Ready():
			frame, ok := mailbox.Acquire()
			if !ok {
				continue
			}
			ts := frame.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			times = append(times, ts)
		}
	}
}

// CalculateWarmupStats computes cadence statistics from frame timestamps.
// A stream is stable when the FPS stddev is under 15% of the mean and the
// mean jitter is under 20% of the expected interval.
func CalculateWarmupStats(frameTimes []time.Time, total time.Duration) *WarmupStats {
	out := &WarmupStats{FramesReceived: len(frameTimes), Duration: total}
	if len(frameTimes) == 0 || total <= 0 {
		return out
	}
	out.FPSMean = float64(len(frameTimes)) / total.Seconds()

	intervals := make([]float64, 0, len(frameTimes)-1)
	instant := make([]float64, 0, len(frameTimes)-1)
	for i := 1; i < len(frameTimes); i++ {
		iv := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		intervals = append(intervals, iv)
		if iv > 0 {
			instant = append(instant, 1/iv)
		}
	}
	if len(instant) == 0 {
		return out
	}

	out.FPSMin, out.FPSMax = instant[0], instant[0]
	for _, fps := range instant {
		out.FPSMin = math.Min(out.FPSMin, fps)
		out.FPSMax = math.Max(out.FPSMax, fps)
	}
	out.FPSStdDev = stat.PopStdDev(instant, nil)

	expected := 1 / out.FPSMean
	jitters := make([]float64, len(intervals))
	for i, iv := range intervals {
		jitters[i] = math.Abs(iv - expected)
		out.JitterMax = math.Max(out.JitterMax, jitters[i])
	}
	out.JitterMean = stat.Mean(jitters, nil)

	out.IsStable = out.FPSStdDev < out.FPSMean*fpsStabilityThreshold &&
		out.JitterMean < expected*jitterStabilityThreshold
	return out
}

// EffectiveFPS caps a configured processing rate to what the source
// delivers, keeping a 10% margin when the source is slower.
func EffectiveFPS(ws *WarmupStats, configured float64) float64 {
	if ws == nil || ws.FPSMean <= 0 || ws.FPSMean >= configured {
		return configured
	}
	return ws.FPSMean * 0.9
}
