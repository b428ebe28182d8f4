package framesource

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// ReconnectConfig controls how a source retries after the stream fails.
type ReconnectConfig struct {
	MaxRetries    int           // default 5
	RetryDelay    time.Duration // initial delay, default 1s
	MaxRetryDelay time.Duration // cap, default 30s
}

// DefaultReconnectConfig returns the production defaults.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultReconnectConfig.
func (c ReconnectConfig) withDefaults() ReconnectConfig {
	d := DefaultReconnectConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	return c
}

// reconnectState tracks consecutive failures. retries is reset whenever the
// pipeline reaches PLAYING; total only grows.
type reconnectState struct {
	retries atomic.Int32
	total   atomic.Uint32
}

func (s *reconnectState) reset() {
	s.retries.Store(0)
}

// runWithReconnect calls connect until it returns nil (graceful stop), ctx is
// cancelled, or MaxRetries consecutive failures happen. Delays between
// attempts grow exponentially: RetryDelay * 2^(attempt-1), capped at
// MaxRetryDelay.
func runWithReconnect(
	ctx context.Context,
	connect func(ctx context.Context) error,
	cfg ReconnectConfig,
	state *reconnectState,
	logger *slog.Logger,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := connect(ctx)
		if err == nil {
			state.reset()
			return nil
		}

		attempt := int(state.retries.Add(1))
		state.total.Add(1)
		logger.Error("frame source: stream failed", "error", err, "attempt", attempt)

		if attempt > cfg.MaxRetries {
			return fmt.Errorf("frame source: max retries exceeded (%d attempts)", cfg.MaxRetries)
		}

		delay := calculateBackoff(attempt, cfg)
		logger.Warn("frame source: reconnecting",
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// avoid overflowing the shift on long outages
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

// ErrorCategory buckets pipeline errors for telemetry.
type ErrorCategory int

const (
	ErrCategoryNetwork ErrorCategory = iota
	ErrCategoryCodec
	ErrCategoryAuth
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

var (
	authKeywords = []string{
		"unauthorized", "401", "403", "forbidden",
		"authentication", "credentials", "password", "username",
	}
	codecKeywords = []string{
		"codec", "decode", "encode", "format", "negotiation", "caps",
		"h264", "h265", "mjpeg", "jpeg", "not negotiated", "no decoder", "missing plugin",
	}
	networkKeywords = []string{
		"connection", "timeout", "unreachable", "network", "dns", "resolve",
		"socket", "tcp", "udp", "rtsp", "not found", "could not connect", "failed to connect",
	}
)

// classifyError buckets a GStreamer error by message and debug string.
// Priority: auth, then codec, then network. Auth is checked first because
// RTSP 401 responses also mention the transport.
func classifyError(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)
	switch {
	case strings.TrimSpace(combined) == "":
		return ErrCategoryUnknown
	case containsAny(combined, authKeywords):
		return ErrCategoryAuth
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, networkKeywords):
		return ErrCategoryNetwork
	}
	return ErrCategoryUnknown
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
