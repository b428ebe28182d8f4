package framesource

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCalculateBackoff(t *testing.T) {
	cfg := ReconnectConfig{MaxRetries: 10, RetryDelay: time.Second, MaxRetryDelay: 30 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{64, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := calculateBackoff(tt.attempt, cfg); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestReconnectConfigDefaults(t *testing.T) {
	got := ReconnectConfig{RetryDelay: 5 * time.Millisecond}.withDefaults()
	if got.MaxRetries != 5 || got.RetryDelay != 5*time.Millisecond || got.MaxRetryDelay != 30*time.Second {
		t.Errorf("withDefaults() = %+v", got)
	}
}

func TestRunWithReconnectGivesUp(t *testing.T) {
	cfg := ReconnectConfig{MaxRetries: 3, RetryDelay: time.Millisecond, MaxRetryDelay: 2 * time.Millisecond}
	var state reconnectState
	calls := 0

	err := runWithReconnect(context.Background(), func(context.Context) error {
		calls++
		return errors.New("connection refused")
	}, cfg, &state, quietLogger())

	if err == nil {
		t.Fatal("runWithReconnect() should fail after max retries")
	}
	if calls != 4 {
		t.Errorf("connect called %d times, want 4 (1 + 3 retries)", calls)
	}
	if state.total.Load() != 4 {
		t.Errorf("total = %d, want 4", state.total.Load())
	}
}

func TestRunWithReconnectRecovers(t *testing.T) {
	cfg := ReconnectConfig{MaxRetries: 3, RetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond}
	var state reconnectState
	calls := 0

	err := runWithReconnect(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("timeout")
		}
		return nil
	}, cfg, &state, quietLogger())

	if err != nil {
		t.Fatalf("runWithReconnect() error: %v", err)
	}
	if state.retries.Load() != 0 {
		t.Errorf("retries = %d, want reset to 0", state.retries.Load())
	}
	if state.total.Load() != 2 {
		t.Errorf("total = %d, want 2", state.total.Load())
	}
}

func TestRunWithReconnectCancelled(t *testing.T) {
	cfg := ReconnectConfig{MaxRetries: 100, RetryDelay: time.Hour, MaxRetryDelay: time.Hour}
	var state reconnectState
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- runWithReconnect(ctx, func(context.Context) error {
			return errors.New("unreachable")
		}, cfg, &state, quietLogger())
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runWithReconnect() ignored cancellation during backoff")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg, debug string
		want       ErrorCategory
	}{
		{"Unauthorized", "rtspsrc: 401", ErrCategoryAuth},
		{"Could not open resource for reading", "Could not connect to server", ErrCategoryNetwork},
		{"Internal data stream error", "streaming stopped, reason not-negotiated (not negotiated)", ErrCategoryCodec},
		{"No decoder available for type video/x-h265", "", ErrCategoryCodec},
		{"Something odd happened", "", ErrCategoryUnknown},
		{"", "", ErrCategoryUnknown},
	}
	for _, tt := range tests {
		if got := classifyError(tt.msg, tt.debug); got != tt.want {
			t.Errorf("classifyError(%q, %q) = %s, want %s", tt.msg, tt.debug, got, tt.want)
		}
	}
}
