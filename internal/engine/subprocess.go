/*
SUBPROCESS DETECTION ENGINE

Runs the native marker detector as a child process and talks to it over
stdin/stdout with length-prefixed MsgPack messages (see framing.go).

	┌────────────┐ detect/fetch ┌────────────┐  stdin   ┌──────────────────┐
	│ Transcoder │ ───────────> │ Subprocess │ ───────> │ detector process │
	└────────────┘              └────────────┘ <─────── └──────────────────┘
	                                  ^         stdout          │ stderr
	                                  └──── log mapping <───────┘

Unlike a streaming worker, every call is a synchronous round trip: the frame
loop needs the answer within the current cycle.

FAILURE HANDLING:
  - Round trip exceeds Timeout → process killed, ErrTimeout
  - Pipe/decoding error        → process killed, error returned
  - Next call after a kill     → process respawned (counted in Restarts)

The transcoder turns every error into an empty frame, so a crashing detector
costs frames, never the session.
*/

package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hG3n/ar-core-marker-detection/internal/transcoder"
)

var (
	// ErrNotStarted is returned by calls made before Start or after Stop.
	ErrNotStarted = errors.New("engine: not started")
	// ErrTimeout is returned when the detector does not answer in time.
	ErrTimeout = errors.New("engine: detector round trip timed out")
)

// DefaultTimeout bounds one detect or fetch round trip.
const DefaultTimeout = 500 * time.Millisecond

// Config configures a Subprocess engine.
type Config struct {
	ID      string
	Command string
	Args    []string
	// Env is appended to the parent environment.
	Env     []string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Calls    uint64
	Timeouts uint64
	Restarts uint64
	Running  bool
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	wg     sync.WaitGroup
	exited chan struct{}
}

// Subprocess is a transcoder.Engine backed by a child process.
type Subprocess struct {
	cfg    Config
	logger *slog.Logger

	// mu serializes round trips; the protocol has no request ids.
	mu       sync.Mutex
	proc     *process
	ctx      context.Context
	cancel   context.CancelFunc
	isActive atomic.Bool

	calls    atomic.Uint64
	timeouts atomic.Uint64
	restarts atomic.Uint64
}

var (
	_ transcoder.Engine = (*Subprocess)(nil)
	_ transcoder.Clock  = (*Subprocess)(nil)
)

// NewSubprocess validates cfg. The process is spawned by Start.
func NewSubprocess(cfg Config) (*Subprocess, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("detector command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ID == "" {
		cfg.ID = "detector"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Subprocess{
		cfg:    cfg,
		logger: logger.With("engine_id", cfg.ID),
	}, nil
}

// Start spawns the detector process.
func (s *Subprocess) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isActive.Load() {
		return fmt.Errorf("engine already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.spawnLocked(); err != nil {
		s.cancel()
		return fmt.Errorf("failed to spawn detector process: %w", err)
	}

	s.isActive.Store(true)
	s.logger.Info("detection engine started",
		"command", s.cfg.Command,
		"timeout", s.cfg.Timeout,
	)
	return nil
}

func (s *Subprocess) spawnLocked() error {
	cmd := exec.CommandContext(s.ctx, s.cfg.Command, s.cfg.Args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start detector process: %w", err)
	}

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		exited: make(chan struct{}),
	}

	p.wg.Add(1)
	go s.logStderr(p)

	p.wg.Add(1)
	go s.waitProcess(p)

	s.proc = p
	s.logger.Info("detector process spawned", "pid", cmd.Process.Pid)
	return nil
}

// logStderr maps detector log lines onto slog levels.
func (s *Subprocess) logStderr(p *process) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			s.logger.Error("detector error", "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			s.logger.Warn("detector warning", "log", line)
		default:
			s.logger.Debug("detector log", "log", line)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Debug("error reading detector stderr", "error", err)
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// waitProcess reaps the child so it never lingers as a zombie.
func (s *Subprocess) waitProcess(p *process) {
	defer p.wg.Done()
	defer close(p.exited)

	err := p.cmd.Wait()
	pid := p.cmd.Process.Pid

	switch {
	case err == nil:
		s.logger.Info("detector process exited cleanly", "pid", pid)
	case s.ctx.Err() != nil || !s.isActive.Load():
		s.logger.Debug("detector process exited (shutdown)", "pid", pid)
	default:
		s.logger.Error("detector process exited unexpectedly", "pid", pid, "error", err)
	}
}

// killLocked terminates the current process without waiting for it.
func (s *Subprocess) killLocked() {
	p := s.proc
	if p == nil {
		return
	}
	s.proc = nil

	p.stdin.Close()
	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Error("failed to kill detector process", "error", err)
		}
	}
}

// roundTrip sends req and waits for the response, respawning the process if
// a previous failure killed it.
func (s *Subprocess) roundTrip(ctx context.Context, req request) (response, error) {
	if !s.isActive.Load() {
		return response{}, ErrNotStarted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil {
		if err := s.spawnLocked(); err != nil {
			return response{}, fmt.Errorf("failed to respawn detector process: %w", err)
		}
		s.restarts.Add(1)
	}
	p := s.proc
	s.calls.Add(1)

	type result struct {
		resp response
		err  error
	}
	done := make(chan result, 1)

	go func() {
		if err := writeMessage(p.stdin, req); err != nil {
			done <- result{err: fmt.Errorf("failed to write to stdin: %w", err)}
			return
		}
		var resp response
		if err := readMessage(p.stdout, &resp); err != nil {
			done <- result{err: fmt.Errorf("failed to read from stdout: %w", err)}
			return
		}
		done <- result{resp: resp}
	}()

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			s.logger.Error("detector round trip failed", "op", req.Op, "error", r.err)
			s.killLocked()
			return response{}, r.err
		}
		if !r.resp.OK {
			return response{}, fmt.Errorf("detector %s failed: %s", req.Op, r.resp.Error)
		}
		return r.resp, nil

	case <-timer.C:
		s.timeouts.Add(1)
		s.logger.Warn("detector round trip timed out, killing process",
			"op", req.Op,
			"timeout", s.cfg.Timeout,
		)
		s.killLocked()
		return response{}, ErrTimeout

	case <-ctx.Done():
		// the stream is mid-message; it cannot be reused
		s.killLocked()
		return response{}, ctx.Err()
	}
}

// Detect implements transcoder.Engine.
func (s *Subprocess) Detect(ctx context.Context, req transcoder.DetectRequest) error {
	_, err := s.roundTrip(ctx, request{
		Op:            opDetect,
		Width:         req.Width,
		Height:        req.Height,
		RowStride:     req.RowStride,
		UVStride:      req.UVStride,
		UVPixelStride: req.UVPixelStride,
		Luma:          req.Luma,
		Chroma:        req.Chroma,
	})
	return err
}

// FetchResults implements transcoder.Engine. The handle owns a private copy
// of the records; Release drops it.
func (s *Subprocess) FetchResults(ctx context.Context) (transcoder.Results, error) {
	resp, err := s.roundTrip(ctx, request{Op: opFetch})
	if err != nil {
		return transcoder.Results{}, err
	}
	return transcoder.Results{
		Length:       resp.Length,
		RecordStride: resp.RecordStride,
		Handle:       transcoder.NewBytesHandle(resp.Records, nil),
	}, nil
}

// SetTime implements transcoder.Clock. Failures are logged, not returned.
func (s *Subprocess) SetTime(seconds float64) {
	ctx := s.ctx
	if ctx == nil {
		return
	}
	if _, err := s.roundTrip(ctx, request{Op: opTime, Seconds: seconds}); err != nil {
		s.logger.Debug("failed to send session time", "error", err)
	}
}

// Stats returns a snapshot of the counters.
func (s *Subprocess) Stats() Stats {
	return Stats{
		Calls:    s.calls.Load(),
		Timeouts: s.timeouts.Load(),
		Restarts: s.restarts.Load(),
		Running:  s.isActive.Load(),
	}
}

// Stop closes stdin so the detector can exit, and kills it after 2 seconds.
func (s *Subprocess) Stop() error {
	if !s.isActive.Load() {
		return nil
	}
	s.isActive.Store(false)

	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()

	s.logger.Info("stopping detection engine")

	if p != nil {
		p.stdin.Close()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			s.logger.Info("detector process stopped cleanly")
		case <-time.After(2 * time.Second):
			s.logger.Warn("detector stop timeout, force killing process")
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.logger.Error("failed to kill detector process", "error", err)
			}
		}
	}

	if s.cancel != nil {
		s.cancel()
	}

	s.logger.Info("detection engine stopped",
		"calls", s.calls.Load(),
		"timeouts", s.timeouts.Load(),
		"restarts", s.restarts.Load(),
	)
	return nil
}
