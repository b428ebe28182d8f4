package core

import (
	"fmt"
	"time"

	"github.com/hG3n/ar-core-marker-detection/internal/control"
	"github.com/hG3n/ar-core-marker-detection/internal/geometry"
)

func (s *Service) callbacks() control.CommandCallbacks {
	return control.CommandCallbacks{
		OnGetStatus:          s.getStatus,
		OnPause:              s.pauseDetection,
		OnResume:             s.resumeDetection,
		OnSetDisplayRotation: s.setDisplayRotation,
		OnSetScreenSize:      s.setScreenSize,
		OnShutdown:           s.shutdownViaControl,
	}
}

// getStatus returns the current service status
func (s *Service) getStatus() map[string]interface{} {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	warmup := s.warmup
	s.mu.RUnlock()

	loopStats := s.loop.Stats()
	sourceStats := s.source.Stats()
	mailboxStats := s.mailbox.Stats()
	transcoderStats := s.transcoder.Stats()

	sensor, known := s.display.SensorMountRotation()
	screen := s.display.Screen()

	status := map[string]interface{}{
		"instance_id":    s.cfg.InstanceID,
		"running":        running,
		"paused":         s.loop.IsPaused(),
		"session_status": s.session.Status().String(),
		"display": map[string]interface{}{
			"sensor_mount_rotation": sensor,
			"sensor_mount_known":    known,
			"display_rotation":      s.display.SurfaceRotation().Degrees(),
			"screen_width":          screen.Width,
			"screen_height":         screen.Height,
		},
		"source": map[string]interface{}{
			"type":           s.cfg.Source.Type,
			"connected":      sourceStats.Connected,
			"frames":         sourceStats.Frames,
			"reconnects":     sourceStats.Reconnects,
			"frames_dropped": mailboxStats.Drops,
		},
		"loop": map[string]interface{}{
			"cycles":          loopStats.Cycles,
			"processed":       loopStats.Processed,
			"markers":         loopStats.Markers,
			"valid_poses":     loopStats.ValidPoses,
			"detector_faults": loopStats.DetectorFaults,
			"geometry_faults": loopStats.GeometryFaults,
			"last_seq":        loopStats.LastSeq,
		},
		"detector": map[string]interface{}{
			"mode":          s.cfg.Detector.Mode,
			"engine_faults": transcoderStats.EngineFaults,
			"stride_faults": transcoderStats.StrideFaults,
			"buffer_faults": transcoderStats.BufferFaults,
		},
	}
	if running {
		status["uptime_s"] = time.Since(started).Seconds()
	}
	if warmup != nil {
		status["warmup"] = map[string]interface{}{
			"frames":   warmup.FramesReceived,
			"fps_mean": warmup.FPSMean,
			"stable":   warmup.IsStable,
		}
	}
	if s.emitter != nil {
		es := s.emitter.Stats()
		status["emitter"] = map[string]interface{}{
			"connected": es.Connected,
			"published": es.Published,
			"skipped":   es.Skipped,
			"errors":    es.Errors,
		}
	}
	return status
}

func (s *Service) pauseDetection() error {
	if s.loop.IsPaused() {
		return fmt.Errorf("already paused")
	}
	s.loop.Pause()
	return nil
}

func (s *Service) resumeDetection() error {
	if !s.loop.IsPaused() {
		return fmt.Errorf("not paused")
	}
	s.loop.Resume()
	return nil
}

// setDisplayRotation applies a new surface rotation; cached geometry is
// rebuilt on the next cycle.
func (s *Service) setDisplayRotation(degrees int) error {
	r, err := geometry.SurfaceRotationFromDegrees(degrees)
	if err != nil {
		return err
	}
	s.display.SetSurfaceRotation(r)
	s.session.InvalidateGeometry()

	s.logger.Info("display rotation changed", "degrees", degrees)
	return nil
}

// setScreenSize resizes both the display and the render camera viewport.
func (s *Service) setScreenSize(width, height int) error {
	size := geometry.Size{Width: width, Height: height}
	if err := s.display.SetScreen(size); err != nil {
		return err
	}
	if err := s.camera.SetScreen(size); err != nil {
		return err
	}
	s.session.InvalidateGeometry()

	s.logger.Info("screen size changed", "width", width, "height", height)
	return nil
}

func (s *Service) shutdownViaControl() error {
	s.mu.RLock()
	cancel := s.cancelCtx
	s.mu.RUnlock()
	if cancel == nil {
		return fmt.Errorf("service is not running")
	}
	cancel()
	return nil
}
