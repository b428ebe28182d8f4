package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status          string    `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64     `json:"uptime_seconds"`
	SessionStatus   string    `json:"session_status"`
	SourceConnected bool      `json:"source_connected"`
	MQTTConnected   bool      `json:"mqtt_connected"`
	Paused          bool      `json:"paused"`
	Cycles          uint64    `json:"cycles"`
	Processed       uint64    `json:"processed"`
	FramesDropped   uint64    `json:"frames_dropped"`
	DetectorFaults  uint64    `json:"detector_faults"`
	StrideFaults    uint64    `json:"stride_faults"`
	LastSeq         uint64    `json:"last_seq"`
	LastFrameAt     time.Time `json:"last_frame_at,omitempty"`
}

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	s.mu.RUnlock()

	ls := s.loop.Stats()
	ts := s.transcoder.Stats()
	status := HealthStatus{
		Status:          "healthy",
		SessionStatus:   s.session.Status().String(),
		SourceConnected: s.source.Stats().Connected,
		Paused:          ls.IsPaused,
		Cycles:          ls.Cycles,
		Processed:       ls.Processed,
		FramesDropped:   s.mailbox.Stats().Drops,
		DetectorFaults:  ts.EngineFaults,
		StrideFaults:    ts.StrideFaults,
		LastSeq:         ls.LastSeq,
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if latest, ok := s.bus.Latest(); ok {
		status.LastFrameAt = latest.Timestamp
	}
	if s.emitter != nil {
		status.MQTTConnected = s.emitter.Stats().Connected
	}

	// Determine overall health status
	switch {
	case !running || s.session.Status().Fatal():
		status.Status = "unhealthy"
	case !status.SourceConnected || (s.emitter != nil && !status.MQTTConnected):
		status.Status = "degraded"
	}
	return status
}

// HealthHandler serves /health. Degraded still answers 200.
func (s *Service) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := s.HealthCheck()

	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(health)
}

// StatusHandler serves /status with the full get_status document.
func (s *Service) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.getStatus())
}

// startHealthServer serves the health endpoints in the background
func (s *Service) startHealthServer(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("/status", s.StatusHandler)

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	s.healthServer = server
	s.mu.Unlock()

	s.logger.Info("starting health check server",
		"addr", addr,
		"endpoints", []string{"/health", "/status"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health check server failed", "error", err)
		}
	}()
}

// publishHealth sends the health document to the MQTT health topic
// periodically.
func (s *Service) publishHealth(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(s.HealthCheck())
			if err != nil {
				s.logger.Error("failed to marshal health", "error", err)
				continue
			}
			if err := s.emitter.PublishHealth(payload); err != nil {
				s.logger.Debug("health publish failed", "error", err)
			}
		}
	}
}
