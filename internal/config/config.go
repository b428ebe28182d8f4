package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete markerd configuration
type Config struct {
	InstanceID       string             `yaml:"instance_id" validate:"required"`
	ShutdownTimeoutS int                `yaml:"shutdown_timeout_s" validate:"gte=0"` // graceful shutdown timeout (default: 5)
	Source           SourceConfig       `yaml:"source"`
	Camera           CameraConfig       `yaml:"camera"`
	Display          DisplayConfig      `yaml:"display"`
	RenderCamera     RenderCameraConfig `yaml:"render_camera"`
	ImagePlane       ImagePlaneConfig   `yaml:"image_plane"`
	Detector         DetectorConfig     `yaml:"detector"`
	Raycast          RaycastConfig      `yaml:"raycast"`
	Loop             LoopConfig         `yaml:"loop"`
	MQTT             MQTTConfig         `yaml:"mqtt"`
	Logging          LoggingConfig      `yaml:"logging"`
	Health           HealthConfig       `yaml:"health"`
}

// SourceConfig selects where frames come from
type SourceConfig struct {
	Type       string          `yaml:"type" validate:"oneof=rtsp replay"` // rtsp, replay
	RTSPURL    string          `yaml:"rtsp_url"`
	ReplayDir  string          `yaml:"replay_dir"`
	ReplayLoop bool            `yaml:"replay_loop"`
	Reconnect  ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig tunes RTSP reconnection (zero = default)
type ReconnectConfig struct {
	MaxRetries     int `yaml:"max_retries" validate:"gte=0"`
	InitialDelayMS int `yaml:"initial_delay_ms" validate:"gte=0"`
	MaxDelayMS     int `yaml:"max_delay_ms" validate:"gte=0"`
}

// CameraConfig describes the physical sensor
type CameraConfig struct {
	// SensorMountRotation is the fixed sensor orientation in degrees; -1 when
	// the platform cannot report it (desktop preview).
	SensorMountRotation int     `yaml:"sensor_mount_rotation" validate:"oneof=-1 0 90 180 270"`
	DisplayRotation     int     `yaml:"display_rotation" validate:"oneof=0 90 180 270"`
	Width               int     `yaml:"width" validate:"gt=0"`
	Height              int     `yaml:"height" validate:"gt=0"`
	FPS                 float64 `yaml:"fps" validate:"gte=0.1,lte=60"`
}

// DisplayConfig is the viewport the poses are mapped into
type DisplayConfig struct {
	Width  int `yaml:"width" validate:"gt=0"`
	Height int `yaml:"height" validate:"gt=0"`
}

// RenderCameraConfig places the scene camera used for the image-plane quad
// and the plane raycaster
type RenderCameraConfig struct {
	FovYDegrees float64    `yaml:"fov_y_degrees" validate:"gt=0,lt=180"`
	Near        float64    `yaml:"near" validate:"gt=0"`
	Far         float64    `yaml:"far" validate:"gtfield=Near"`
	Position    [3]float64 `yaml:"position"`
	Yaw         float64    `yaml:"yaw"`
	Pitch       float64    `yaml:"pitch"`
	Roll        float64    `yaml:"roll"`
}

// ImagePlaneConfig controls the world quad of the camera image
type ImagePlaneConfig struct {
	// AspectRatio is the height/width multiplier (default 0.75 = 4:3)
	AspectRatio float64 `yaml:"aspect_ratio" validate:"gte=0"`
}

// DetectorConfig contains the external marker detector settings
type DetectorConfig struct {
	Mode      string   `yaml:"mode" validate:"oneof=subprocess none"` // subprocess, none
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	Env       []string `yaml:"env"`
	TimeoutMS int      `yaml:"timeout_ms" validate:"gte=0"`
	// Chroma sends the UV plane when frames carry one
	Chroma bool `yaml:"chroma"`
	// Async runs detection off the frame loop; results arrive one cycle late
	Async bool `yaml:"async"`
}

// RaycastConfig configures pose resolution and the built-in scene
type RaycastConfig struct {
	Space  string        `yaml:"space" validate:"omitempty,oneof=viewport viewport_pixels image"`
	Filter []string      `yaml:"filter"`
	Planes []PlaneConfig `yaml:"planes" validate:"dive"`
	Points []PointConfig `yaml:"points" validate:"dive"`
}

// PlaneConfig is a tracked plane for the built-in raycaster
type PlaneConfig struct {
	ID     string     `yaml:"id" validate:"required"`
	Center [3]float64 `yaml:"center"`
	Normal [3]float64 `yaml:"normal"`
	Extent float64    `yaml:"extent" validate:"gte=0"`
}

// PointConfig is a tracked feature point for the built-in raycaster
type PointConfig struct {
	Position  [3]float64 `yaml:"position"`
	HasNormal bool       `yaml:"has_normal"`
}

// LoopConfig paces the frame loop
type LoopConfig struct {
	// Boundary: "frame" runs a cycle per arriving frame, "ticker" at FPS
	Boundary        string  `yaml:"boundary" validate:"omitempty,oneof=frame ticker"`
	FPS             float64 `yaml:"fps" validate:"gte=0"`
	FaultLogEveryMS int     `yaml:"fault_log_every_ms" validate:"gte=0"`
	// WarmupS measures the source cadence before the first cycle (0 = off).
	// A ticker boundary is slowed down to what the source delivers.
	WarmupS float64 `yaml:"warmup_s" validate:"gte=0,lte=60"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker   string     `yaml:"broker"`
	ClientID string     `yaml:"client_id"`
	Topics   MQTTTopics `yaml:"topics"`
	QoS      byte       `yaml:"qos" validate:"lte=2"`
	// OnlyValid skips frames without a single valid pose
	OnlyValid bool `yaml:"only_valid"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Poses   string `yaml:"poses"`
	Health  string `yaml:"health"`
}

// LoggingConfig controls the daemon logger
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
}

// HealthConfig contains the HTTP health endpoint settings
type HealthConfig struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

// Load reads and parses a YAML configuration file, applies MARKERD_*
// environment overrides and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides deployment-specific fields from the environment
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("MARKERD_INSTANCE_ID"); v != "" {
		cfg.InstanceID = v
	}
	if v := os.Getenv("MARKERD_RTSP_URL"); v != "" {
		cfg.Source.RTSPURL = v
	}
	if v := os.Getenv("MARKERD_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("MARKERD_DETECTOR_COMMAND"); v != "" {
		cfg.Detector.Command = v
	}
}
