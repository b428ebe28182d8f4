package config

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hG3n/ar-core-marker-detection/internal/pose"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

var validate = newValidator()

// newValidator reports fields by their yaml names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate fills defaults and checks the configuration
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	applyDefaults(cfg)

	if err := validate.Struct(cfg); err != nil {
		return structError(err)
	}

	switch cfg.Source.Type {
	case "rtsp":
		if cfg.Source.RTSPURL == "" {
			return fmt.Errorf("source.rtsp_url is required for rtsp sources")
		}
	case "replay":
		if cfg.Source.ReplayDir == "" {
			return fmt.Errorf("source.replay_dir is required for replay sources")
		}
	}

	if cfg.Detector.Mode == "subprocess" && cfg.Detector.Command == "" {
		return fmt.Errorf("detector.command is required in subprocess mode")
	}

	if err := ValidateRaycast(cfg.Raycast); err != nil {
		return fmt.Errorf("raycast validation failed: %w", err)
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ShutdownTimeoutS == 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.Source.Type == "" {
		cfg.Source.Type = "rtsp"
	}

	if cfg.Camera.Width == 0 && cfg.Camera.Height == 0 {
		cfg.Camera.Width, cfg.Camera.Height = 640, 480
	}
	if cfg.Camera.FPS == 0 {
		cfg.Camera.FPS = 15
	}
	if cfg.Display.Width == 0 && cfg.Display.Height == 0 {
		cfg.Display.Width, cfg.Display.Height = cfg.Camera.Width, cfg.Camera.Height
	}

	if cfg.RenderCamera.FovYDegrees == 0 {
		cfg.RenderCamera.FovYDegrees = 60
	}
	if cfg.RenderCamera.Near == 0 {
		cfg.RenderCamera.Near = 0.1
	}
	if cfg.RenderCamera.Far == 0 {
		cfg.RenderCamera.Far = 100
	}
	if cfg.ImagePlane.AspectRatio == 0 {
		cfg.ImagePlane.AspectRatio = 0.75
	}

	if cfg.Detector.Mode == "" {
		cfg.Detector.Mode = "subprocess"
	}
	if cfg.Detector.TimeoutMS == 0 {
		cfg.Detector.TimeoutMS = 500
	}

	if cfg.Raycast.Space == "" {
		cfg.Raycast.Space = "viewport"
	}

	if cfg.Loop.Boundary == "" {
		cfg.Loop.Boundary = "frame"
	}
	if cfg.Loop.FPS == 0 {
		cfg.Loop.FPS = cfg.Camera.FPS
	}
	if cfg.Loop.FaultLogEveryMS == 0 {
		cfg.Loop.FaultLogEveryMS = 1000
	}

	// Set default topics if not provided
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "markerd-" + cfg.InstanceID
	}
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("markers/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Poses == "" {
		cfg.MQTT.Topics.Poses = fmt.Sprintf("markers/poses/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = fmt.Sprintf("markers/health/%s", cfg.InstanceID)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 7
	}
}

// structError reports the first failed field as "<yaml path>: failed <tag>".
func structError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Errorf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Errorf("%s: failed %s (got %v)", field, fe.Tag(), fe.Value())
}

// ValidateRaycast checks the raycast space, filter names and scene geometry
func ValidateRaycast(rc RaycastConfig) error {
	space, err := pose.ParseSpace(rc.Space)
	if err != nil {
		return err
	}
	if _, err := pose.ParseFilter(rc.Filter); err != nil {
		return err
	}

	if (len(rc.Planes) > 0 || len(rc.Points) > 0) && space == pose.SpaceImage {
		return fmt.Errorf("the built-in raycaster does not support %s space", space)
	}

	seen := make(map[string]bool, len(rc.Planes))
	for _, p := range rc.Planes {
		if seen[p.ID] {
			return fmt.Errorf("plane '%s' defined twice", p.ID)
		}
		seen[p.ID] = true
		if p.Normal == [3]float64{} {
			return fmt.Errorf("plane '%s': normal must be non-zero", p.ID)
		}
	}
	return nil
}
