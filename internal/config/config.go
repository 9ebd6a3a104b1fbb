// Package config layers facecap settings: defaults, then an optional YAML file, then environment.
// Command-line flags are applied last by the cmd package.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/andresmejia3/facecap/internal/crop"
	"github.com/andresmejia3/facecap/internal/identity"
	"github.com/andresmejia3/facecap/internal/models"
	"github.com/andresmejia3/facecap/internal/overlay"
	"github.com/andresmejia3/facecap/internal/scheduler"
	"github.com/andresmejia3/facecap/internal/session"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Camera   CameraConfig   `yaml:"camera"`
	Capture  CaptureConfig  `yaml:"capture"`
	Engine   EngineConfig   `yaml:"engine"`
	Overlay  OverlayConfig  `yaml:"overlay"`
	Web      WebConfig      `yaml:"web"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
}

type CameraConfig struct {
	Device       string        `yaml:"device"`
	Format       string        `yaml:"format"` // ffmpeg input format; empty reads Device as a file or URL
	Width        int           `yaml:"width"`
	Height       int           `yaml:"height"`
	FrameRate    int           `yaml:"frame_rate"`
	StartTimeout time.Duration `yaml:"start_timeout"`
}

type CaptureConfig struct {
	MaxFaces       int           `yaml:"max_faces"`
	Interval       time.Duration `yaml:"interval"`
	Threshold      float64       `yaml:"threshold"`
	FacePadding    float64       `yaml:"face_padding"`
	FeaturePadding float64       `yaml:"feature_padding"`
	JPEGQuality    int           `yaml:"jpeg_quality"`
	ExitWhenFull   bool          `yaml:"exit_when_full"`
	OutputDir      string        `yaml:"output_dir"` // empty keeps crops in memory only
}

type EngineConfig struct {
	Python    string        `yaml:"python"`
	Script    string        `yaml:"script"`
	ModelsDir string        `yaml:"models_dir"`
	ModelsURL string        `yaml:"models_url"`
	Engines   int           `yaml:"engines"`
	Timeout   time.Duration `yaml:"timeout"`
}

type OverlayConfig struct {
	Enabled bool `yaml:"enabled"`
	FPS     int  `yaml:"fps"`
}

type WebConfig struct {
	Addr string `yaml:"addr"` // empty disables the display server
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // empty disables the session archive
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// defaultCamera picks the platform's usual webcam input.
func defaultCamera() CameraConfig {
	c := CameraConfig{Width: 640, Height: 480, FrameRate: 30, StartTimeout: 10 * time.Second}
	switch runtime.GOOS {
	case "darwin":
		c.Format, c.Device = "avfoundation", "0"
	case "windows":
		c.Format, c.Device = "dshow", "video=Integrated Camera"
	default:
		c.Format, c.Device = "v4l2", "/dev/video0"
	}
	return c
}

// Default returns the built-in configuration.
func Default() *Config {
	co := crop.DefaultOptions()
	return &Config{
		Camera: defaultCamera(),
		Capture: CaptureConfig{
			MaxFaces:       session.MaxFaces,
			Interval:       scheduler.DefaultInterval,
			Threshold:      identity.AcceptThreshold,
			FacePadding:    co.FacePadding,
			FeaturePadding: co.FeaturePadding,
			JPEGQuality:    co.JPEGQuality,
		},
		Engine: EngineConfig{
			Python:    "python3",
			Script:    "python/worker.py",
			ModelsDir: models.DefaultDir(),
			ModelsURL: models.DefaultBaseURL,
			Engines:   1,
			Timeout:   30 * time.Second,
		},
		Overlay: OverlayConfig{Enabled: true, FPS: overlay.DefaultFPS},
		Web:     WebConfig{Addr: "127.0.0.1:8080"},
		Log:     LogConfig{Level: "warn", Format: "text"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if non-empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Camera.Device = envString("FACECAP_CAMERA_DEVICE", c.Camera.Device)
	c.Camera.Format = envString("FACECAP_CAMERA_FORMAT", c.Camera.Format)
	c.Camera.Width = envInt("FACECAP_CAMERA_WIDTH", c.Camera.Width)
	c.Camera.Height = envInt("FACECAP_CAMERA_HEIGHT", c.Camera.Height)
	c.Camera.FrameRate = envInt("FACECAP_CAMERA_FPS", c.Camera.FrameRate)

	c.Capture.MaxFaces = envInt("FACECAP_MAX_FACES", c.Capture.MaxFaces)
	c.Capture.Interval = envDuration("FACECAP_INTERVAL", c.Capture.Interval)
	c.Capture.Threshold = envFloat("FACECAP_THRESHOLD", c.Capture.Threshold)
	c.Capture.OutputDir = envString("FACECAP_OUTPUT", c.Capture.OutputDir)

	c.Engine.Python = envString("FACECAP_PYTHON", c.Engine.Python)
	c.Engine.ModelsDir = envString("FACECAP_MODELS_DIR", c.Engine.ModelsDir)
	c.Engine.ModelsURL = envString("FACECAP_MODELS_URL", c.Engine.ModelsURL)
	c.Engine.Engines = envInt("FACECAP_ENGINES", c.Engine.Engines)

	c.Web.Addr = envString("FACECAP_LISTEN", c.Web.Addr)
	c.Database.URL = envString("DATABASE_URL", c.Database.URL)
	c.Log.Level = envString("FACECAP_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("FACECAP_LOG_FORMAT", c.Log.Format)
}

// Validate rejects settings the capture pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Camera.Device == "" {
		errs = append(errs, errors.New("camera device is required"))
	}
	if c.Camera.StartTimeout <= 0 {
		errs = append(errs, errors.New("camera start timeout must be positive"))
	}
	if c.Capture.MaxFaces < 1 {
		errs = append(errs, fmt.Errorf("max faces must be at least 1, got %d", c.Capture.MaxFaces))
	}
	if c.Capture.Interval <= 0 {
		errs = append(errs, fmt.Errorf("capture interval must be positive, got %s", c.Capture.Interval))
	}
	if c.Capture.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("threshold must be positive, got %g", c.Capture.Threshold))
	}
	if c.Capture.FacePadding < 0 || c.Capture.FeaturePadding < 0 {
		errs = append(errs, errors.New("crop padding cannot be negative"))
	}
	if c.Capture.JPEGQuality < 1 || c.Capture.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg quality must be between 1 and 100, got %d", c.Capture.JPEGQuality))
	}
	if c.Engine.Engines < 1 {
		errs = append(errs, fmt.Errorf("engines must be at least 1, got %d", c.Engine.Engines))
	}
	if c.Overlay.Enabled && c.Overlay.FPS < 1 {
		errs = append(errs, fmt.Errorf("overlay fps must be at least 1, got %d", c.Overlay.FPS))
	}
	return errors.Join(errs...)
}

// CropOptions converts the capture settings for the crop package.
func (c *Config) CropOptions() crop.Options {
	return crop.Options{
		FacePadding:    c.Capture.FacePadding,
		FeaturePadding: c.Capture.FeaturePadding,
		JPEGQuality:    c.Capture.JPEGQuality,
	}
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}
