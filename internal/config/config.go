package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a configuration file.
const MaxConfigFileBytes = 64 * 1024

// Camera types accepted in camera.type.
const (
	CameraOpenCV      = "opencv"
	CameraNetwork     = "netcam"
	CameraTestPattern = "test_pattern"
)

// CameraConfig describes the capture device.
type CameraConfig struct {
	Type        string `yaml:"type"`          // opencv, netcam or test_pattern
	Device      int    `yaml:"device"`        // V4L2 index for opencv
	URL         string `yaml:"url"`           // upstream MJPEG URL for netcam
	Width       int    `yaml:"width"`         // requested frame width (px)
	Height      int    `yaml:"height"`        // requested frame height (px)
	FPS         int    `yaml:"fps"`           // advisory capture rate
	BufferSize  int    `yaml:"buffer_size"`   // driver buffer depth, 1 keeps latency low
	ReadRetryMs int    `yaml:"read_retry_ms"` // pause after a failed read

	ReadTimeoutMs int `yaml:"read_timeout_ms"` // netcam: longest upstream silence before redial
}

// StreamConfig tunes the per-viewer MJPEG sessions.
type StreamConfig struct {
	JPEGQuality  int `yaml:"jpeg_quality"`   // 1-100
	EmptyRetryMs int `yaml:"empty_retry_ms"` // re-check interval while no new frame exists
	MaxFPS       int `yaml:"max_fps"`        // per-viewer cap, 0 = unlimited
}

// RelayConfig describes the actuator output.
type RelayConfig struct {
	Pin       int  `yaml:"pin"`        // BCM pin number
	ActiveLow bool `yaml:"active_low"` // most opto-isolated relay boards switch on LOW
	InitialOn bool `yaml:"initial_on"`
}

// WebConfig holds HTTP server settings.
type WebConfig struct {
	Port int `yaml:"port"`
}

// DefaultsConfig contains process-wide parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Camera   CameraConfig   `yaml:"camera"`
	Stream   StreamConfig   `yaml:"stream"`
	Relay    RelayConfig    `yaml:"relay"`
	Web      WebConfig      `yaml:"web"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath accepts only a .yaml file whose parent directory is
// named "configs".
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	switch c.Camera.Type {
	case CameraOpenCV, CameraTestPattern:
	case CameraNetwork:
		if c.Camera.URL == "" {
			return fmt.Errorf("camera.url is required for type %q", CameraNetwork)
		}
	case "":
		return fmt.Errorf("camera.type is required")
	default:
		return fmt.Errorf("unknown camera.type %q", c.Camera.Type)
	}

	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		return fmt.Errorf("camera size must be positive, got %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.Width == 0 {
		c.Camera.Width = 320
	}
	if c.Camera.Height == 0 {
		c.Camera.Height = 240
	}
	if c.Camera.FPS <= 0 {
		c.Camera.FPS = 30
	}
	if c.Camera.BufferSize <= 0 {
		c.Camera.BufferSize = 1
	}
	if c.Camera.BufferSize != 1 {
		return fmt.Errorf("camera.buffer_size must be 1 so a grab returns the newest frame, got %d", c.Camera.BufferSize)
	}
	if c.Camera.ReadRetryMs <= 0 {
		c.Camera.ReadRetryMs = 20
	}
	if c.Camera.ReadTimeoutMs <= 0 {
		c.Camera.ReadTimeoutMs = 5000
	}

	if c.Stream.JPEGQuality < 0 || c.Stream.JPEGQuality > 100 {
		return fmt.Errorf("stream.jpeg_quality must be between 1 and 100, got %d", c.Stream.JPEGQuality)
	}
	if c.Stream.JPEGQuality == 0 {
		c.Stream.JPEGQuality = 75
	}
	if c.Stream.EmptyRetryMs <= 0 {
		c.Stream.EmptyRetryMs = 50
	}
	if c.Stream.MaxFPS < 0 {
		return fmt.Errorf("stream.max_fps must be >= 0, got %d", c.Stream.MaxFPS)
	}

	if c.Relay.Pin < 0 || c.Relay.Pin > 27 {
		return fmt.Errorf("relay.pin must be a BCM pin between 0 and 27, got %d", c.Relay.Pin)
	}

	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be between 1 and 65535, got %d", c.Web.Port)
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// ReadRetry returns the pause after a transient camera read failure.
func (c *Config) ReadRetry() time.Duration {
	return time.Duration(c.Camera.ReadRetryMs) * time.Millisecond
}

// ReadTimeout returns how long a network camera may stay silent.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Camera.ReadTimeoutMs) * time.Millisecond
}

// EmptyRetry returns how often a viewer re-checks for a new frame.
func (c *Config) EmptyRetry() time.Duration {
	return time.Duration(c.Stream.EmptyRetryMs) * time.Millisecond
}

// Addr returns the listen address for the web server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Web.Port)
}
