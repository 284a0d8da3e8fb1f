package capture

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/video-system/go-webcam/internal/logging"
	"github.com/video-system/go-webcam/pkg/backend"
	"github.com/video-system/go-webcam/pkg/format"
)

// Config holds all daemon configuration
type Config struct {
	Log      logging.Config               `yaml:"log"`
	Features Features                     `yaml:"features"`
	API      APIConfig                    `yaml:"api"`
	Drivers  map[string]map[string]string `yaml:"drivers"` // driver name -> params
	Cameras  []CameraConfig               `yaml:"cameras"`
}

// Features toggles optional capabilities.
type Features struct {
	Backends      []string `yaml:"backends"`      // enabled driver names, empty enables all registered
	Threaded      bool     `yaml:"threaded"`      // controllers may be started
	AutoRGB       bool     `yaml:"auto_rgb"`      // default for cameras that do not set it
	Serialization bool     `yaml:"serialization"` // YAML/JSON dumps of formats and requests
}

// Enabled reports whether the named driver may be used.
func (f Features) Enabled(driver string) bool {
	if len(f.Backends) == 0 {
		return true
	}
	if driver == "" || driver == backend.Auto {
		driver = backend.Native()
	}
	for _, b := range f.Backends {
		if b == driver {
			return true
		}
	}
	return false
}

// APIConfig configures the control API
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// CameraConfig configures one managed camera
type CameraConfig struct {
	ID     string                 `yaml:"id"`
	Driver string                 `yaml:"driver"` // registered driver name or "auto"
	Index  format.CameraIndex     `yaml:"index"`
	Format format.RequestedFormat `yaml:"format"`
	// Params override the driver section for this camera.
	Params    map[string]string `yaml:"params"`
	Capture   ControllerConfig  `yaml:"capture"`
	AutoStart *bool             `yaml:"auto_start"`
}

// ControllerConfig configures a camera's capture loop
type ControllerConfig struct {
	Policy        Policy        `yaml:"policy"`         // drop_oldest, block
	Buffer        int           `yaml:"buffer"`         // consumer channel capacity
	ReadTimeout   time.Duration `yaml:"read_timeout"`   // per read (2s)
	TimeoutPolicy TimeoutPolicy `yaml:"timeout_policy"` // continue, fail
	History       int           `yaml:"history"`        // frames kept for stats and polling
	MaxAge        time.Duration `yaml:"max_age"`        // history frames older than this are dropped
	AutoRGB       *bool         `yaml:"auto_rgb"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Log: logging.Config{Level: "info"},
		Features: Features{
			Threaded: true,
		},
		API: APIConfig{Enabled: true, Host: "127.0.0.1", Port: 8080},
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, expanding environment variables
// and applying defaults.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.ID == "" {
			cam.ID = fmt.Sprintf("cam%d", i)
		}
		if cam.Driver == "" {
			cam.Driver = backend.Auto
		}
		if cam.Capture.Buffer == 0 {
			cam.Capture.Buffer = 4
		}
		if cam.Capture.ReadTimeout == 0 {
			cam.Capture.ReadTimeout = 2 * time.Second
		}
		if cam.Capture.History == 0 {
			cam.Capture.History = 30
		}
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		return fmt.Errorf("api port %d out of range", c.API.Port)
	}
	if len(c.Cameras) > 0 && !c.Features.Threaded {
		return fmt.Errorf("cameras configured but threaded capture is disabled")
	}
	seen := make(map[string]bool)
	for _, cam := range c.Cameras {
		if seen[cam.ID] {
			return fmt.Errorf("duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = true
		if !c.Features.Enabled(cam.Driver) {
			return fmt.Errorf("camera %s: driver %q is not enabled", cam.ID, cam.Driver)
		}
		if cam.Capture.Buffer < 0 || cam.Capture.History < 0 || cam.Capture.MaxAge < 0 {
			return fmt.Errorf("camera %s: negative buffer, history or max_age", cam.ID)
		}
	}
	return nil
}

// DriverOptions merges driver and camera params.
func (c *Config) DriverOptions(cam CameraConfig, opts backend.Options) backend.Options {
	params := make(map[string]string)
	for k, v := range c.Drivers[cam.Driver] {
		params[k] = v
	}
	for k, v := range cam.Params {
		params[k] = v
	}
	opts.Params = params
	return opts
}

// ControllerOptions builds controller options for cam.
func (c *Config) ControllerOptions(cam CameraConfig) Options {
	autoRGB := c.Features.AutoRGB
	if cam.Capture.AutoRGB != nil {
		autoRGB = *cam.Capture.AutoRGB
	}
	return Options{
		ID:            cam.ID,
		Policy:        cam.Capture.Policy,
		Buffer:        cam.Capture.Buffer,
		ReadTimeout:   cam.Capture.ReadTimeout,
		TimeoutPolicy: cam.Capture.TimeoutPolicy,
		AutoRGB:       autoRGB,
		History:       cam.Capture.History,
		MaxAge:        cam.Capture.MaxAge,
	}
}

// ShouldStart reports whether cam starts with the manager.
func (cam CameraConfig) ShouldStart() bool {
	return cam.AutoStart == nil || *cam.AutoStart
}
