package config

import (
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

// MaxDelayMs mirrors the driver's upper bound on the inter-step delay.
const MaxDelayMs = 256

// DriverConfig holds the shift register wiring and stepping behavior.
type DriverConfig struct {
	LatchPin int    `yaml:"latch_pin"` // RCK line (BCM), idle HIGH
	DelayMs  int    `yaml:"delay_ms"`  // delay between steps (0-256)
	Framing  string `yaml:"framing"`   // "shared" (both motors on the wire) or "exclusive"
}

// BusConfig selects the SPI backend feeding the register.
type BusConfig struct {
	Type    string `yaml:"type"`     // "rpio", "periph" or "mock"
	Device  int    `yaml:"device"`   // rpio: SPI controller (0 = SPI0)
	Port    string `yaml:"port"`     // periph: spireg port name ("" = first)
	SpeedHz int    `yaml:"speed_hz"` // clock rate
	Mode    int    `yaml:"mode"`     // SPI mode 0-3
}

// JogConfig describes the move run by the CLI when no web server is started.
type JogConfig struct {
	Motor     string `yaml:"motor"`     // "a", "b" or "both"
	Direction string `yaml:"direction"` // "cw" or "ccw"
	Steps     int    `yaml:"steps"`     // half-steps; 4096 is one output turn of a 28BYJ-48
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	PollIntervalUs int  `yaml:"poll_interval_us"` // caller loop cadence
	StopOnExit     bool `yaml:"stop_on_exit"`     // de-energize coils before releasing the bus
	DebugLevel     int  `yaml:"debug_level"`      // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO       bool `yaml:"mock_gpio"`        // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Driver   DriverConfig   `yaml:"driver"`
	Bus      BusConfig      `yaml:"bus"`
	Jog      JogConfig      `yaml:"jog"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath accepts only *.yaml files directly inside a configs/
// directory, after cleaning the path.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	clean := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}

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

func (cfg *Config) applyDefaults() error {
	if cfg.Driver.LatchPin <= 0 {
		return fmt.Errorf("driver.latch_pin is required")
	}
	if cfg.Driver.DelayMs < 0 || cfg.Driver.DelayMs > MaxDelayMs {
		return fmt.Errorf("driver.delay_ms must be between 0 and %d, got %d", MaxDelayMs, cfg.Driver.DelayMs)
	}
	if cfg.Driver.DelayMs == 0 {
		cfg.Driver.DelayMs = 2 // 28BYJ-48 stalls much below 2ms
	}
	switch strings.ToLower(cfg.Driver.Framing) {
	case "":
		cfg.Driver.Framing = "shared"
	case "shared", "exclusive":
		cfg.Driver.Framing = strings.ToLower(cfg.Driver.Framing)
	default:
		return fmt.Errorf("driver.framing must be shared or exclusive, got %q", cfg.Driver.Framing)
	}

	if cfg.Bus.Type == "" {
		cfg.Bus.Type = "rpio"
	}
	switch cfg.Bus.Type {
	case "rpio", "periph", "mock":
	default:
		return fmt.Errorf("bus.type must be rpio, periph or mock, got %q", cfg.Bus.Type)
	}
	if cfg.Bus.Mode < 0 || cfg.Bus.Mode > 3 {
		return fmt.Errorf("bus.mode must be between 0 and 3, got %d", cfg.Bus.Mode)
	}
	if cfg.Bus.SpeedHz <= 0 {
		cfg.Bus.SpeedHz = 1000000 // 1 MHz, well inside the 74HC595 limit
	}

	if cfg.Jog.Motor == "" {
		cfg.Jog.Motor = "a"
	}
	switch strings.ToLower(cfg.Jog.Motor) {
	case "a", "b", "both":
	default:
		return fmt.Errorf("jog.motor must be a, b or both, got %q", cfg.Jog.Motor)
	}
	if cfg.Jog.Direction == "" {
		cfg.Jog.Direction = "cw"
	}
	switch strings.ToLower(cfg.Jog.Direction) {
	case "cw", "ccw":
	default:
		return fmt.Errorf("jog.direction must be cw or ccw, got %q", cfg.Jog.Direction)
	}
	if cfg.Jog.Steps < 0 {
		return fmt.Errorf("jog.steps must be >= 0, got %d", cfg.Jog.Steps)
	}

	if cfg.Defaults.PollIntervalUs <= 0 {
		cfg.Defaults.PollIntervalUs = 500
	}
	return nil
}

// Delay returns the configured inter-step delay.
func (c *Config) Delay() time.Duration {
	return time.Duration(c.Driver.DelayMs) * time.Millisecond
}

// PollInterval returns how often the caller loop polls the driver.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Defaults.PollIntervalUs) * time.Microsecond
}
