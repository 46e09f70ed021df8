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

// MaxConfigFileBytes caps the size of a config file.
const MaxConfigFileBytes = 64 * 1024

// GPIOConfig selects the GPIO backend.
type GPIOConfig struct {
	Backend string `yaml:"backend"` // "mock", "rpio" or "cdev"
	Chip    string `yaml:"chip"`    // cdev only, e.g. "gpiochip0"
}

// PinsConfig holds the BCM numbers of every line.
type PinsConfig struct {
	QuadA     int `yaml:"quad_a"`     // knob CLK
	QuadB     int `yaml:"quad_b"`     // knob DT
	Select    int `yaml:"select"`     // OK button
	Back      int `yaml:"back"`       // back button
	Dir       int `yaml:"dir"`        // stepper DIR
	Step      int `yaml:"step"`       // stepper STEP
	Enable    int `yaml:"enable"`     // driver ENABLE, 0 = not used. Active LOW.
	Focus     int `yaml:"focus"`      // camera FOCUS, 0 = no camera
	Shutter   int `yaml:"shutter"`    // camera SHUTTER
}

// InputConfig tunes the knob and buttons.
type InputConfig struct {
	SelectActiveLow bool `yaml:"select_active_low"`
	BackActiveLow   bool `yaml:"back_active_low"`
	DebounceMs      int  `yaml:"debounce_ms"`
	LongPressMs     int  `yaml:"long_press_ms"`
}

// MotorConfig holds the step signal timing.
type MotorConfig struct {
	PulseWidthUs int `yaml:"pulse_width_us"` // STEP high time, minimum 2
	DirSetupUs   int `yaml:"dir_setup_us"`   // wait after a DIR change
	SpeedPercent int `yaml:"speed_percent"`  // start-up speed 5..100
}

// SensorConfig locates the AS5600.
type SensorConfig struct {
	Bus     string `yaml:"bus"`      // periph bus name, "" = first bus
	Address uint16 `yaml:"address"`  // 7-bit address, 0 = 0x36
	SpeedKHz int   `yaml:"speed_khz"`
}

// DriverConfig is the optional TMC2209 UART link.
type DriverConfig struct {
	UARTPort      string `yaml:"uart_port"` // empty = no UART configuration
	Baud          int    `yaml:"baud"`
	Node          uint8  `yaml:"node"`
	SenseMilliOhm int    `yaml:"sense_milliohm"`
}

// MotionConfig tunes the planner.
type MotionConfig struct {
	StepsPerRevolution int `yaml:"steps_per_revolution"` // 0 = steps/rev × microsteps from settings
	ResampleEvery      int `yaml:"resample_every"`       // 0 = open loop
	RehomeSpeedPercent int `yaml:"rehome_speed_percent"` // 0 = job speed
	JogStepsPerDetent  int `yaml:"jog_steps_per_detent"`
}

// CameraConfig describes the wired remote.
type CameraConfig struct {
	ActiveLow      bool `yaml:"active_low"`
	FocusDelayMs   int  `yaml:"focus_delay_ms"`   // autofocus delay (ms)
	ShutterDelayMs int  `yaml:"shutter_delay_ms"` // shutter hold time (ms)
	SettleDelayMs  int  `yaml:"settle_delay_ms"`  // delay after a move before the shot (ms)
}

// SettingsConfig locates the persisted settings record.
type SettingsConfig struct {
	Path string `yaml:"path"`
}

// WebConfig configures the HTTP control surface.
type WebConfig struct {
	Port int `yaml:"port"` // 0 = disabled
}

// RealtimeConfig tunes the control loop thread.
type RealtimeConfig struct {
	CPU  int `yaml:"cpu"`  // -1 = no affinity
	Nice int `yaml:"nice"` // 0 = unchanged
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	TickMs     int `yaml:"tick_ms"`     // control loop period
}

// Config aggregates all application configuration.
type Config struct {
	GPIO     GPIOConfig     `yaml:"gpio"`
	Pins     PinsConfig     `yaml:"pins"`
	Input    InputConfig    `yaml:"input"`
	Motor    MotorConfig    `yaml:"motor"`
	Sensor   SensorConfig   `yaml:"sensor"`
	Driver   DriverConfig   `yaml:"driver"`
	Motion   MotionConfig   `yaml:"motion"`
	Camera   CameraConfig   `yaml:"camera"`
	Settings SettingsConfig `yaml:"settings"`
	Web      WebConfig      `yaml:"web"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// Default returns the configuration of the reference build: an ESP32-class
// wiring translated to the Raspberry Pi header, mock GPIO, TMC2209 disabled.
func Default() *Config {
	return &Config{
		GPIO: GPIOConfig{Backend: "mock", Chip: "gpiochip0"},
		Pins: PinsConfig{
			QuadA: 12, QuadB: 18, Select: 16, Back: 20,
			Dir: 25, Step: 26, Enable: 5,
			Focus: 23, Shutter: 24,
		},
		Input: InputConfig{
			SelectActiveLow: true,
			BackActiveLow:   true,
			DebounceMs:      15,
			LongPressMs:     650,
		},
		Motor:    MotorConfig{PulseWidthUs: 2, SpeedPercent: 50},
		Sensor:   SensorConfig{Address: 0x36, SpeedKHz: 400},
		Driver:   DriverConfig{Baud: 115200, SenseMilliOhm: 110},
		Motion:   MotionConfig{StepsPerRevolution: 1600, JogStepsPerDetent: 16},
		Camera:   CameraConfig{ActiveLow: true, FocusDelayMs: 500, ShutterDelayMs: 200, SettleDelayMs: 300},
		Settings: SettingsConfig{Path: "slidepilot.bin"},
		Realtime: RealtimeConfig{CPU: -1},
		Defaults: DefaultsConfig{DebugLevel: 1, TickMs: 4},
	}
}

// ValidateConfigPath accepts only .yaml files directly inside a configs/
// directory, without traversal.
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

// Load reads a YAML file over the defaults and validates the result.
// Unknown sections are ignored.
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
		return nil, fmt.Errorf("config file larger than %d bytes", MaxConfigFileBytes)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("config file is empty")
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and fills zero timing values with defaults.
func (c *Config) Validate() error {
	switch c.GPIO.Backend {
	case "mock", "rpio", "cdev":
	case "":
		c.GPIO.Backend = "mock"
	default:
		return fmt.Errorf("gpio.backend must be mock, rpio or cdev, got %q", c.GPIO.Backend)
	}

	if c.Pins.Step == c.Pins.Dir {
		return fmt.Errorf("pins.step and pins.dir must differ (both %d)", c.Pins.Step)
	}
	if c.Pins.QuadA == c.Pins.QuadB {
		return fmt.Errorf("pins.quad_a and pins.quad_b must differ (both %d)", c.Pins.QuadA)
	}

	if c.Input.DebounceMs <= 0 {
		c.Input.DebounceMs = 15
	}
	if c.Input.LongPressMs <= 0 {
		c.Input.LongPressMs = 650
	}
	if c.Input.LongPressMs <= c.Input.DebounceMs {
		return fmt.Errorf("input.long_press_ms (%d) must exceed debounce_ms (%d)", c.Input.LongPressMs, c.Input.DebounceMs)
	}

	if c.Motor.PulseWidthUs < 2 {
		c.Motor.PulseWidthUs = 2 // hardware minimum
	}
	if c.Motor.SpeedPercent == 0 {
		c.Motor.SpeedPercent = 50
	}
	if c.Motor.SpeedPercent < 5 || c.Motor.SpeedPercent > 100 {
		return fmt.Errorf("motor.speed_percent must be between 5 and 100, got %d", c.Motor.SpeedPercent)
	}

	if c.Sensor.Address == 0 {
		c.Sensor.Address = 0x36
	}
	if c.Sensor.Address > 0x7f {
		return fmt.Errorf("sensor.address must be a 7-bit address, got %#x", c.Sensor.Address)
	}

	if c.Driver.UARTPort != "" {
		if c.Driver.Node > 3 {
			return fmt.Errorf("driver.node must be 0-3, got %d", c.Driver.Node)
		}
		if c.Driver.SenseMilliOhm <= 0 {
			return fmt.Errorf("driver.sense_milliohm must be > 0")
		}
	}

	if c.Motion.StepsPerRevolution < 0 || c.Motion.ResampleEvery < 0 || c.Motion.JogStepsPerDetent < 0 {
		return fmt.Errorf("motion values must not be negative")
	}
	if c.Motion.RehomeSpeedPercent != 0 && (c.Motion.RehomeSpeedPercent < 5 || c.Motion.RehomeSpeedPercent > 100) {
		return fmt.Errorf("motion.rehome_speed_percent must be 0 or between 5 and 100, got %d", c.Motion.RehomeSpeedPercent)
	}

	// Default values for camera delays
	if c.Camera.FocusDelayMs <= 0 {
		c.Camera.FocusDelayMs = 500 // 500ms for autofocus
	}
	if c.Camera.ShutterDelayMs <= 0 {
		c.Camera.ShutterDelayMs = 200 // 200ms shutter hold
	}

	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be 0-65535, got %d", c.Web.Port)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be 0-4, got %d", c.Defaults.DebugLevel)
	}
	if c.Defaults.TickMs <= 0 {
		c.Defaults.TickMs = 4
	}
	if c.Defaults.TickMs > 5 {
		return fmt.Errorf("defaults.tick_ms must be at most 5 to keep up with the knob, got %d", c.Defaults.TickMs)
	}
	return nil
}

// Debounce returns the button debounce window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Input.DebounceMs) * time.Millisecond
}

// LongPress returns the back-button long-press threshold.
func (c *Config) LongPress() time.Duration {
	return time.Duration(c.Input.LongPressMs) * time.Millisecond
}

// PulseWidth returns the STEP high time.
func (c *Config) PulseWidth() time.Duration {
	return time.Duration(c.Motor.PulseWidthUs) * time.Microsecond
}

// DirSetup returns the wait after a direction change.
func (c *Config) DirSetup() time.Duration {
	return time.Duration(c.Motor.DirSetupUs) * time.Microsecond
}

// FocusDelay returns the autofocus delay duration.
func (c *Config) FocusDelay() time.Duration {
	return time.Duration(c.Camera.FocusDelayMs) * time.Millisecond
}

// ShutterDelay returns the shutter hold duration.
func (c *Config) ShutterDelay() time.Duration {
	return time.Duration(c.Camera.ShutterDelayMs) * time.Millisecond
}

// SettleDelay returns the delay after a move before the shot.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Camera.SettleDelayMs) * time.Millisecond
}

// Tick returns the control loop period.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.Defaults.TickMs) * time.Millisecond
}
