package stepper

import (
	"time"

	"github.com/cjeanneret/SlidePilot/internal/debug"
	"github.com/cjeanneret/SlidePilot/internal/hw/clock"
	"github.com/cjeanneret/SlidePilot/internal/hw/gpio"
)

// Speed profile bounds.
const (
	MinSpeedPercent = 5
	MaxSpeedPercent = 100
	MinDelay        = 250 * time.Microsecond
	MaxDelay        = 4000 * time.Microsecond

	// MinPulseWidth is the STEP high time required by the driver chip.
	MinPulseWidth = 2 * time.Microsecond

	defaultSpeedPercent = 50
)

// Config holds the hardware configuration for the slide motor.
type Config struct {
	StepPin      int
	DirPin       int
	EnablePin    int           // driver ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	PulseWidth   time.Duration // STEP high time, clamped up to MinPulseWidth
	DirSetup     time.Duration // wait after a direction change before the next pulse
	SpeedPercent int           // initial speed, 0 = 50%
}

// Canceller is polled once before every pulse of a cancellable run.
type Canceller interface {
	Cancelled() bool
}

// CancelFunc adapts a plain function to Canceller.
type CancelFunc func() bool

func (f CancelFunc) Cancelled() bool { return f() }

// Stepper drives a STEP/DIR stepper driver (A4988, TMC2209 in step mode).
type Stepper struct {
	gpio    gpio.Driver
	clk     clock.Clock
	cfg     Config
	speed   int
	forward bool
	steps   int64 // signed step count since start-up
}

// NewStepper configures the pins and enables the driver.
func NewStepper(g gpio.Driver, clk clock.Clock, cfg Config) *Stepper {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	if cfg.PulseWidth < MinPulseWidth {
		cfg.PulseWidth = MinPulseWidth
	}
	if cfg.SpeedPercent == 0 {
		cfg.SpeedPercent = defaultSpeedPercent
	}

	s := &Stepper{
		gpio:  g,
		clk:   clk,
		cfg:   cfg,
		speed: clampPercent(cfg.SpeedPercent),
	}

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low) // enable by default
	}

	return s
}

func clampPercent(p int) int {
	if p < MinSpeedPercent {
		return MinSpeedPercent
	}
	if p > MaxSpeedPercent {
		return MaxSpeedPercent
	}
	return p
}

// DelayForSpeed maps a speed percent to the pause between pulses:
// 250 + 3750*t² µs with t = (100-p)/95, p clamped to [5,100].
// The quadratic makes changes near the fast end count for more.
func DelayForSpeed(percent int) time.Duration {
	p := clampPercent(percent)
	t := float64(MaxSpeedPercent-p) / float64(MaxSpeedPercent-MinSpeedPercent)
	us := 250 + 3750*t*t
	return time.Duration(int64(us)) * time.Microsecond
}

// SetSpeedPercent sets the speed used when a run passes percent 0.
func (s *Stepper) SetSpeedPercent(p int) {
	s.speed = clampPercent(p)
}

// SpeedPercent returns the current speed setting.
func (s *Stepper) SpeedPercent() int {
	return s.speed
}

func (s *Stepper) resolve(percent int) int {
	if percent == 0 {
		return s.speed
	}
	return clampPercent(percent)
}

// SetDirection writes DIR. It returns only once the level is set (plus
// DirSetup), so a following Pulse never races the direction change.
func (s *Stepper) SetDirection(forward bool) error {
	if err := s.gpio.WritePin(s.cfg.DirPin, gpio.Level(forward)); err != nil {
		return err
	}
	s.forward = forward
	if s.cfg.DirSetup > 0 {
		s.clk.Sleep(s.cfg.DirSetup)
	}
	return nil
}

// Forward reports the last direction written.
func (s *Stepper) Forward() bool {
	return s.forward
}

// Pulse issues one STEP pulse.
func (s *Stepper) Pulse() error {
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	s.clk.Sleep(s.cfg.PulseWidth)
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	if s.forward {
		s.steps++
	} else {
		s.steps--
	}
	return nil
}

// Step pulses once and waits delay before returning.
func (s *Stepper) Step(delay time.Duration) error {
	if err := s.Pulse(); err != nil {
		return err
	}
	s.clk.Sleep(delay)
	return nil
}

// Steps returns the signed number of pulses issued since start-up.
func (s *Stepper) Steps() int64 {
	return s.steps
}

// RunSteps pulses count times in one direction, open loop.
func (s *Stepper) RunSteps(count int, forward bool, percent int) error {
	if count <= 0 {
		return nil
	}
	if err := s.SetDirection(forward); err != nil {
		return err
	}
	delay := DelayForSpeed(s.resolve(percent))
	debug.Move("slide", count, direction(forward))
	for i := 0; i < count; i++ {
		if err := s.Step(delay); err != nil {
			return err
		}
	}
	return nil
}

// RunForDuration pulses until d has elapsed or c reports cancellation,
// checked before each pulse. It returns the number of pulses issued.
func (s *Stepper) RunForDuration(forward bool, d time.Duration, percent int, c Canceller) (int, error) {
	if err := s.SetDirection(forward); err != nil {
		return 0, err
	}
	delay := DelayForSpeed(s.resolve(percent))
	debug.Live("Driving %s for %v (delay %v)", direction(forward), d, delay)

	start := s.clk.Now()
	n := 0
	for s.clk.Now().Sub(start) < d {
		if c != nil && c.Cancelled() {
			debug.Live("Drive cancelled after %d steps", n)
			break
		}
		if err := s.Step(delay); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// MoveSteps moves by a signed number of steps at the current speed.
func (s *Stepper) MoveSteps(steps int) error {
	if steps == 0 {
		return nil
	}
	if steps > 0 {
		return s.RunSteps(steps, true, 0)
	}
	return s.RunSteps(-steps, false, 0)
}

// Enable turns on the motor driver (ENABLE=LOW). Motor holds position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (ENABLE=HIGH). The carriage freewheels.
// Used while the camera fires to avoid vibration.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}

func direction(forward bool) string {
	if forward {
		return "forward"
	}
	return "backward"
}
