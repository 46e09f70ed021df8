package camera

import (
	"time"

	"github.com/cjeanneret/SlidePilot/internal/debug"
	"github.com/cjeanneret/SlidePilot/internal/hw/clock"
	"github.com/cjeanneret/SlidePilot/internal/hw/gpio"
)

// RemoteConfig describes a two-line wired remote (focus + shutter), as
// found on most DSLR/mirrorless remote ports through an opto-coupler.
type RemoteConfig struct {
	FocusPin     int
	ShutterPin   int
	ActiveLow    bool          // lines are pulled to the active level to trigger
	FocusDelay   time.Duration // time for autofocus
	ShutterDelay time.Duration // shutter hold time
}

// GPIORemote triggers a camera through its wired remote port.
//
// Trigger sequence:
// 1. FOCUS active (half press)
// 2. Wait for autofocus
// 3. SHUTTER active (full press)
// 4. Hold, then release SHUTTER and FOCUS
type GPIORemote struct {
	gpio gpio.Driver
	clk  clock.Clock
	cfg  RemoteConfig
}

// NewGPIORemote configures both lines as outputs at their idle level.
func NewGPIORemote(g gpio.Driver, clk clock.Clock, cfg RemoteConfig) *GPIORemote {
	r := &GPIORemote{gpio: g, clk: clk, cfg: cfg}

	_ = g.SetupPin(cfg.FocusPin, gpio.Output)
	_ = g.SetupPin(cfg.ShutterPin, gpio.Output)
	_ = g.WritePin(cfg.FocusPin, r.idle())
	_ = g.WritePin(cfg.ShutterPin, r.idle())

	return r
}

func (r *GPIORemote) active() gpio.Level { return gpio.Level(!r.cfg.ActiveLow) }
func (r *GPIORemote) idle() gpio.Level   { return gpio.Level(r.cfg.ActiveLow) }

// Shoot runs focus -> wait -> shutter -> hold -> release.
func (r *GPIORemote) Shoot() error {
	debug.Printf("Camera: triggering shot (focus=%d, shutter=%d)", r.cfg.FocusPin, r.cfg.ShutterPin)

	if err := r.gpio.WritePin(r.cfg.FocusPin, r.active()); err != nil {
		return err
	}
	r.clk.Sleep(r.cfg.FocusDelay)

	if err := r.gpio.WritePin(r.cfg.ShutterPin, r.active()); err != nil {
		// Release FOCUS on error
		_ = r.gpio.WritePin(r.cfg.FocusPin, r.idle())
		return err
	}
	r.clk.Sleep(r.cfg.ShutterDelay)

	if err := r.gpio.WritePin(r.cfg.ShutterPin, r.idle()); err != nil {
		return err
	}
	if err := r.gpio.WritePin(r.cfg.FocusPin, r.idle()); err != nil {
		return err
	}

	debug.Verbose("Camera: shot triggered")
	return nil
}
