package input

import (
	"fmt"
	"time"

	"github.com/cjeanneret/SlidePilot/internal/hw/gpio"
)

// Default button timings.
const (
	DefaultDebounce  = 15 * time.Millisecond
	DefaultLongPress = 650 * time.Millisecond
)

// ButtonConfig describes one push-button line.
type ButtonConfig struct {
	Pin       int
	ActiveLow bool          // pressed pulls the line low (pull-up wiring)
	Debounce  time.Duration // 0 = DefaultDebounce
	LongPress time.Duration // 0 = long-press disabled
}

// Button is a debounced push-button.
//
// A raw change is accepted once the raw level has been stable for at least
// Debounce. The short-press edge is reported once per accepted press; the
// long-press latch is set at most once per contiguous hold and cleared on
// read or on release.
type Button struct {
	gpio gpio.Driver
	cfg  ButtonConfig

	raw      bool
	rawSince time.Time

	pressed    bool
	lastChange time.Time

	reported  bool
	longFired bool
	latched   bool
}

// NewButton configures the pin and starts in the released state.
func NewButton(g gpio.Driver, cfg ButtonConfig, now time.Time) (*Button, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	mode := gpio.Input
	if cfg.ActiveLow {
		mode = gpio.InputPullUp
	}
	if err := g.SetupPin(cfg.Pin, mode); err != nil {
		return nil, fmt.Errorf("button pin %d: %w", cfg.Pin, err)
	}
	return &Button{gpio: g, cfg: cfg, rawSince: now, lastChange: now}, nil
}

// Poll samples the line once.
func (b *Button) Poll(now time.Time) error {
	level, err := b.gpio.ReadPin(b.cfg.Pin)
	if err != nil {
		return fmt.Errorf("button pin %d: %w", b.cfg.Pin, err)
	}
	active := bool(level) != b.cfg.ActiveLow
	b.update(active, now)
	return nil
}

func (b *Button) update(active bool, now time.Time) {
	if active != b.raw {
		b.raw = active
		b.rawSince = now
	}

	if b.raw != b.pressed {
		if now.Sub(b.rawSince) >= b.cfg.Debounce {
			b.pressed = b.raw
			b.lastChange = now
			if !b.pressed {
				b.reported = false
				b.longFired = false
				b.latched = false
			}
		}
		return
	}

	if b.pressed && b.cfg.LongPress > 0 && !b.longFired &&
		now.Sub(b.lastChange) >= b.cfg.LongPress {
		b.longFired = true
		b.latched = true
	}
}

// Pressed reports the debounced level.
func (b *Button) Pressed() bool {
	return b.pressed
}

// ShortPressEdge is true exactly once per accepted press.
func (b *Button) ShortPressEdge() bool {
	if !b.pressed || b.reported {
		return false
	}
	b.reported = true
	return true
}

// LongPressLatched consumes the long-press latch.
func (b *Button) LongPressLatched() bool {
	l := b.latched
	b.latched = false
	return l
}
