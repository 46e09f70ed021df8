package input

import (
	"time"

	"github.com/cjeanneret/SlidePilot/internal/debug"
	"github.com/cjeanneret/SlidePilot/internal/hw/gpio"
)

// PanelConfig wires the knob and the two buttons.
type PanelConfig struct {
	PinA, PinB int
	Select     ButtonConfig
	Back       ButtonConfig
}

// Panel is the knob plus select and back buttons, polled as one unit.
type Panel struct {
	Knob   *Quadrature
	Select *Button
	Back   *Button
}

// NewPanel sets up all input lines.
func NewPanel(g gpio.Driver, cfg PanelConfig, now time.Time) (*Panel, error) {
	knob, err := NewQuadrature(g, cfg.PinA, cfg.PinB)
	if err != nil {
		return nil, err
	}
	sel, err := NewButton(g, cfg.Select, now)
	if err != nil {
		return nil, err
	}
	back, err := NewButton(g, cfg.Back, now)
	if err != nil {
		return nil, err
	}
	return &Panel{Knob: knob, Select: sel, Back: back}, nil
}

// Poll decodes the knob then polls both buttons. Call it once per tick
// before reading Confirm, Cancel or the knob delta.
func (p *Panel) Poll(now time.Time) error {
	if err := p.Knob.Decode(); err != nil {
		return err
	}
	if err := p.Select.Poll(now); err != nil {
		return err
	}
	return p.Back.Poll(now)
}

// Confirm consumes a select short-press.
func (p *Panel) Confirm() bool {
	if p.Select.ShortPressEdge() {
		debug.Button("select", "short press")
		return true
	}
	return false
}

// Cancel consumes a back long-press.
func (p *Panel) Cancel() bool {
	if p.Back.LongPressLatched() {
		debug.Button("back", "long press")
		return true
	}
	return false
}

// Detents returns and clears the knob delta.
func (p *Panel) Detents() int {
	return p.Knob.ReadAndClearDelta()
}
