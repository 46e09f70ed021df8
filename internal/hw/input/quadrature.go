// Package input turns the raw knob and push-button lines into detents and
// debounced press events. Everything here is polled from the control loop:
// Decode and Poll must run before any reader in the same tick.
package input

import (
	"fmt"

	"github.com/cjeanneret/SlidePilot/internal/debug"
	"github.com/cjeanneret/SlidePilot/internal/hw/gpio"
)

// quadTable maps prev<<2|curr to a raw half-step.
// +1: 00→01, 01→11, 11→10, 10→00. -1: the reverse four. Everything else
// (no change, or a skipped phase) is noise.
var quadTable = [16]int{
	0, +1, -1, 0,
	-1, 0, 0, +1,
	+1, 0, 0, -1,
	0, -1, +1, 0,
}

// QuadStep returns the raw step for a transition between two 2-bit phase codes.
func QuadStep(prev, curr uint8) int {
	return quadTable[(prev&0x3)<<2|(curr&0x3)]
}

// Quadrature decodes a two-phase rotary knob into detents.
// Poll interval must stay at or below ~5ms; missed polls drop detents.
type Quadrature struct {
	gpio       gpio.Driver
	pinA, pinB int

	prev     uint8
	acc      int
	delta    int
	position int
}

// NewQuadrature configures both phases as pulled-up inputs and latches the
// current phase code.
func NewQuadrature(g gpio.Driver, pinA, pinB int) (*Quadrature, error) {
	q := &Quadrature{gpio: g, pinA: pinA, pinB: pinB}
	for _, pin := range []int{pinA, pinB} {
		if err := g.SetupPin(pin, gpio.InputPullUp); err != nil {
			return nil, fmt.Errorf("quadrature pin %d: %w", pin, err)
		}
	}
	code, err := q.read()
	if err != nil {
		return nil, err
	}
	q.prev = code
	return q, nil
}

func (q *Quadrature) read() (uint8, error) {
	a, err := q.gpio.ReadPin(q.pinA)
	if err != nil {
		return 0, fmt.Errorf("quadrature phase A: %w", err)
	}
	b, err := q.gpio.ReadPin(q.pinB)
	if err != nil {
		return 0, fmt.Errorf("quadrature phase B: %w", err)
	}
	var code uint8
	if a {
		code |= 2
	}
	if b {
		code |= 1
	}
	return code, nil
}

// Decode samples both phases once. A read error leaves the state untouched.
func (q *Quadrature) Decode() error {
	code, err := q.read()
	if err != nil {
		return err
	}
	q.feed(code)
	return nil
}

func (q *Quadrature) feed(code uint8) {
	step := QuadStep(q.prev, code)
	q.prev = code
	if step == 0 {
		return
	}
	q.acc += step
	if q.acc >= 2 || q.acc <= -2 {
		d := 1
		if q.acc < 0 {
			d = -1
		}
		q.delta += d
		q.position += d
		q.acc = 0
		debug.Trace("Knob detent %+d (position %d)", d, q.position)
	}
}

// ReadAndClearDelta returns the detents seen since the last call.
func (q *Quadrature) ReadAndClearDelta() int {
	d := q.delta
	q.delta = 0
	return d
}

// Position is the running detent count since start-up.
func (q *Quadrature) Position() int {
	return q.position
}
