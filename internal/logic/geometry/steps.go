package geometry

import (
	"math"

	"github.com/cjeanneret/SlidePilot/internal/hw/sensor"
	"github.com/cjeanneret/SlidePilot/internal/settings"
)

// StepsCalculator converts sensor ring deltas and carriage travel to motor
// step counts. One sensor revolution (4096 raw) is one motor revolution.
type StepsCalculator struct {
	stepsPerRev int     // motor steps per revolution, microsteps included
	mmPerRev    float64 // carriage travel per revolution
}

// NewStepsCalculator creates a calculator from a steps-per-revolution scale
// and the belt travel per revolution in mm.
func NewStepsCalculator(stepsPerRev int, mmPerRev float64) *StepsCalculator {
	return &StepsCalculator{stepsPerRev: stepsPerRev, mmPerRev: mmPerRev}
}

// FromRuntime derives the calculator from persisted mechanics:
// full steps × microsteps per revolution, pulley teeth × belt pitch per revolution.
// A non-zero override replaces the derived steps-per-revolution scale.
func FromRuntime(rt settings.Runtime, override int) *StepsCalculator {
	spr := int(rt.StepsPerRev) * int(rt.Microstep)
	if override > 0 {
		spr = override
	}
	return NewStepsCalculator(spr, float64(rt.PulleyTeeth)*float64(rt.BeltPitchMM))
}

// StepsPerRevolution returns the scale factor.
func (s *StepsCalculator) StepsPerRevolution() int {
	return s.stepsPerRev
}

// RawToSteps converts a ring delta to an unsigned step count (integer,
// truncated): stepsPerRev * |delta| / 4096.
func (s *StepsCalculator) RawToSteps(delta int) int {
	if delta < 0 {
		delta = -delta
	}
	return s.stepsPerRev * delta / sensor.Ring
}

// MillimetresToSteps converts carriage travel to signed steps.
func (s *StepsCalculator) MillimetresToSteps(mm float64) int {
	if s.mmPerRev <= 0 {
		return 0
	}
	return int(math.Round(mm / s.mmPerRev * float64(s.stepsPerRev)))
}

// RawToMillimetres converts a ring delta to carriage travel.
func (s *StepsCalculator) RawToMillimetres(delta int) float64 {
	return float64(delta) / sensor.Ring * s.mmPerRev
}

// StopPositions splits the shortest arc from a to b into stops-1 equal
// segments and returns the stops positions, a and b included.
// Fewer than two stops gives just the endpoints.
func StopPositions(a, b sensor.Position, stops int) []sensor.Position {
	if stops < 2 {
		stops = 2
	}
	arc := sensor.ShortestArc(a, b)
	out := make([]sensor.Position, stops)
	for i := 0; i < stops; i++ {
		off := arc * i / (stops - 1)
		p := (int(a) + off) % sensor.Ring
		if p < 0 {
			p += sensor.Ring
		}
		out[i] = sensor.Position(p)
	}
	return out
}
