package capture

import (
	"context"
	"time"

	"github.com/cjeanneret/SlidePilot/internal/debug"
	"github.com/cjeanneret/SlidePilot/internal/hw/camera"
	"github.com/cjeanneret/SlidePilot/internal/hw/clock"
	"github.com/cjeanneret/SlidePilot/internal/hw/sensor"
	"github.com/cjeanneret/SlidePilot/internal/hw/stepper"
	"github.com/cjeanneret/SlidePilot/internal/logic/geometry"
	"github.com/cjeanneret/SlidePilot/internal/logic/motion"
)

// Holder switches the motor's holding torque.
type Holder interface {
	Enable() error
	Disable() error
}

// Sequence contains stop-motion logic: move, settle, shoot, repeat
// (multi-position and timelapse jobs).
type Sequence struct {
	planner *motion.Planner
	motor   Holder
	camera  camera.Camera
	clk     clock.Clock
}

func NewSequence(p *motion.Planner, m Holder, c camera.Camera, clk clock.Clock) *Sequence {
	return &Sequence{
		planner: p,
		motor:   m,
		camera:  c,
		clk:     clk,
	}
}

// StopsParams defines a stop-motion job from A to B.
type StopsParams struct {
	A, B         sensor.Position
	Stops        int // positions including both ends
	SpeedPercent int
	Cancel       stepper.Canceller

	ShotDelay time.Duration // delay before shot (stabilization)
	Pause     time.Duration // delay after shot before the next move
}

// Result of a stop-motion job.
type Result struct {
	State motion.State
	Shots int
	Steps int
}

// RunStops moves to each stop in turn and fires the camera with the motor
// released. Interrupting any move ends the job.
func (s *Sequence) RunStops(ctx context.Context, p StopsParams) (Result, error) {
	stops := geometry.StopPositions(p.A, p.B, p.Stops)
	debug.Section("Stop-motion job")
	debug.Value("Stops", len(stops))
	debug.Value("Pause", p.Pause)

	// Ensure motor is enabled before any movement
	_ = s.motor.Enable()

	res := Result{}
	for i, target := range stops {
		mv, err := s.planner.Seek(ctx, motion.Request{
			Target:       target,
			SpeedPercent: p.SpeedPercent,
			Cancel:       p.Cancel,
		})
		res.Steps += mv.Steps
		res.State = mv.State
		if err != nil || mv.State != motion.Done {
			return res, err
		}

		// Disable motor during capture (reduces vibration, no holding torque)
		_ = s.motor.Disable()
		s.clk.Sleep(p.ShotDelay)
		if err := s.camera.Shoot(); err != nil {
			_ = s.motor.Enable()
			return res, err
		}
		res.Shots++
		debug.Shot(i+1, len(stops))
		if i < len(stops)-1 {
			s.clk.Sleep(p.Pause)
		}
		// Re-enable motor for next movement
		_ = s.motor.Enable()

		if ctx.Err() != nil {
			res.State = motion.Cancelled
			return res, nil
		}
	}
	return res, nil
}
