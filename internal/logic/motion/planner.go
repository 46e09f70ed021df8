package motion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/SlidePilot/internal/debug"
	"github.com/cjeanneret/SlidePilot/internal/hw/clock"
	"github.com/cjeanneret/SlidePilot/internal/hw/sensor"
	"github.com/cjeanneret/SlidePilot/internal/hw/stepper"
)

// ErrBusy is returned when a job is requested while another is active.
var ErrBusy = errors.New("motion: a job is already active")

// State of the planner.
type State int

const (
	Idle State = iota
	HomingA
	HomingB
	Running
	Done
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case HomingA:
		return "homing-a"
	case HomingB:
		return "homing-b"
	case Running:
		return "running"
	case Done:
		return "done"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Active reports whether a job owns the planner.
func (s State) Active() bool {
	return s == HomingA || s == HomingB || s == Running
}

// Sensor samples the absolute position.
type Sensor interface {
	ReadPosition() sensor.Position
}

// Motor issues direction changes and paced pulses.
type Motor interface {
	SetDirection(forward bool) error
	Step(delay time.Duration) error
}

// Inputs is the operator panel. Poll must run before Confirm, Cancel or
// Detents are read.
type Inputs interface {
	Poll(now time.Time) error
	Confirm() bool
	Cancel() bool
	Detents() int
}

// Config tunes the planner.
type Config struct {
	// StepsPerRevolution is the motor steps for one sensor revolution (4096 raw).
	StepsPerRevolution int
	// ResampleEvery re-reads the sensor every N steps and re-plans the rest
	// of the leg. 0 keeps legs open loop.
	ResampleEvery int
	// RehomeSpeedPercent is the speed of the leg back to A. 0 = job speed.
	RehomeSpeedPercent int
	// JogStepsPerDetent moves the carriage by knob while A and B are set.
	JogStepsPerDetent int
}

// Request is a single-leg move.
type Request struct {
	Target       sensor.Position
	SpeedPercent int
	// Duration > 0 paces the leg to last that long instead of using the
	// speed curve, never faster than the curve's 100%.
	Duration time.Duration
	Cancel   stepper.Canceller
}

// Job is a two-leg slide: back to A, then A to B. Duration applies to the
// A to B leg.
type Job struct {
	A, B         sensor.Position
	SpeedPercent int
	Duration     time.Duration
	Cancel       stepper.Canceller
}

// Leg is one planned move.
type Leg struct {
	From, To sensor.Position
	Delta    int
	Steps    int
	Forward  bool
	Delay    time.Duration
}

// Result summarizes a finished job.
type Result struct {
	State   State
	Steps   int // pulses issued
	Planned int // pulses planned across executed legs
	Legs    int // legs completed
}

// Planner resolves targets into step legs and runs them, cancellable at
// pulse granularity. It is owned by the control loop goroutine.
type Planner struct {
	sensor Sensor
	motor  Motor
	inputs Inputs
	clk    clock.Clock
	cfg    Config

	state    State
	a, b     sensor.Position
	done     int
	total    int
	progress int

	onProgress func(done, total, percent int)
}

// NewPlanner creates a planner. inputs may be nil (no panel).
func NewPlanner(s Sensor, m Motor, in Inputs, clk clock.Clock, cfg Config) *Planner {
	return &Planner{sensor: s, motor: m, inputs: in, clk: clk, cfg: cfg}
}

// OnProgress registers a callback invoked after every pulse.
func (p *Planner) OnProgress(fn func(done, total, percent int)) {
	p.onProgress = fn
}

// State returns the current state.
func (p *Planner) State() State { return p.state }

// Progress is the percentage of the current (or last) leg, 100 for an
// empty leg.
func (p *Planner) Progress() int { return p.progress }

// Endpoints returns the last confirmed A and B.
func (p *Planner) Endpoints() (a, b sensor.Position) { return p.a, p.b }

// Plan computes a leg from one position to another.
func (p *Planner) Plan(from, to sensor.Position, percent int, d time.Duration) Leg {
	delta := sensor.ShortestArc(from, to)
	abs := delta
	if abs < 0 {
		abs = -abs
	}
	leg := Leg{
		From:    from,
		To:      to,
		Delta:   delta,
		Steps:   p.cfg.StepsPerRevolution * abs / sensor.Ring,
		Forward: delta > 0,
		Delay:   stepper.DelayForSpeed(percent),
	}
	if d > 0 && leg.Steps > 0 {
		leg.Delay = d / time.Duration(leg.Steps)
		if leg.Delay < stepper.MinDelay {
			leg.Delay = stepper.MinDelay
		}
	}
	return leg
}

// Start enters the confirmation phase: the operator positions the carriage
// and confirms A, then B, with a select press. Back long-press cancels.
func (p *Planner) Start() error {
	if p.state.Active() {
		return ErrBusy
	}
	debug.Section("Slide wizard: set START (A)")
	p.state = HomingA
	return nil
}

// Abort cancels a pending confirmation phase.
func (p *Planner) Abort() {
	if p.state == HomingA || p.state == HomingB {
		p.state = Cancelled
		debug.Live("Slide wizard cancelled")
	}
}

// Tick advances the confirmation phase by one control-loop tick. The panel
// must have been polled this tick. Once B is confirmed the slide runs
// inside Tick (job.A and job.B are replaced by the confirmed positions).
func (p *Planner) Tick(ctx context.Context, job Job) (Result, error) {
	if p.state != HomingA && p.state != HomingB {
		return Result{State: p.state}, nil
	}
	if p.inputs == nil {
		return Result{State: p.state}, nil
	}
	if p.inputs.Cancel() {
		p.Abort()
		return Result{State: p.state}, nil
	}
	if n := p.inputs.Detents(); n != 0 {
		if err := p.jog(n); err != nil {
			return Result{State: p.state}, err
		}
	}
	if !p.inputs.Confirm() {
		return Result{State: p.state}, nil
	}

	pos := p.sensor.ReadPosition()
	if p.state == HomingA {
		p.a = pos
		p.state = HomingB
		debug.Live("START (A) = %d", pos)
		debug.Section("Slide wizard: set END (B)")
		return Result{State: p.state}, nil
	}
	p.b = pos
	debug.Live("END (B) = %d", pos)
	job.A, job.B = p.a, p.b
	p.state = Idle
	return p.RunSlide(ctx, job)
}

func (p *Planner) jog(detents int) error {
	if p.cfg.JogStepsPerDetent <= 0 {
		return nil
	}
	forward := detents > 0
	if !forward {
		detents = -detents
	}
	if err := p.motor.SetDirection(forward); err != nil {
		return fmt.Errorf("jog: %w", err)
	}
	delay := stepper.DelayForSpeed(stepper.MaxSpeedPercent)
	for i := 0; i < detents*p.cfg.JogStepsPerDetent; i++ {
		if err := p.motor.Step(delay); err != nil {
			return fmt.Errorf("jog: %w", err)
		}
	}
	return nil
}

// Seek moves to a single target.
func (p *Planner) Seek(ctx context.Context, req Request) (Result, error) {
	if p.state.Active() {
		return Result{State: p.state}, ErrBusy
	}
	p.state = Running
	res := Result{}
	cancelled, err := p.runLeg(ctx, req.Target, req.SpeedPercent, req.Duration, req.Cancel, &res)
	return p.finish(res, cancelled, err)
}

// RunSlide runs leg 1 to A (at RehomeSpeedPercent when set) and leg 2
// to B. Any interruption ends the whole job.
func (p *Planner) RunSlide(ctx context.Context, job Job) (Result, error) {
	if p.state.Active() {
		return Result{State: p.state}, ErrBusy
	}
	p.a, p.b = job.A, job.B
	p.state = Running
	debug.Section(fmt.Sprintf("Slide %d -> %d", job.A, job.B))

	res := Result{}
	rehome := job.SpeedPercent
	if p.cfg.RehomeSpeedPercent > 0 {
		rehome = p.cfg.RehomeSpeedPercent
	}
	debug.Step(1, "move to START (A)")
	cancelled, err := p.runLeg(ctx, job.A, rehome, 0, job.Cancel, &res)
	if cancelled || err != nil {
		return p.finish(res, cancelled, err)
	}
	debug.Step(2, "slide to END (B)")
	cancelled, err = p.runLeg(ctx, job.B, job.SpeedPercent, job.Duration, job.Cancel, &res)
	return p.finish(res, cancelled, err)
}

func (p *Planner) finish(res Result, cancelled bool, err error) (Result, error) {
	if cancelled || err != nil {
		p.state = Cancelled
	} else {
		p.state = Done
	}
	res.State = p.state
	debug.Job("slide", p.state.String(), res.Steps)
	return res, err
}

// interrupted polls every cancellation source. Checked before each pulse.
func (p *Planner) interrupted(ctx context.Context, c stepper.Canceller) bool {
	if ctx.Err() != nil {
		return true
	}
	if p.inputs != nil {
		if err := p.inputs.Poll(p.clk.Now()); err != nil {
			debug.Error(err)
		}
		// Evaluate both so a stale edge is not left for the next job.
		confirm := p.inputs.Confirm()
		back := p.inputs.Cancel()
		if confirm || back {
			return true
		}
	}
	return c != nil && c.Cancelled()
}

func (p *Planner) runLeg(ctx context.Context, target sensor.Position, percent int, d time.Duration, c stepper.Canceller, res *Result) (bool, error) {
	from := p.sensor.ReadPosition()
	leg := p.Plan(from, target, percent, d)
	debug.Verbose("Leg %d -> %d: delta %d, %d steps %s, delay %v",
		leg.From, leg.To, leg.Delta, leg.Steps, direction(leg.Forward), leg.Delay)

	p.done, p.total = 0, leg.Steps
	res.Planned += leg.Steps
	if leg.Steps == 0 {
		p.setProgress(100)
		res.Legs++
		return false, nil
	}
	p.setProgress(0)
	if err := p.motor.SetDirection(leg.Forward); err != nil {
		return false, fmt.Errorf("set direction: %w", err)
	}

	forward := leg.Forward
	for p.done < p.total {
		if p.interrupted(ctx, c) {
			debug.Live("Leg interrupted at %d/%d steps", p.done, p.total)
			return true, nil
		}
		if err := p.motor.Step(leg.Delay); err != nil {
			return false, fmt.Errorf("step %d/%d: %w", p.done+1, p.total, err)
		}
		p.done++
		res.Steps++
		p.setProgress(p.done * 100 / p.total)

		if p.cfg.ResampleEvery > 0 && p.done%p.cfg.ResampleEvery == 0 && p.done < p.total {
			re := p.Plan(p.sensor.ReadPosition(), target, percent, 0)
			if d == 0 {
				leg.Delay = re.Delay
			}
			res.Planned += p.done + re.Steps - p.total
			p.total = p.done + re.Steps
			if re.Steps > 0 && re.Forward != forward {
				forward = re.Forward
				if err := p.motor.SetDirection(forward); err != nil {
					return false, fmt.Errorf("set direction: %w", err)
				}
			}
			debug.Trace("Re-planned: %d steps left", re.Steps)
		}
	}
	p.setProgress(100)
	res.Legs++
	return false, nil
}

func (p *Planner) setProgress(pct int) {
	p.progress = pct
	if p.onProgress != nil {
		p.onProgress(p.done, p.total, pct)
	}
}

func direction(forward bool) string {
	if forward {
		return "forward"
	}
	return "backward"
}
