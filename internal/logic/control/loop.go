// Package control owns every hardware object and runs them from one
// goroutine. Other goroutines submit Commands and read Status snapshots.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/SlidePilot/internal/debug"
	"github.com/cjeanneret/SlidePilot/internal/hw/clock"
	"github.com/cjeanneret/SlidePilot/internal/hw/sched"
	"github.com/cjeanneret/SlidePilot/internal/hw/sensor"
	"github.com/cjeanneret/SlidePilot/internal/hw/stepper"
	"github.com/cjeanneret/SlidePilot/internal/logic/capture"
	"github.com/cjeanneret/SlidePilot/internal/logic/geometry"
	"github.com/cjeanneret/SlidePilot/internal/logic/motion"
	"github.com/cjeanneret/SlidePilot/internal/settings"
)

// DefaultTick keeps the knob poll under the 5ms a fast spin needs.
const DefaultTick = 4 * time.Millisecond

// sensor sampling for Status while idle, in ticks
const statusEvery = 25

var (
	// ErrQueueFull is returned by Submit when the loop is behind.
	ErrQueueFull = errors.New("control: command queue full")
	// ErrNoJob is logged when a replay is requested with nothing saved.
	ErrNoJob = errors.New("control: no previous job")
)

// Kind identifies a command.
type Kind int

const (
	Stop Kind = iota
	SetSpeed
	Jog
	Drive
	Replay
	StartWizard
	RunStops
)

func (k Kind) String() string {
	switch k {
	case Stop:
		return "stop"
	case SetSpeed:
		return "speed"
	case Jog:
		return "jog"
	case Drive:
		return "drive"
	case Replay:
		return "replay"
	case StartWizard:
		return "wizard"
	case RunStops:
		return "stops"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Command is a request for the control loop.
type Command struct {
	Kind     Kind
	Percent  int           // SetSpeed, Drive (0 = current speed)
	MM       float64       // Jog, signed
	Forward  bool          // Drive
	Duration time.Duration // Drive
	Stops    int           // RunStops, 0 = persisted default
}

// Status is an immutable snapshot of the loop.
type Status struct {
	State         string    `json:"state"`
	Busy          bool      `json:"busy"`
	Command       string    `json:"command,omitempty"`
	SpeedPercent  int       `json:"speed_percent"`
	Progress      int       `json:"progress"`
	Done          int       `json:"done"`
	Total         int       `json:"total"`
	Position      uint16    `json:"position"`
	SensorPresent bool      `json:"sensor_present"`
	A             uint16    `json:"a"`
	B             uint16    `json:"b"`
	Steps         int64     `json:"steps"`
	LastJob       string    `json:"last_job"`
	Error         string    `json:"error,omitempty"`
	Updated       time.Time `json:"updated"`
}

// Sensor is the position source seen by the loop.
type Sensor interface {
	motion.Sensor
	Present() bool
}

// Deps are the objects the loop owns. Panel, Store and Sequence may be nil.
type Deps struct {
	Panel    motion.Inputs
	Planner  *motion.Planner
	Stepper  *stepper.Stepper
	Sensor   Sensor
	Steps    *geometry.StepsCalculator
	Store    *settings.Store
	Sequence *capture.Sequence
	Clock    clock.Clock
}

// Config tunes the loop.
type Config struct {
	Tick      time.Duration // 0 = DefaultTick
	CPU       int           // realtime affinity, -1 = none
	Nice      int
	ShotDelay time.Duration // settle time before each stop-motion shot
	QueueSize int           // 0 = 16
}

// Loop is the single owner of the motion and input hardware.
type Loop struct {
	d    Deps
	cfg  Config
	cmds chan Command

	ticks int

	mu       sync.Mutex
	status   Status
	sent     Status // last snapshot handed to subscribers
	onStatus []func(Status)
}

// New creates a loop and hooks the planner's progress into Status.
func New(d Deps, cfg Config) *Loop {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	l := &Loop{d: d, cfg: cfg, cmds: make(chan Command, cfg.QueueSize)}
	d.Planner.OnProgress(l.progress)
	l.refresh(true)
	return l
}

// Submit queues a command without blocking.
func (l *Loop) Submit(cmd Command) error {
	select {
	case l.cmds <- cmd:
		debug.Verbose("Command queued: %s", cmd.Kind)
		return nil
	default:
		return ErrQueueFull
	}
}

// Status returns the latest snapshot.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// OnStatus registers fn, called from the loop goroutine after each change.
func (l *Loop) OnStatus(fn func(Status)) {
	l.mu.Lock()
	l.onStatus = append(l.onStatus, fn)
	l.mu.Unlock()
}

// Run ticks until ctx is done. It tunes the calling thread first.
func (l *Loop) Run(ctx context.Context) error {
	if l.cfg.CPU >= 0 || l.cfg.Nice != 0 {
		if err := sched.Tune(l.cfg.CPU, l.cfg.Nice); err != nil {
			debug.Error(err)
		}
	}
	debug.Info("Control loop running, tick %v", l.cfg.Tick)

	ticker := time.NewTicker(l.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Step(ctx)
		}
	}
}

// Step runs one tick: poll the panel, execute queued commands, then feed
// the panel events to the planner or the idle controls.
func (l *Loop) Step(ctx context.Context) {
	l.ticks++
	if l.d.Panel != nil {
		if err := l.d.Panel.Poll(l.d.Clock.Now()); err != nil {
			debug.Error(fmt.Errorf("poll panel: %w", err))
		}
	}

	for drained := false; !drained; {
		select {
		case cmd := <-l.cmds:
			l.exec(ctx, cmd)
		default:
			drained = true
		}
	}

	switch st := l.d.Planner.State(); st {
	case motion.HomingA, motion.HomingB:
		l.tickWizard(ctx)
	default:
		l.idle()
	}
	l.refresh(l.ticks%statusEvery == 0)
}

func (l *Loop) idle() {
	if l.d.Panel == nil {
		return
	}
	if n := l.d.Panel.Detents(); n != 0 {
		l.d.Stepper.SetSpeedPercent(l.d.Stepper.SpeedPercent() + n)
		debug.Live("Speed %d%%", l.d.Stepper.SpeedPercent())
	}
	if l.d.Panel.Confirm() {
		l.startWizard()
	}
	// Drop a stray long-press so it cannot cancel the next wizard.
	_ = l.d.Panel.Cancel()
}

func (l *Loop) startWizard() {
	if err := l.d.Planner.Start(); err != nil {
		l.fail(err)
	}
}

func (l *Loop) tickWizard(ctx context.Context) {
	speed := l.d.Stepper.SpeedPercent()
	res, err := l.d.Planner.Tick(ctx, motion.Job{SpeedPercent: speed, Cancel: l.canceller(ctx, false)})
	if err != nil {
		l.fail(err)
		return
	}
	if res.Legs > 0 && res.State == motion.Done && l.d.Store != nil {
		a, b := l.d.Planner.Endpoints()
		if err := l.d.Store.SaveSingle(uint16(a), uint16(b), false, 0, speed); err != nil {
			l.fail(err)
		}
	}
}

func (l *Loop) exec(ctx context.Context, cmd Command) {
	debug.Verbose("Command: %s %+v", cmd.Kind, cmd)
	l.setBusy(cmd.Kind.String())
	defer l.setBusy("")

	var err error
	switch cmd.Kind {
	case Stop:
		l.d.Planner.Abort()
	case SetSpeed:
		l.d.Stepper.SetSpeedPercent(cmd.Percent)
	case StartWizard:
		l.startWizard()
	case Jog:
		err = l.jog(ctx, cmd.MM)
	case Drive:
		if l.d.Planner.State().Active() {
			err = motion.ErrBusy
			break
		}
		var n int
		n, err = l.d.Stepper.RunForDuration(cmd.Forward, cmd.Duration, cmd.Percent, l.canceller(ctx, true))
		debug.Live("Drive issued %d steps", n)
	case Replay:
		err = l.replay(ctx)
	case RunStops:
		err = l.runStops(ctx, cmd.Stops)
	default:
		err = fmt.Errorf("control: unknown command %d", int(cmd.Kind))
	}
	if err != nil {
		l.fail(fmt.Errorf("%s: %w", cmd.Kind, err))
	}
}

func (l *Loop) jog(ctx context.Context, mm float64) error {
	if l.d.Planner.State().Active() {
		return motion.ErrBusy
	}
	n := l.d.Steps.MillimetresToSteps(mm)
	forward := n > 0
	if n < 0 {
		n = -n
	}
	if n == 0 {
		return nil
	}
	if err := l.d.Stepper.SetDirection(forward); err != nil {
		return err
	}
	debug.Move("slide", n, fmt.Sprintf("jog %.1fmm", mm))
	delay := stepper.DelayForSpeed(l.d.Stepper.SpeedPercent())
	c := l.canceller(ctx, true)
	for i := 0; i < n; i++ {
		if c.Cancelled() {
			debug.Live("Jog cancelled after %d steps", i)
			return nil
		}
		if err := l.d.Stepper.Step(delay); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) replay(ctx context.Context) error {
	if l.d.Store == nil {
		return ErrNoJob
	}
	last := l.d.Store.Get().LastJob
	if last.Type == settings.JobNone {
		return ErrNoJob
	}
	job := motion.Job{
		A:            sensor.Position(last.ARaw),
		B:            sensor.Position(last.BRaw),
		SpeedPercent: int(last.SpeedPct),
		Cancel:       l.canceller(ctx, false),
	}
	if last.UseTime {
		job.Duration = time.Duration(last.TotalMS) * time.Millisecond
	}
	debug.Info("Replaying %s job %d -> %d", last.Type, last.ARaw, last.BRaw)
	_, err := l.d.Planner.RunSlide(ctx, job)
	return err
}

func (l *Loop) runStops(ctx context.Context, stops int) error {
	if l.d.Sequence == nil {
		return errors.New("no camera sequence configured")
	}
	a, b := l.d.Planner.Endpoints()
	p := capture.StopsParams{
		A:            a,
		B:            b,
		Stops:        stops,
		SpeedPercent: l.d.Stepper.SpeedPercent(),
		Cancel:       l.canceller(ctx, false),
		ShotDelay:    l.cfg.ShotDelay,
	}
	if l.d.Store != nil {
		rt := l.d.Store.Get().Runtime
		if p.Stops == 0 {
			p.Stops = int(rt.DefaultStops)
		}
		p.Pause = time.Duration(rt.DefaultPauseMS) * time.Millisecond
	}
	res, err := l.d.Sequence.RunStops(ctx, p)
	debug.Info("Stop-motion %s: %d shots, %d steps", res.State, res.Shots, res.Steps)
	return err
}

// canceller drains queued commands while a move owns the loop. Stop ends
// the move, SetSpeed applies to the next move, anything else is dropped.
// withPanel also polls the panel: moves that bypass the planner need it.
func (l *Loop) canceller(ctx context.Context, withPanel bool) stepper.Canceller {
	return stepper.CancelFunc(func() bool {
		if ctx.Err() != nil {
			return true
		}
		if withPanel && l.d.Panel != nil {
			if err := l.d.Panel.Poll(l.d.Clock.Now()); err != nil {
				debug.Error(err)
			}
			confirm := l.d.Panel.Confirm()
			back := l.d.Panel.Cancel()
			if confirm || back {
				return true
			}
		}
		for {
			select {
			case cmd := <-l.cmds:
				switch cmd.Kind {
				case Stop:
					debug.Live("Stop received")
					return true
				case SetSpeed:
					l.d.Stepper.SetSpeedPercent(cmd.Percent)
				default:
					debug.Live("Busy, dropping %s", cmd.Kind)
				}
			default:
				return false
			}
		}
	})
}

func (l *Loop) progress(done, total, pct int) {
	l.mu.Lock()
	changed := l.status.Progress != pct || l.status.State != motion.Running.String()
	l.status.Done, l.status.Total, l.status.Progress = done, total, pct
	l.status.State = l.d.Planner.State().String()
	l.status.Steps = l.d.Stepper.Steps()
	l.status.Updated = l.d.Clock.Now()
	snap, subs := l.status, l.onStatus
	if changed {
		l.sent = snap
	}
	l.mu.Unlock()
	if changed {
		debug.Progress(done, total, pct)
		notify(subs, snap)
	}
}

func (l *Loop) setBusy(cmd string) {
	l.mu.Lock()
	l.status.Busy = cmd != ""
	l.status.Command = cmd
	l.mu.Unlock()
}

func (l *Loop) fail(err error) {
	debug.Error(err)
	l.mu.Lock()
	l.status.Error = err.Error()
	l.mu.Unlock()
}

// refresh rebuilds the snapshot. The sensor is only read when sample is
// set and no slide is running; otherwise the last reading is kept.
func (l *Loop) refresh(sample bool) {
	a, b := l.d.Planner.Endpoints()
	st := l.d.Planner.State()

	// Homing leaves the bus free; only a running slide owns it.
	var pos sensor.Position
	present, read := false, false
	if sample && st != motion.Running && l.d.Sensor != nil {
		pos = l.d.Sensor.ReadPosition()
		present = l.d.Sensor.Present()
		read = true
	}

	last := ""
	if l.d.Store != nil {
		last = l.d.Store.Get().LastJob.Type.String()
	}

	l.mu.Lock()
	prev := l.sent
	next := l.status
	next.State = st.String()
	next.SpeedPercent = l.d.Stepper.SpeedPercent()
	next.Progress = l.d.Planner.Progress()
	next.A, next.B = uint16(a), uint16(b)
	next.Steps = l.d.Stepper.Steps()
	next.LastJob = last
	if read {
		next.Position, next.SensorPresent = uint16(pos), present
	}
	changed := next.State != prev.State || next.SpeedPercent != prev.SpeedPercent ||
		next.Progress != prev.Progress || next.Position != prev.Position ||
		next.Steps != prev.Steps || next.A != prev.A || next.B != prev.B ||
		next.LastJob != prev.LastJob || next.Error != prev.Error || next.Busy != prev.Busy
	if changed {
		next.Updated = l.d.Clock.Now()
	}
	l.status = next
	if changed {
		l.sent = next
	}
	subs := l.onStatus
	l.mu.Unlock()

	if changed {
		notify(subs, next)
	}
}

func notify(subs []func(Status), s Status) {
	for _, fn := range subs {
		fn(s)
	}
}
