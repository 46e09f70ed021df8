package motion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cjeanneret/SlidePilot/internal/hw/clock"
	"github.com/cjeanneret/SlidePilot/internal/hw/sensor"
	"github.com/cjeanneret/SlidePilot/internal/hw/stepper"
)

// fakeSensor returns scripted positions; the last one repeats.
type fakeSensor struct {
	positions []sensor.Position
	reads     int
}

func (s *fakeSensor) ReadPosition() sensor.Position {
	i := s.reads
	if i >= len(s.positions) {
		i = len(s.positions) - 1
	}
	s.reads++
	return s.positions[i]
}

// recordingMotor records direction changes and pulses.
type recordingMotor struct {
	dirs    []bool
	pulses  int
	delays  []time.Duration
	failAt  int // fail the Nth pulse (1-based), 0 = never
	clk     *clock.Fake
}

func (m *recordingMotor) SetDirection(forward bool) error {
	m.dirs = append(m.dirs, forward)
	return nil
}

func (m *recordingMotor) Step(delay time.Duration) error {
	if m.failAt > 0 && m.pulses+1 == m.failAt {
		return errors.New("gpio write failed")
	}
	m.pulses++
	m.delays = append(m.delays, delay)
	if m.clk != nil {
		m.clk.Sleep(delay)
	}
	return nil
}

// fakeInputs scripts the panel. confirmOnPoll/cancelOnPoll raise the
// event on the Nth Poll.
type fakeInputs struct {
	polls         int
	confirm       bool
	cancel        bool
	confirmOnPoll int
	cancelOnPoll  int
	detents       int
}

func (in *fakeInputs) Poll(now time.Time) error {
	in.polls++
	if in.polls == in.confirmOnPoll {
		in.confirm = true
	}
	if in.polls == in.cancelOnPoll {
		in.cancel = true
	}
	return nil
}

func (in *fakeInputs) Confirm() bool {
	v := in.confirm
	in.confirm = false
	return v
}

func (in *fakeInputs) Cancel() bool {
	v := in.cancel
	in.cancel = false
	return v
}

func (in *fakeInputs) Detents() int {
	d := in.detents
	in.detents = 0
	return d
}

func newTestPlanner(cfg Config, positions ...sensor.Position) (*Planner, *recordingMotor, *fakeInputs, *fakeSensor) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := &fakeSensor{positions: positions}
	m := &recordingMotor{clk: clk}
	in := &fakeInputs{}
	if cfg.StepsPerRevolution == 0 {
		cfg.StepsPerRevolution = 1600
	}
	return NewPlanner(s, m, in, clk, cfg), m, in, s
}

func TestPlanner_Plan(t *testing.T) {
	p, _, _, _ := newTestPlanner(Config{}, 0)

	tests := []struct {
		name        string
		from, to    sensor.Position
		wantSteps   int
		wantForward bool
	}{
		{"half turn forward", 0, 2048, 800, true},
		{"half turn backward", 2048, 0, 800, false},
		{"across wrap forward", 4000, 100, 76, true},
		{"across wrap backward", 100, 4000, 76, false},
		{"no move", 1234, 1234, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leg := p.Plan(tt.from, tt.to, 50, 0)
			if leg.Steps != tt.wantSteps || leg.Forward != tt.wantForward {
				t.Errorf("Plan(%d, %d) = %d steps forward=%v, want %d forward=%v",
					tt.from, tt.to, leg.Steps, leg.Forward, tt.wantSteps, tt.wantForward)
			}
			if leg.Delay != stepper.DelayForSpeed(50) {
				t.Errorf("delay = %v", leg.Delay)
			}
		})
	}
}

func TestPlanner_PlanTimed(t *testing.T) {
	p, _, _, _ := newTestPlanner(Config{}, 0)

	leg := p.Plan(0, 2048, 50, 800*time.Millisecond)
	if leg.Delay != time.Millisecond {
		t.Errorf("timed delay = %v, want 1ms", leg.Delay)
	}
	leg = p.Plan(0, 2048, 50, 10*time.Millisecond)
	if leg.Delay != stepper.MinDelay {
		t.Errorf("timed delay = %v, want floor %v", leg.Delay, stepper.MinDelay)
	}
}

func TestPlanner_SeekCancelHalfway(t *testing.T) {
	p, m, _, _ := newTestPlanner(Config{StepsPerRevolution: 1600}, 0)

	cancel := stepper.CancelFunc(func() bool { return m.pulses >= 400 })
	res, err := p.Seek(context.Background(), Request{Target: 2048, SpeedPercent: 100, Cancel: cancel})
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if res.Planned != 800 {
		t.Errorf("planned %d steps, want 800", res.Planned)
	}
	if len(m.dirs) != 1 || !m.dirs[0] {
		t.Errorf("directions = %v, want [forward]", m.dirs)
	}
	if res.State != Cancelled || p.State() != Cancelled {
		t.Errorf("state = %v, want cancelled", res.State)
	}
	if m.pulses != 400 || res.Steps != 400 {
		t.Errorf("pulses = %d (result %d), want 400", m.pulses, res.Steps)
	}
	if p.Progress() != 50 {
		t.Errorf("progress = %d, want 50", p.Progress())
	}
}

func TestPlanner_SeekComplete(t *testing.T) {
	p, m, _, _ := newTestPlanner(Config{}, 0)

	var last int
	calls := 0
	p.OnProgress(func(done, total, pct int) {
		if pct < last {
			t.Errorf("progress went backwards: %d -> %d", last, pct)
		}
		last = pct
		calls++
	})
	res, err := p.Seek(context.Background(), Request{Target: 2048, SpeedPercent: 100})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != Done || m.pulses != 800 || res.Legs != 1 {
		t.Errorf("result = %+v, pulses %d", res, m.pulses)
	}
	if p.Progress() != 100 || last != 100 {
		t.Errorf("progress = %d, want 100", p.Progress())
	}
	if calls < 800 {
		t.Errorf("progress reported %d times, want one per pulse", calls)
	}
}

func TestPlanner_ZeroStepLeg(t *testing.T) {
	p, m, _, _ := newTestPlanner(Config{}, 500)

	res, err := p.Seek(context.Background(), Request{Target: 501, SpeedPercent: 50})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != Done || m.pulses != 0 || len(m.dirs) != 0 {
		t.Errorf("result = %+v, pulses %d, dirs %v", res, m.pulses, m.dirs)
	}
	if p.Progress() != 100 {
		t.Errorf("progress = %d, want 100", p.Progress())
	}
}

func TestPlanner_InterruptSources(t *testing.T) {
	tests := []struct {
		name  string
		setup func(in *fakeInputs)
	}{
		{"select short press", func(in *fakeInputs) { in.confirmOnPoll = 11 }},
		{"back long press", func(in *fakeInputs) { in.cancelOnPoll = 11 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, m, in, _ := newTestPlanner(Config{}, 0)
			tt.setup(in)
			res, err := p.Seek(context.Background(), Request{Target: 2048, SpeedPercent: 100})
			if err != nil {
				t.Fatal(err)
			}
			if res.State != Cancelled || m.pulses != 10 {
				t.Errorf("state %v after %d pulses, want cancelled after 10", res.State, m.pulses)
			}
		})
	}
}

func TestPlanner_ContextCancel(t *testing.T) {
	p, m, _, _ := newTestPlanner(Config{}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := p.Seek(ctx, Request{Target: 2048, SpeedPercent: 100})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != Cancelled || m.pulses != 0 {
		t.Errorf("state %v, pulses %d", res.State, m.pulses)
	}
}

func TestPlanner_MotorErrorAborts(t *testing.T) {
	p, m, _, _ := newTestPlanner(Config{}, 0)
	m.failAt = 5

	res, err := p.Seek(context.Background(), Request{Target: 2048, SpeedPercent: 100})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.State != Cancelled || m.pulses != 4 {
		t.Errorf("state %v, pulses %d", res.State, m.pulses)
	}
}

func TestPlanner_RunSlideTwoLegs(t *testing.T) {
	// Leg 1 starts at 1000 and returns to A=0; leg 2 starts at A.
	p, m, _, s := newTestPlanner(Config{}, 1000, 0)

	res, err := p.RunSlide(context.Background(), Job{A: 0, B: 2048, SpeedPercent: 100})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != Done || res.Legs != 2 {
		t.Errorf("result = %+v", res)
	}
	if want := 390 + 800; m.pulses != want || res.Steps != want {
		t.Errorf("pulses = %d, want %d", m.pulses, want)
	}
	if len(m.dirs) != 2 || m.dirs[0] || !m.dirs[1] {
		t.Errorf("directions = %v, want [backward forward]", m.dirs)
	}
	if s.reads != 2 {
		t.Errorf("sensor read %d times, want once per leg", s.reads)
	}
}

func TestPlanner_RunSlideCancelEndsJob(t *testing.T) {
	p, m, in, _ := newTestPlanner(Config{}, 1000, 0)
	in.cancelOnPoll = 50

	res, err := p.RunSlide(context.Background(), Job{A: 0, B: 2048, SpeedPercent: 100})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != Cancelled || res.Legs != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(m.dirs) != 1 || m.pulses != 49 {
		t.Errorf("leg 2 must not start: dirs %v pulses %d", m.dirs, m.pulses)
	}
}

func TestPlanner_RehomeSpeed(t *testing.T) {
	p, m, _, _ := newTestPlanner(Config{RehomeSpeedPercent: 100}, 1000, 0)

	if _, err := p.RunSlide(context.Background(), Job{A: 0, B: 2048, SpeedPercent: 5}); err != nil {
		t.Fatal(err)
	}
	if m.delays[0] != stepper.DelayForSpeed(100) {
		t.Errorf("leg 1 delay = %v, want %v", m.delays[0], stepper.DelayForSpeed(100))
	}
	if d := m.delays[len(m.delays)-1]; d != stepper.DelayForSpeed(5) {
		t.Errorf("leg 2 delay = %v, want %v", d, stepper.DelayForSpeed(5))
	}
}

func TestPlanner_TimedLeg(t *testing.T) {
	p, m, _, _ := newTestPlanner(Config{}, 0, 0)

	_, err := p.RunSlide(context.Background(), Job{A: 0, B: 2048, Duration: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if m.pulses != 800 {
		t.Fatalf("pulses = %d", m.pulses)
	}
	if m.delays[0] != 2500*time.Microsecond {
		t.Errorf("delay = %v, want 2.5ms", m.delays[0])
	}
}

func TestPlanner_OpenLoopByDefault(t *testing.T) {
	p, _, _, s := newTestPlanner(Config{}, 0, 2000)
	if _, err := p.Seek(context.Background(), Request{Target: 2048, SpeedPercent: 100}); err != nil {
		t.Fatal(err)
	}
	if s.reads != 1 {
		t.Errorf("sensor read %d times during one leg, want 1", s.reads)
	}
}

func TestPlanner_Resample(t *testing.T) {
	tests := []struct {
		name       string
		observed   sensor.Position
		wantPulses int
		wantDirs   []bool
	}{
		{"behind plan", 2000, 100 + 18, []bool{true}},
		{"overshoot reverses", 2100, 100 + 20, []bool{true, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, m, _, _ := newTestPlanner(Config{ResampleEvery: 100}, 0, tt.observed)
			res, err := p.Seek(context.Background(), Request{Target: 2048, SpeedPercent: 100})
			if err != nil {
				t.Fatal(err)
			}
			if res.State != Done || m.pulses != tt.wantPulses {
				t.Errorf("state %v pulses %d, want done after %d", res.State, m.pulses, tt.wantPulses)
			}
			if len(m.dirs) != len(tt.wantDirs) {
				t.Fatalf("dirs = %v, want %v", m.dirs, tt.wantDirs)
			}
			for i := range m.dirs {
				if m.dirs[i] != tt.wantDirs[i] {
					t.Errorf("dirs = %v, want %v", m.dirs, tt.wantDirs)
				}
			}
		})
	}
}

func TestPlanner_WizardFlow(t *testing.T) {
	// Confirm A at 0, B at 2048; then leg 1 reads 2048 -> A, leg 2 reads 0 -> B.
	p, m, in, _ := newTestPlanner(Config{}, 0, 2048, 2048, 0)
	ctx := context.Background()

	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != ErrBusy {
		t.Errorf("second Start = %v, want ErrBusy", err)
	}

	res, _ := p.Tick(ctx, Job{SpeedPercent: 100})
	if res.State != HomingA {
		t.Fatalf("without confirm state = %v", res.State)
	}

	in.confirm = true
	res, _ = p.Tick(ctx, Job{SpeedPercent: 100})
	if res.State != HomingB {
		t.Fatalf("after A state = %v", res.State)
	}

	in.confirm = true
	res, err := p.Tick(ctx, Job{SpeedPercent: 100})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != Done || m.pulses != 1600 {
		t.Errorf("slide result = %+v, pulses %d", res, m.pulses)
	}
	if a, b := p.Endpoints(); a != 0 || b != 2048 {
		t.Errorf("endpoints = %d, %d", a, b)
	}
}

func TestPlanner_WizardCancelAndJog(t *testing.T) {
	p, m, in, _ := newTestPlanner(Config{JogStepsPerDetent: 5}, 0)
	ctx := context.Background()
	_ = p.Start()

	in.detents = -2
	if _, err := p.Tick(ctx, Job{}); err != nil {
		t.Fatal(err)
	}
	if m.pulses != 10 || len(m.dirs) != 1 || m.dirs[0] {
		t.Errorf("jog: pulses %d dirs %v, want 10 backward", m.pulses, m.dirs)
	}

	in.cancel = true
	res, _ := p.Tick(ctx, Job{})
	if res.State != Cancelled {
		t.Errorf("state = %v, want cancelled", res.State)
	}
	if err := p.Start(); err != nil {
		t.Errorf("restart after cancel: %v", err)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		Idle: "idle", HomingA: "homing-a", HomingB: "homing-b",
		Running: "running", Done: "done", Cancelled: "cancelled",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
