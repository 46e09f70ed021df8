package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cjeanneret/SlidePilot/internal/config"
	"github.com/cjeanneret/SlidePilot/internal/hw/clock"
	"github.com/cjeanneret/SlidePilot/internal/logic/control"
)

// ---------- validateCLIOverrides ----------

func TestValidateCLIOverrides_Defaults(t *testing.T) {
	if err := validateCLIOverrides(0, -1); err != nil {
		t.Errorf("zero speed and -1 debug should be valid (use config defaults), got: %v", err)
	}
}

func TestValidateCLIOverrides(t *testing.T) {
	cases := []struct {
		name    string
		speed   int
		debug   int
		wantErr bool
	}{
		{"min_speed", 5, -1, false},
		{"max_speed", 100, -1, false},
		{"debug_trace", 0, 4, false},
		{"debug_off", 0, 0, false},
		{"speed_too_low", 4, -1, true},
		{"speed_negative", -10, -1, true},
		{"speed_too_high", 101, -1, true},
		{"debug_too_high", 0, 5, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateCLIOverrides(tc.speed, tc.debug)
			if (err != nil) != tc.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

// ---------- webPortFlag ----------

func TestWebPortFlag_EmptyString(t *testing.T) {
	w := &webPortFlag{defaultPort: 8080}
	if err := w.Set(""); err != nil {
		t.Fatalf("Set(\"\") error: %v", err)
	}
	if w.port() != 8080 {
		t.Errorf("expected default port 8080, got %d", w.port())
	}
}

func TestWebPortFlag_ValidPorts(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"8080", 8080},
		{"1", 1},
		{"65535", 65535},
		{"3000", 3000},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(tc.input); err != nil {
				t.Fatalf("Set(%q) error: %v", tc.input, err)
			}
			if w.port() != tc.want {
				t.Errorf("port() = %d, want %d", w.port(), tc.want)
			}
		})
	}
}

func TestWebPortFlag_InvalidPorts(t *testing.T) {
	cases := []string{"0", "65536", "-1", "abc", "8080.5"}
	for _, input := range cases {
		t.Run(input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(input); err == nil {
				t.Errorf("Set(%q) should fail, got nil", input)
			}
		})
	}
}

func TestWebPortFlag_String(t *testing.T) {
	w := &webPortFlag{val: 0}
	if s := w.String(); s != "0" {
		t.Errorf("String() = %q, want \"0\"", s)
	}
	w.val = 9090
	if s := w.String(); s != "9090" {
		t.Errorf("String() = %q, want \"9090\"", s)
	}
}

// ---------- applyOverrides ----------

func TestApplyOverrides_NonZero(t *testing.T) {
	cfg := config.Default()
	applyOverrides(cfg, 80, 3, 9000)
	if cfg.Motor.SpeedPercent != 80 || cfg.Defaults.DebugLevel != 3 || cfg.Web.Port != 9000 {
		t.Errorf("overrides not applied: motor=%+v defaults=%+v web=%+v", cfg.Motor, cfg.Defaults, cfg.Web)
	}
}

func TestApplyOverrides_ZeroLeavesUnchanged(t *testing.T) {
	cfg := config.Default()
	want := *cfg
	applyOverrides(cfg, 0, -1, 0)
	if *cfg != want {
		t.Errorf("zero overrides changed config:\n got %+v\nwant %+v", *cfg, want)
	}
}

func TestApplyOverrides_DebugZeroApplies(t *testing.T) {
	cfg := config.Default()
	applyOverrides(cfg, 0, 0, 0)
	if cfg.Defaults.DebugLevel != 0 {
		t.Errorf("debug level = %d, want 0", cfg.Defaults.DebugLevel)
	}
}

// ---------- newSlider ----------

func TestNewSlider_MockBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Settings.Path = filepath.Join(t.TempDir(), "settings.bin")
	cfg.Motion.StepsPerRevolution = 0 // derive from settings
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	sl, err := newSlider(cfg, clk)
	if err != nil {
		t.Fatalf("newSlider: %v", err)
	}
	defer sl.Close()

	if sl.sensor.Present() {
		t.Error("mock backend should have no sensor")
	}
	st := sl.loop.Status()
	if st.State != "idle" || st.SpeedPercent != cfg.Motor.SpeedPercent {
		t.Errorf("status = %+v", st)
	}

	// 200 full steps x 16 microsteps over 20 teeth x 2mm: 1mm = 80 steps.
	if err := sl.loop.Submit(control.Command{Kind: control.Jog, MM: 0.5}); err != nil {
		t.Fatal(err)
	}
	sl.loop.Step(context.Background())
	if got := sl.stepper.Steps(); got != 40 {
		t.Errorf("steps = %d, want 40", got)
	}
}

func TestNewSlider_UnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.GPIO.Backend = "sysfs"
	cfg.Settings.Path = filepath.Join(t.TempDir(), "settings.bin")
	if _, err := newSlider(cfg, clock.System{}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
