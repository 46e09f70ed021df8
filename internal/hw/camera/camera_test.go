package camera

import (
	"errors"
	"testing"
	"time"

	"github.com/cjeanneret/SlidePilot/internal/hw/clock"
	"github.com/cjeanneret/SlidePilot/internal/hw/gpio"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	calls   []gpioCall
	failPin int
}

type gpioCall struct {
	op    string
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	if d.failPin != 0 && pin == d.failPin {
		return errors.New("write failed")
	}
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) Close() error { return nil }

func (d *recordingDriver) writeCalls() []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" {
			result = append(result, c)
		}
	}
	return result
}

const (
	focusPin   = 23
	shutterPin = 24
)

func newRemote(activeLow bool) (*GPIORemote, *recordingDriver, *clock.Fake) {
	drv := &recordingDriver{}
	clk := clock.NewFake(time.Time{})
	r := NewGPIORemote(drv, clk, RemoteConfig{
		FocusPin:     focusPin,
		ShutterPin:   shutterPin,
		ActiveLow:    activeLow,
		FocusDelay:   500 * time.Millisecond,
		ShutterDelay: 200 * time.Millisecond,
	})
	return r, drv, clk
}

func TestGPIORemote_PinsInitializedIdle(t *testing.T) {
	for _, activeLow := range []bool{true, false} {
		_, drv, _ := newRemote(activeLow)
		idle := gpio.Level(activeLow)
		for _, c := range drv.writeCalls() {
			if c.level != idle {
				t.Errorf("activeLow=%v: pin %d initialized to %v, want %v", activeLow, c.pin, c.level, idle)
			}
		}
		if len(drv.writeCalls()) != 2 {
			t.Errorf("expected 2 init writes, got %d", len(drv.writeCalls()))
		}
	}
}

func TestGPIORemote_ShootSequence(t *testing.T) {
	tests := []struct {
		name      string
		activeLow bool
	}{
		{"active_low", true},
		{"active_high", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam, drv, clk := newRemote(tt.activeLow)
			drv.calls = nil // reset after init

			if err := cam.Shoot(); err != nil {
				t.Fatalf("Shoot: %v", err)
			}

			on, off := gpio.Level(!tt.activeLow), gpio.Level(tt.activeLow)
			expected := []gpioCall{
				{"write", focusPin, on},
				{"write", shutterPin, on},
				{"write", shutterPin, off},
				{"write", focusPin, off},
			}
			writes := drv.writeCalls()
			if len(writes) != len(expected) {
				t.Fatalf("expected %d writes, got %d: %v", len(expected), len(writes), writes)
			}
			for i, exp := range expected {
				if writes[i] != exp {
					t.Errorf("step %d: got %+v, want %+v", i, writes[i], exp)
				}
			}
			if clk.Slept() != 700*time.Millisecond {
				t.Errorf("slept %v, want focus+shutter delays", clk.Slept())
			}
		})
	}
}

func TestGPIORemote_ShutterErrorReleasesFocus(t *testing.T) {
	cam, drv, _ := newRemote(true)
	drv.calls = nil
	drv.failPin = shutterPin

	if err := cam.Shoot(); err == nil {
		t.Fatal("expected error")
	}
	writes := drv.writeCalls()
	last := writes[len(writes)-1]
	if last.pin != focusPin || last.level != gpio.High {
		t.Errorf("focus not released: %+v", last)
	}
}

func TestGPIORemote_ImplementsCamera(t *testing.T) {
	var _ Camera = &GPIORemote{}
	var _ Camera = None{}
}
