package input

import (
	"testing"

	"github.com/cjeanneret/SlidePilot/internal/hw/gpio"
)

const (
	panelA = 12
	panelB = 18
)

func newTestPanel(t *testing.T) (*Panel, *gpio.MockDriver) {
	t.Helper()
	drv := gpio.NewMockDriver()
	p, err := NewPanel(drv, PanelConfig{
		PinA:   panelA,
		PinB:   panelB,
		Select: ButtonConfig{Pin: selectPin, ActiveLow: true},
		Back:   ButtonConfig{Pin: backPin, ActiveLow: true, LongPress: DefaultLongPress},
	}, t0)
	if err != nil {
		t.Fatalf("NewPanel: %v", err)
	}
	return p, drv
}

func TestPanel_IdleReportsNothing(t *testing.T) {
	p, _ := newTestPanel(t)
	for ms := 0; ms <= 1000; ms += 4 {
		if err := p.Poll(at(ms)); err != nil {
			t.Fatal(err)
		}
	}
	if p.Confirm() || p.Cancel() || p.Detents() != 0 {
		t.Error("idle panel reported an event")
	}
}

func TestPanel_ConfirmOncePerPress(t *testing.T) {
	p, drv := newTestPanel(t)
	drv.SetLevel(selectPin, gpio.Low)
	for ms := 0; ms <= 100; ms += 4 {
		if err := p.Poll(at(ms)); err != nil {
			t.Fatal(err)
		}
	}
	if !p.Confirm() {
		t.Fatal("Confirm() = false after a debounced press")
	}
	if p.Confirm() {
		t.Error("Confirm() reported the same press twice")
	}
}

func TestPanel_CancelOnLongPress(t *testing.T) {
	p, drv := newTestPanel(t)
	drv.SetLevel(backPin, gpio.Low)
	for ms := 0; ms < 600; ms += 4 {
		if err := p.Poll(at(ms)); err != nil {
			t.Fatal(err)
		}
	}
	if p.Cancel() {
		t.Fatal("Cancel() fired before the long-press threshold")
	}
	for ms := 600; ms <= 800; ms += 4 {
		if err := p.Poll(at(ms)); err != nil {
			t.Fatal(err)
		}
	}
	if !p.Cancel() {
		t.Error("Cancel() = false after a long hold")
	}
	if p.Confirm() {
		t.Error("holding back reported a select press")
	}
}

func TestPanel_DetentsClearOnRead(t *testing.T) {
	p, drv := newTestPanel(t)
	// 11 -> 10 -> 00: one forward detent.
	drv.SetLevel(panelB, gpio.Low)
	if err := p.Poll(at(0)); err != nil {
		t.Fatal(err)
	}
	drv.SetLevel(panelA, gpio.Low)
	if err := p.Poll(at(4)); err != nil {
		t.Fatal(err)
	}
	if got := p.Detents(); got != 1 {
		t.Errorf("Detents() = %d, want 1", got)
	}
	if got := p.Detents(); got != 0 {
		t.Errorf("second Detents() = %d, want 0", got)
	}
}
