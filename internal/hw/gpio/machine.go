//go:build tinygo

package gpio

import (
	"machine"
)

// MachineDriver drives microcontroller pins through TinyGo's machine package.
// Pin numbers are machine.Pin values.
type MachineDriver struct{}

func NewMachineDriver() *MachineDriver {
	return &MachineDriver{}
}

func (MachineDriver) SetupPin(pin int, mode PinMode) error {
	p := machine.Pin(pin)
	switch mode {
	case Output:
		p.Configure(machine.PinConfig{Mode: machine.PinOutput})
	case InputPullUp:
		p.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	default:
		p.Configure(machine.PinConfig{Mode: machine.PinInput})
	}
	return nil
}

func (MachineDriver) WritePin(pin int, level Level) error {
	machine.Pin(pin).Set(bool(level))
	return nil
}

func (MachineDriver) ReadPin(pin int) (Level, error) {
	return Level(machine.Pin(pin).Get()), nil
}

func (MachineDriver) Close() error { return nil }
