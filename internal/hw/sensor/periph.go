//go:build !tinygo

package sensor

import (
	"fmt"

	"github.com/cjeanneret/SlidePilot/internal/debug"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// OpenBus initializes the host drivers and opens an I2C bus by name
// ("" for the first bus, "1" for /dev/i2c-1). khz 0 keeps the bus default.
func OpenBus(name string, khz int) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", name, err)
	}
	if khz > 0 {
		if err := b.SetSpeed(physic.Frequency(khz) * physic.KiloHertz); err != nil {
			debug.Verbose("i2c bus %s: cannot set %d kHz: %v", b, khz, err)
		}
	}
	debug.Info("I2C bus %s opened", b)
	return b, nil
}
