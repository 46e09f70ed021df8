//go:build !tinygo

package gpio

import (
	"fmt"

	"github.com/cjeanneret/SlidePilot/internal/debug"
)

// Backend names accepted by NewDriver.
const (
	BackendMock = "mock"
	BackendRPIO = "rpio"
	BackendCdev = "cdev"
)

// NewDriver creates a GPIO driver for the named backend.
// chip is only used by the cdev backend (e.g. "gpiochip0").
func NewDriver(backend, chip string) (Driver, error) {
	switch backend {
	case BackendMock, "":
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	case BackendRPIO:
		d, err := NewRPiDriver()
		if err != nil {
			return nil, err
		}
		return d, nil
	case BackendCdev:
		d, err := NewCdevDriver(chip)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("unknown GPIO backend %q (want mock, rpio or cdev)", backend)
}
