//go:build !tinygo

package tmc2209

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// OpenPort opens the UART the driver hangs off (e.g. /dev/ttyAMA0).
func OpenPort(name string, baud int) (*serial.Port, error) {
	if baud <= 0 {
		baud = 115200
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return p, nil
}
