// Package sensor reads the AS5600 magnetic absolute-position sensor over I2C.
package sensor

import (
	"encoding/binary"

	"github.com/cjeanneret/SlidePilot/internal/debug"
)

// AS5600 bus constants.
const (
	DefaultAddress   uint16 = 0x36
	RegRawAngle      byte   = 0x0C // 0x0C/0x0D, big-endian
	RegFilteredAngle byte   = 0x0E // 0x0E/0x0F, big-endian
	angleMask               = 0x0FFF
)

// Ring is the number of positions in one sensor revolution.
const Ring = 4096

// Position is a 12-bit ring value in [0, 4095].
type Position uint16

// Bus performs one combined write/read transaction with a device.
// It is satisfied by periph.io i2c.Bus and TinyGo drivers.I2C.
type Bus interface {
	Tx(addr uint16, w, r []byte) error
}

// AS5600 is the sensor on a shared bus. Reads never fail: an absent sensor
// reads 0, which callers cannot tell apart from a real 0.
type AS5600 struct {
	bus     Bus
	addr    uint16
	present bool
}

// New returns a sensor at addr (0 = DefaultAddress). Call Probe before use.
func New(bus Bus, addr uint16) *AS5600 {
	if addr == 0 {
		addr = DefaultAddress
	}
	return &AS5600{bus: bus, addr: addr}
}

// Probe performs one register read and sets presence from its outcome.
func (s *AS5600) Probe() bool {
	_, err := s.read(RegRawAngle)
	was := s.present
	s.present = err == nil
	if s.present != was {
		if s.present {
			debug.Info("AS5600 found at 0x%02x", s.addr)
		} else {
			debug.Info("AS5600 not responding at 0x%02x: %v", s.addr, err)
		}
	}
	return s.present
}

// Present reports the result of the last probe or read.
func (s *AS5600) Present() bool {
	return s.present
}

// ReadPosition returns the raw angle.
func (s *AS5600) ReadPosition() Position {
	return s.sample(RegRawAngle)
}

// ReadFiltered returns the angle after the chip's internal filter.
func (s *AS5600) ReadFiltered() Position {
	return s.sample(RegFilteredAngle)
}

// sample re-probes an absent sensor once; a failed read marks it absent
// so the next call re-probes.
func (s *AS5600) sample(reg byte) Position {
	if !s.present && !s.Probe() {
		return 0
	}
	v, err := s.read(reg)
	if err != nil {
		debug.Verbose("AS5600 read 0x%02x failed: %v", reg, err)
		s.present = false
		return 0
	}
	return v
}

func (s *AS5600) read(reg byte) (Position, error) {
	var buf [2]byte
	if s.bus == nil {
		return 0, errNoBus
	}
	err := s.bus.Tx(s.addr, []byte{reg}, buf[:])
	debug.Bus("i2c", s.addr, []byte{reg}, buf[:])
	if err != nil {
		return 0, err
	}
	return Position(binary.BigEndian.Uint16(buf[:]) & angleMask), nil
}

// ShortestArc returns the signed delta from one ring value to another,
// choosing the shorter way round. Both values are taken modulo Ring, so
// the result is in [-2048, 2048].
func ShortestArc(from, to Position) int {
	d := int(to&angleMask) - int(from&angleMask)
	if d > Ring/2 {
		d -= Ring
	}
	if d < -Ring/2 {
		d += Ring
	}
	return d
}
