// Package tmc2209 configures a TMC2209 stepper driver over its single-wire
// UART: microstep resolution and motor current. Stepping itself stays on
// the STEP/DIR pins.
package tmc2209

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"

	"github.com/cjeanneret/SlidePilot/internal/debug"
)

// vfs is the sense voltage, in volts (V).
const vfs = 0.325

const (
	GCONF      = 0x00
	GSTAT      = 0x01
	IFCNT      = 0x02
	SLAVECONF  = 0x03
	IOIN       = 0x06
	IHOLD_IRUN = 0x10
	CHOPCONF   = 0x6c
	DRV_STATUS = 0x6f

	// GCONF settings.
	i_scale_analog   = 1 << 0
	pdn_disable      = 1 << 6
	mstep_reg_select = 1 << 7

	// CHOPCONF settings.
	mres_shift = 24
	mres_mask  = 0b1111 << mres_shift
	intpol     = 1 << 28
	toff_mask  = 0b1111
	toff       = 3

	iholdDelay = 1

	sync       = 0x05
	writeFlag  = 0x80
	masterAddr = 0xff
)

// ErrCRC is returned when a reply fails its checksum.
var ErrCRC = errors.New("tmc2209: reply CRC mismatch")

// Device is one driver on the UART. With Echo set, every byte written is
// also read back (single-wire wiring) and is discarded.
type Device struct {
	Bus  io.ReadWriter
	Node uint8
	// Sense is the sense resistance in milliohm (mΩ).
	Sense int
	Echo  bool
}

// New returns a device at node address 0-3 on a single-wire bus.
func New(bus io.ReadWriter, node uint8, senseMilliOhm int) *Device {
	return &Device{Bus: bus, Node: node, Sense: senseMilliOhm, Echo: true}
}

// CRC computes the datagram checksum (CRC-8, polynomial x^8+x^2+x+1,
// bytes fed LSB first).
func CRC(data []byte) byte {
	var crc byte
	for _, b := range data {
		for i := 0; i < 8; i++ {
			if (crc>>7)^(b&1) != 0 {
				crc = crc<<1 ^ 0x07
			} else {
				crc <<= 1
			}
			b >>= 1
		}
	}
	return crc
}

func readRequest(node, reg uint8) []byte {
	b := []byte{sync, node, reg, 0}
	b[3] = CRC(b[:3])
	return b
}

func writeDatagram(node, reg uint8, val uint32) []byte {
	b := make([]byte, 8)
	b[0] = sync
	b[1] = node
	b[2] = reg | writeFlag
	binary.BigEndian.PutUint32(b[3:7], val)
	b[7] = CRC(b[:7])
	return b
}

func (d *Device) send(b []byte) error {
	if _, err := d.Bus.Write(b); err != nil {
		return err
	}
	if d.Echo {
		echo := make([]byte, len(b))
		if err := readFull(d.Bus, echo); err != nil {
			return fmt.Errorf("echo: %w", err)
		}
	}
	return nil
}

// readFull reads len(b) bytes, giving up after a few empty reads
// (serial ports return 0 bytes on timeout).
func readFull(r io.Reader, b []byte) error {
	n, empty := 0, 0
	for n < len(b) {
		m, err := r.Read(b[n:])
		n += m
		if err != nil {
			if err == io.EOF && n < len(b) {
				return io.ErrUnexpectedEOF
			}
			if n < len(b) {
				return err
			}
		}
		if m == 0 {
			empty++
			if empty > 3 {
				return fmt.Errorf("timeout after %d of %d bytes", n, len(b))
			}
		}
	}
	return nil
}

// Read returns the value of a register.
func (d *Device) Read(reg uint8) (uint32, error) {
	if err := d.send(readRequest(d.Node, reg)); err != nil {
		return 0, fmt.Errorf("tmc2209: read 0x%02x: %w", reg, err)
	}
	reply := make([]byte, 8)
	if err := readFull(d.Bus, reply); err != nil {
		return 0, fmt.Errorf("tmc2209: read 0x%02x: %w", reg, err)
	}
	debug.Bus("uart", uint16(d.Node), []byte{reg}, reply)
	if reply[7] != CRC(reply[:7]) {
		return 0, ErrCRC
	}
	if reply[0] != sync || reply[1] != masterAddr || reply[2] != reg {
		return 0, fmt.Errorf("tmc2209: read 0x%02x: unexpected reply % x", reg, reply)
	}
	return binary.BigEndian.Uint32(reply[3:7]), nil
}

// Write sets a register and checks that the chip counted it (IFCNT).
func (d *Device) Write(reg uint8, val uint32) error {
	before, err := d.Read(IFCNT)
	if err != nil {
		return err
	}
	if err := d.send(writeDatagram(d.Node, reg, val)); err != nil {
		return fmt.Errorf("tmc2209: write 0x%02x: %w", reg, err)
	}
	after, err := d.Read(IFCNT)
	if err != nil {
		return err
	}
	if uint8(after)-uint8(before) != 1 {
		return fmt.Errorf("tmc2209: write 0x%02x: write count not updated", reg)
	}
	return nil
}

// Configure switches the chip to UART control: PDN pin is the UART,
// microsteps come from MRES, current from IRUN/IHOLD. GSTAT is cleared.
func (d *Device) Configure() error {
	if d.Sense <= 0 {
		return errors.New("tmc2209: invalid sense resistance")
	}
	gconf, err := d.Read(GCONF)
	if err != nil {
		return fmt.Errorf("tmc2209: read GCONF: %w", err)
	}
	gconf |= pdn_disable | mstep_reg_select
	gconf &^= i_scale_analog
	if err := d.Write(GCONF, gconf); err != nil {
		return fmt.Errorf("tmc2209: set GCONF: %w", err)
	}
	if err := d.Write(GSTAT, 0b111); err != nil {
		return fmt.Errorf("tmc2209: set GSTAT: %w", err)
	}
	return nil
}

// MRES returns the CHOPCONF MRES field for a microstep count
// (a power of two from 1 to 256).
func MRES(microsteps int) (uint32, error) {
	if microsteps < 1 || microsteps > 256 || microsteps&(microsteps-1) != 0 {
		return 0, fmt.Errorf("tmc2209: unsupported microstep count %d", microsteps)
	}
	return uint32(8 - bits.TrailingZeros(uint(microsteps))), nil
}

// SetMicrosteps sets the step resolution and turns the driver on (TOFF).
func (d *Device) SetMicrosteps(microsteps int) error {
	mres, err := MRES(microsteps)
	if err != nil {
		return err
	}
	chopconf, err := d.Read(CHOPCONF)
	if err != nil {
		return fmt.Errorf("tmc2209: read CHOPCONF: %w", err)
	}
	chopconf &^= mres_mask
	chopconf |= mres << mres_shift
	chopconf |= intpol
	chopconf = chopconf&^toff_mask | toff
	if err := d.Write(CHOPCONF, chopconf); err != nil {
		return fmt.Errorf("tmc2209: set CHOPCONF: %w", err)
	}
	return nil
}

// SetCurrent sets the run current in mA; standstill current is half of it.
func (d *Device) SetCurrent(milliAmps int) error {
	irun := computeIRUN(milliAmps, d.Sense)
	ihold := irun / 2
	v := uint32(iholdDelay)<<16 | uint32(irun)<<8 | uint32(ihold)
	if err := d.Write(IHOLD_IRUN, v); err != nil {
		return fmt.Errorf("tmc2209: set IHOLD/IRUN: %w", err)
	}
	return nil
}

// Apply configures the chip and sets resolution and current in one go.
func (d *Device) Apply(microsteps, milliAmps int) error {
	if err := d.Configure(); err != nil {
		return err
	}
	if err := d.SetMicrosteps(microsteps); err != nil {
		return err
	}
	if err := d.SetCurrent(milliAmps); err != nil {
		return err
	}
	debug.Info("TMC2209 node %d: %d microsteps, %d mA (IRUN %d)", d.Node, microsteps, milliAmps, computeIRUN(milliAmps, d.Sense))
	return nil
}

// Error reports a non-zero GSTAT.
func (d *Device) Error() error {
	stat, err := d.Read(GSTAT)
	if err != nil {
		return err
	}
	if stat != 0 {
		return fmt.Errorf("tmc2209: error status: %.3b", stat)
	}
	return nil
}

// computeIRUN from motor current (in mA) and sense resistance (in mΩ).
func computeIRUN(current, sense int) byte {
	//  Irms = ((CS+1)/32) * (Vfs/(Rsense+20mΩ)) * (1/√2)
	//  CS   = 32*Irms*√2*(Rsense+20mΩ)/Vfs - 1
	irun := 32*float64(current)/1000*math.Sqrt2*(float64(sense)/1000+.02)/vfs - 1
	irun = min(31, irun)
	return byte(max(0, irun))
}
