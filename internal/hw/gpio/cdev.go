//go:build linux && !tinygo

package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/SlidePilot/internal/debug"
	"github.com/warthog618/go-gpiocdev"
)

// CdevDriver uses the GPIO character device (/dev/gpiochipN) through
// go-gpiocdev. Lines are requested on SetupPin; the pin number is the line
// offset on the chip.
type CdevDriver struct {
	chip  string
	mu    sync.Mutex
	lines map[int]*gpiocdev.Line
}

// NewCdevDriver opens lines on chip (defaults to gpiochip0).
func NewCdevDriver(chip string) (*CdevDriver, error) {
	if chip == "" {
		chip = "gpiochip0"
	}
	debug.Info("Initializing GPIO driver (go-gpiocdev on %s)", chip)
	return &CdevDriver{chip: chip, lines: make(map[int]*gpiocdev.Line)}, nil
}

func (c *CdevDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	var opts []gpiocdev.LineReqOption
	switch mode {
	case Input:
		opts = append(opts, gpiocdev.AsInput)
	case InputPullUp:
		opts = append(opts, gpiocdev.AsInput, gpiocdev.WithPullUp)
	case Output:
		opts = append(opts, gpiocdev.AsOutput(0))
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	opts = append(opts, gpiocdev.WithConsumer("slidepilot"))

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.lines[pin]; ok {
		old.Close()
		delete(c.lines, pin)
	}
	l, err := gpiocdev.RequestLine(c.chip, pin, opts...)
	if err != nil {
		return fmt.Errorf("request line %s:%d: %w", c.chip, pin, err)
	}
	c.lines[pin] = l
	return nil
}

func (c *CdevDriver) line(pin int) (*gpiocdev.Line, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lines[pin]
	if !ok {
		return nil, fmt.Errorf("line %d not requested", pin)
	}
	return l, nil
}

func (c *CdevDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	l, err := c.line(pin)
	if err != nil {
		return err
	}
	v := 0
	if level {
		v = 1
	}
	return l.SetValue(v)
}

func (c *CdevDriver) ReadPin(pin int) (Level, error) {
	l, err := c.line(pin)
	if err != nil {
		return Low, err
	}
	v, err := l.Value()
	if err != nil {
		return Low, fmt.Errorf("read line %d: %w", pin, err)
	}
	debug.GPIO("ReadPin", pin, v)
	return Level(v != 0), nil
}

func (c *CdevDriver) Close() error {
	debug.Trace("GPIO Close (go-gpiocdev)")
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for pin, l := range c.lines {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.lines, pin)
	}
	return first
}
