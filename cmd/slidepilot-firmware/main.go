//go:build tinygo

// Command slidepilot-firmware runs the slider control loop on an ESP32
// board. Wiring: DIR 25, STEP 26, knob CLK 12 / DT 18, OK 0, BACK 14,
// AS5600 on SDA 21 / SCL 22.
package main

import (
	"context"
	"machine"
	"time"

	"tinygo.org/x/drivers"

	"github.com/cjeanneret/SlidePilot/internal/config"
	"github.com/cjeanneret/SlidePilot/internal/debug"
	"github.com/cjeanneret/SlidePilot/internal/hw/clock"
	"github.com/cjeanneret/SlidePilot/internal/hw/gpio"
	"github.com/cjeanneret/SlidePilot/internal/hw/input"
	"github.com/cjeanneret/SlidePilot/internal/hw/sensor"
	"github.com/cjeanneret/SlidePilot/internal/hw/stepper"
	"github.com/cjeanneret/SlidePilot/internal/logic/control"
	"github.com/cjeanneret/SlidePilot/internal/logic/geometry"
	"github.com/cjeanneret/SlidePilot/internal/logic/motion"
	"github.com/cjeanneret/SlidePilot/internal/settings"
)

const (
	pinDir    = machine.GPIO25
	pinStep   = machine.GPIO26
	pinClk    = machine.GPIO12
	pinDT     = machine.GPIO18
	pinSelect = machine.GPIO0
	pinBack   = machine.GPIO14
	pinSDA    = machine.GPIO21
	pinSCL    = machine.GPIO22
)

func main() {
	cfg := config.Default()
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("SlidePilot firmware")

	i2c := machine.I2C0
	if err := i2c.Configure(machine.I2CConfig{
		Frequency: uint32(cfg.Sensor.SpeedKHz) * machine.KHz,
		SDA:       pinSDA,
		SCL:       pinSCL,
	}); err != nil {
		debug.Error(err)
	}
	var bus drivers.I2C = i2c
	as := sensor.New(bus, cfg.Sensor.Address)
	debug.Value("Sensor present", as.Probe())

	// No filesystem: settings live in RAM with defaults.
	store, err := settings.Open("")
	if err != nil {
		debug.Error(err)
		return
	}
	rt := store.Get().Runtime

	g := gpio.NewMachineDriver()
	clk := clock.System{}
	motor := stepper.NewStepper(g, clk, stepper.Config{
		StepPin:      int(pinStep),
		DirPin:       int(pinDir),
		PulseWidth:   cfg.PulseWidth(),
		SpeedPercent: cfg.Motor.SpeedPercent,
	})
	panel, err := input.NewPanel(g, input.PanelConfig{
		PinA:   int(pinClk),
		PinB:   int(pinDT),
		Select: input.ButtonConfig{Pin: int(pinSelect), ActiveLow: true, Debounce: cfg.Debounce()},
		Back:   input.ButtonConfig{Pin: int(pinBack), ActiveLow: true, Debounce: cfg.Debounce(), LongPress: cfg.LongPress()},
	}, clk.Now())
	if err != nil {
		debug.Error(err)
		return
	}

	calc := geometry.FromRuntime(rt, cfg.Motion.StepsPerRevolution)
	planner := motion.NewPlanner(as, motor, panel, clk, motion.Config{
		StepsPerRevolution: calc.StepsPerRevolution(),
		JogStepsPerDetent:  cfg.Motion.JogStepsPerDetent,
	})
	loop := control.New(control.Deps{
		Panel:   panel,
		Planner: planner,
		Stepper: motor,
		Sensor:  as,
		Steps:   calc,
		Store:   store,
		Clock:   clk,
	}, control.Config{Tick: cfg.Tick(), CPU: -1})

	for {
		if err := loop.Run(context.Background()); err != nil {
			debug.Error(err)
		}
		time.Sleep(time.Second)
	}
}
