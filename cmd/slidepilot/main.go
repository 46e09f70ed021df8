package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cjeanneret/SlidePilot/internal/config"
	"github.com/cjeanneret/SlidePilot/internal/debug"
	"github.com/cjeanneret/SlidePilot/internal/hw/camera"
	"github.com/cjeanneret/SlidePilot/internal/hw/clock"
	"github.com/cjeanneret/SlidePilot/internal/hw/gpio"
	"github.com/cjeanneret/SlidePilot/internal/hw/input"
	"github.com/cjeanneret/SlidePilot/internal/hw/sensor"
	"github.com/cjeanneret/SlidePilot/internal/hw/stepper"
	"github.com/cjeanneret/SlidePilot/internal/hw/tmc2209"
	"github.com/cjeanneret/SlidePilot/internal/logic/capture"
	"github.com/cjeanneret/SlidePilot/internal/logic/control"
	"github.com/cjeanneret/SlidePilot/internal/logic/geometry"
	"github.com/cjeanneret/SlidePilot/internal/logic/motion"
	"github.com/cjeanneret/SlidePilot/internal/settings"
	"github.com/cjeanneret/SlidePilot/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	speed := flag.Int("speed", 0, "override start-up speed percent (5-100)")
	debugLevel := flag.Int("debug", -1, "override debug level (0-4)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate CLI overrides (zero/negative means "use config default")
	if err := validateCLIOverrides(*speed, *debugLevel); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, *speed, *debugLevel, webPort.port())

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	var broadcaster *web.StatusBroadcaster
	if cfg.Web.Port > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}

	sl, err := newSlider(cfg, clock.System{})
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	defer sl.Close()

	if broadcaster != nil {
		sl.loop.OnStatus(func(s control.Status) { broadcaster.BroadcastData("status", s) })
	}
	loopDone := make(chan error, 1)
	go func() { loopDone <- sl.loop.Run(ctx) }()

	if broadcaster != nil {
		srv, err := web.NewServer(fmt.Sprintf(":%d", cfg.Web.Port), broadcaster, sl.loop)
		if err != nil {
			log.Fatalf("web server: %v", err)
		}
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
	}

	<-ctx.Done()
	if err := <-loopDone; err != nil {
		log.Printf("control loop: %v", err)
	}
	debug.Info("Shutdown complete")
}

// slider is the assembled hardware and control loop.
type slider struct {
	loop    *control.Loop
	stepper *stepper.Stepper
	sensor  *sensor.AS5600
	closers []io.Closer
}

func (s *slider) Close() error {
	var errs []error
	if s.stepper != nil {
		errs = append(errs, s.stepper.Disable())
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}

// newSlider opens every peripheral named by cfg and wires the control loop.
// Optional peripherals (sensor bus, UART driver, camera) degrade to absent.
func newSlider(cfg *config.Config, clk clock.Clock) (*slider, error) {
	sl := &slider{}

	debug.Step(1, "Initializing GPIO driver")
	debug.Value("GPIO backend", cfg.GPIO.Backend)
	g, err := gpio.NewDriver(cfg.GPIO.Backend, cfg.GPIO.Chip)
	if err != nil {
		return nil, fmt.Errorf("init GPIO: %w", err)
	}
	sl.closers = append(sl.closers, g)

	debug.Step(2, "Loading settings")
	store, err := settings.Open(cfg.Settings.Path)
	if err != nil {
		sl.Close()
		return nil, err
	}
	rt := store.Get().Runtime

	debug.Step(3, "Opening position sensor")
	sl.sensor = sensor.New(openSensorBus(cfg, sl), cfg.Sensor.Address)
	debug.Value("Sensor present", sl.sensor.Probe())

	if cfg.Driver.UARTPort != "" {
		debug.Step(4, "Configuring TMC2209")
		if err := configureDriver(cfg, rt, sl); err != nil {
			// Step/dir still works with the chip's OTP defaults.
			debug.Error(err)
		}
	}

	debug.Step(5, "Initializing stepper and panel")
	sl.stepper = stepper.NewStepper(g, clk, stepper.Config{
		StepPin:      cfg.Pins.Step,
		DirPin:       cfg.Pins.Dir,
		EnablePin:    cfg.Pins.Enable,
		PulseWidth:   cfg.PulseWidth(),
		DirSetup:     cfg.DirSetup(),
		SpeedPercent: cfg.Motor.SpeedPercent,
	})
	panel, err := input.NewPanel(g, input.PanelConfig{
		PinA: cfg.Pins.QuadA,
		PinB: cfg.Pins.QuadB,
		Select: input.ButtonConfig{
			Pin:       cfg.Pins.Select,
			ActiveLow: cfg.Input.SelectActiveLow,
			Debounce:  cfg.Debounce(),
		},
		Back: input.ButtonConfig{
			Pin:       cfg.Pins.Back,
			ActiveLow: cfg.Input.BackActiveLow,
			Debounce:  cfg.Debounce(),
			LongPress: cfg.LongPress(),
		},
	}, clk.Now())
	if err != nil {
		sl.Close()
		return nil, fmt.Errorf("init panel: %w", err)
	}

	calc := geometry.FromRuntime(rt, cfg.Motion.StepsPerRevolution)
	debug.Value("Steps per revolution", calc.StepsPerRevolution())
	planner := motion.NewPlanner(sl.sensor, sl.stepper, panel, clk, motion.Config{
		StepsPerRevolution: calc.StepsPerRevolution(),
		ResampleEvery:      cfg.Motion.ResampleEvery,
		RehomeSpeedPercent: cfg.Motion.RehomeSpeedPercent,
		JogStepsPerDetent:  cfg.Motion.JogStepsPerDetent,
	})

	debug.Step(6, "Initializing camera")
	var cam camera.Camera = camera.None{}
	if cfg.Pins.Focus > 0 && cfg.Pins.Shutter > 0 {
		cam = camera.NewGPIORemote(g, clk, camera.RemoteConfig{
			FocusPin:     cfg.Pins.Focus,
			ShutterPin:   cfg.Pins.Shutter,
			ActiveLow:    cfg.Camera.ActiveLow,
			FocusDelay:   cfg.FocusDelay(),
			ShutterDelay: cfg.ShutterDelay(),
		})
	}

	sl.loop = control.New(control.Deps{
		Panel:    panel,
		Planner:  planner,
		Stepper:  sl.stepper,
		Sensor:   sl.sensor,
		Steps:    calc,
		Store:    store,
		Sequence: capture.NewSequence(planner, sl.stepper, cam, clk),
		Clock:    clk,
	}, control.Config{
		Tick:      cfg.Tick(),
		CPU:       cfg.Realtime.CPU,
		Nice:      cfg.Realtime.Nice,
		ShotDelay: cfg.SettleDelay(),
	})
	return sl, nil
}

// openSensorBus returns the I2C bus, or an empty bus with the mock backend
// or when the bus cannot be opened.
func openSensorBus(cfg *config.Config, sl *slider) sensor.Bus {
	if cfg.GPIO.Backend == gpio.BackendMock {
		return sensor.Absent{}
	}
	bus, err := sensor.OpenBus(cfg.Sensor.Bus, cfg.Sensor.SpeedKHz)
	if err != nil {
		debug.Error(err)
		return sensor.Absent{}
	}
	sl.closers = append(sl.closers, bus)
	return bus
}

func configureDriver(cfg *config.Config, rt settings.Runtime, sl *slider) error {
	port, err := tmc2209.OpenPort(cfg.Driver.UARTPort, cfg.Driver.Baud)
	if err != nil {
		return err
	}
	sl.closers = append(sl.closers, port)
	dev := tmc2209.New(port, cfg.Driver.Node, cfg.Driver.SenseMilliOhm)
	if err := dev.Apply(int(rt.Microstep), int(rt.CurrentMA)); err != nil {
		return fmt.Errorf("tmc2209 on %s: %w", cfg.Driver.UARTPort, err)
	}
	debug.Info("TMC2209: %d microsteps, %d mA", rt.Microstep, rt.CurrentMA)
	return nil
}

// validateCLIOverrides checks CLI overrides. Zero speed and negative debug
// level are ignored (they mean "use config default").
func validateCLIOverrides(speed, debugLevel int) error {
	if speed != 0 && (speed < stepper.MinSpeedPercent || speed > stepper.MaxSpeedPercent) {
		return fmt.Errorf("speed must be between %d and %d, got %d", stepper.MinSpeedPercent, stepper.MaxSpeedPercent, speed)
	}
	if debugLevel > 4 {
		return fmt.Errorf("debug must be between 0 and 4, got %d", debugLevel)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only set values are applied.
func applyOverrides(cfg *config.Config, speed, debugLevel, webPort int) {
	if speed > 0 {
		cfg.Motor.SpeedPercent = speed
	}
	if debugLevel >= 0 {
		cfg.Defaults.DebugLevel = debugLevel
	}
	if webPort > 0 {
		cfg.Web.Port = webPort
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
