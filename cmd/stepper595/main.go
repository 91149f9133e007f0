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
	"strings"
	"syscall"

	"github.com/cjeanneret/stepper595/internal/config"
	"github.com/cjeanneret/stepper595/internal/debug"
	"github.com/cjeanneret/stepper595/internal/hw/clock"
	"github.com/cjeanneret/stepper595/internal/hw/gpio"
	"github.com/cjeanneret/stepper595/internal/hw/spi"
	"github.com/cjeanneret/stepper595/internal/hw/stepper"
	"github.com/cjeanneret/stepper595/internal/logic/motion"
	"github.com/cjeanneret/stepper595/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	motor := flag.String("motor", "", "override jog motor (a, b or both)")
	direction := flag.String("direction", "", "override jog direction (cw or ccw)")
	steps := flag.Int("steps", 0, "override jog length in half-steps")
	delayMs := flag.Int("delay_ms", -1, "override delay between steps in ms (0-256)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Empty strings, zero steps and a negative delay mean "use config default"
	if err := validateCLIOverrides(*motor, *direction, *steps, *delayMs); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, web.JogRequest{
		Motor:     *motor,
		Direction: *direction,
		Steps:     *steps,
	}, *delayMs)

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	// Initialize GPIO driver (also opens /dev/gpiomem for the rpio bus)
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Info("Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	// Initialize SPI bus and shift register driver
	debug.Info("Initializing shift register")
	debug.PrintStruct("Bus config", cfg.Bus)
	drv, err := newDriverFromConfig(gpioDriver, cfg)
	if err != nil {
		log.Fatalf("init shift register failed: %v", err)
	}
	defer shutdown(drv, cfg.Defaults.StopOnExit)

	ctrl := motion.NewController(drv, cfg.PollInterval())
	runJog := func(ctx context.Context, req web.JogRequest) error {
		return executeJog(ctx, ctrl, req)
	}

	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		formDefaults := web.FormConfig{
			Motor:     cfg.Jog.Motor,
			Direction: cfg.Jog.Direction,
			Steps:     cfg.Jog.Steps,
			DelayMs:   cfg.Driver.DelayMs,
		}
		srv := web.NewServer(webAddr, broadcaster, drv, runJog, formDefaults)
		if err := srv.Run(ctx); err != nil {
			log.Printf("web server: %v", err)
		}
		return
	}

	if cfg.Jog.Steps == 0 {
		debug.Info("No jog configured (jog.steps = 0), nothing to do")
		return
	}
	err = runJog(ctx, web.JogRequest{
		Motor:     cfg.Jog.Motor,
		Direction: cfg.Jog.Direction,
		Steps:     cfg.Jog.Steps,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("jog failed: %v", err)
	}
}

// newDriverFromConfig builds the bus selected by cfg.Bus and hands it to a
// new shift register driver.
func newDriverFromConfig(g gpio.Driver, cfg *config.Config) (*stepper.Driver, error) {
	framing, err := stepper.ParseFraming(cfg.Driver.Framing)
	if err != nil {
		return nil, err
	}
	bus, err := spi.NewBus(spi.Config{
		Type:    cfg.Bus.Type,
		Device:  cfg.Bus.Device,
		Port:    cfg.Bus.Port,
		SpeedHz: cfg.Bus.SpeedHz,
		Mode:    cfg.Bus.Mode,
	})
	if err != nil {
		return nil, err
	}
	return stepper.New(g, bus, clock.NewSystem(), stepper.Config{
		LatchPin: cfg.Driver.LatchPin,
		Delay:    uint16(cfg.Driver.DelayMs),
		Framing:  framing,
	})
}

// executeJog runs one jog request to completion or until ctx is cancelled.
func executeJog(ctx context.Context, ctrl *motion.Controller, req web.JogRequest) error {
	dir, err := stepper.ParseDirection(req.Direction)
	if err != nil {
		return err
	}

	var done int
	if strings.EqualFold(req.Motor, "both") {
		done, err = ctrl.JogBoth(ctx, dir, req.Steps)
	} else {
		m, perr := stepper.ParseMotor(req.Motor)
		if perr != nil {
			return perr
		}
		done, err = ctrl.Jog(ctx, m, dir, req.Steps)
	}
	if err != nil {
		return fmt.Errorf("jog stopped after %d/%d steps: %w", done, req.Steps, err)
	}
	return nil
}

// shutdown optionally de-energizes the coils, then releases the bus.
func shutdown(drv *stepper.Driver, stopCoils bool) {
	if stopCoils {
		if err := drv.StopAll(); err != nil {
			log.Printf("stopping motors failed: %v", err)
		}
	}
	if err := drv.Close(); err != nil {
		log.Printf("closing shift register failed: %v", err)
	}
}

// validateCLIOverrides checks the jog overrides given on the command line.
// Empty strings, zero steps and a negative delay are ignored.
func validateCLIOverrides(motor, direction string, steps, delayMs int) error {
	if motor != "" {
		switch strings.ToLower(motor) {
		case "a", "b", "both":
		default:
			return fmt.Errorf("motor must be a, b or both, got %q", motor)
		}
	}
	if direction != "" {
		if _, err := stepper.ParseDirection(direction); err != nil {
			return fmt.Errorf("direction must be cw or ccw, got %q", direction)
		}
	}
	if steps < 0 || steps > web.MaxJogSteps {
		return fmt.Errorf("steps must be between 1 and %d, got %d", web.MaxJogSteps, steps)
	}
	if delayMs > config.MaxDelayMs {
		return fmt.Errorf("delay_ms must be between 0 and %d, got %d", config.MaxDelayMs, delayMs)
	}
	return nil
}

// applyOverrides mutates cfg with the non-empty fields of req and a
// non-negative delayMs.
func applyOverrides(cfg *config.Config, req web.JogRequest, delayMs int) {
	if req.Motor != "" {
		cfg.Jog.Motor = strings.ToLower(req.Motor)
	}
	if req.Direction != "" {
		cfg.Jog.Direction = strings.ToLower(req.Direction)
	}
	if req.Steps > 0 {
		cfg.Jog.Steps = req.Steps
	}
	if delayMs >= 0 {
		cfg.Driver.DelayMs = delayMs
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
