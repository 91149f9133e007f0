// Package stepper drives up to two 28BYJ-48 class unipolar steppers through a
// single 74HC595 shift register. Motor A owns outputs QA-QD (low nibble),
// motor B owns QE-QH (high nibble).
//
//	               74HC595
//	              __   __
//	A.IN2 <-  QB =|1 *-*16|= VCC  <- +5V
//	A.IN3 <-  QC =|2    15|= QA   -> A.IN1
//	A.IN4 <-  QD =|3    14|= SER  <- MOSI
//	B.IN1 <-  QE =|4    13|= OE   -> GND
//	B.IN2 <-  QF =|5    12|= RCK  <- LATCH
//	B.IN3 <-  QG =|6    11|= SCK  <- SCLK
//	B.IN4 <-  QH =|7    10|= SCLR <- +5V
//	  GND <- GND =|8_____9|= QH'
//
// Stepping is non-blocking: Step returns immediately and only moves the
// motor when its inter-step delay has elapsed. The caller owns the loop.
package stepper

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cjeanneret/stepper595/internal/debug"
	"github.com/cjeanneret/stepper595/internal/hw/clock"
	"github.com/cjeanneret/stepper595/internal/hw/gpio"
	"github.com/cjeanneret/stepper595/internal/hw/spi"
)

// Motor selects one of the two coil sets on the register.
type Motor int

const (
	MotorA Motor = iota // bits 0-3
	MotorB              // bits 4-7
)

func (m Motor) String() string {
	switch m {
	case MotorA:
		return "A"
	case MotorB:
		return "B"
	default:
		return fmt.Sprintf("Motor(%d)", int(m))
	}
}

// Valid reports whether m is MotorA or MotorB.
func (m Motor) Valid() bool { return m == MotorA || m == MotorB }

// Direction of rotation. CCW walks the pattern table forward, CW backward.
type Direction int

const (
	CCW Direction = iota
	CW
)

func (d Direction) String() string {
	switch d {
	case CCW:
		return "ccw"
	case CW:
		return "cw"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Framing decides what the other motor's nibble carries when only one motor
// is stepped or stopped.
type Framing int

const (
	// FramingShared keeps the other motor's last pattern on the wire, so the
	// register always reflects both motors.
	FramingShared Framing = iota
	// FramingExclusive sends only the addressed motor's nibble; the other
	// half of the register is zeroed on every write.
	FramingExclusive
)

func (f Framing) String() string {
	if f == FramingExclusive {
		return "exclusive"
	}
	return "shared"
}

const (
	// MaxDelay is the largest accepted inter-step delay in milliseconds.
	MaxDelay = 256
	// DefaultDelay is the inter-step delay of a new Driver in milliseconds.
	DefaultDelay = 2
)

// pattern is the 4-state coil sequence, one nibble per phase (IN4..IN1).
var pattern = [4]byte{
	0b1001,
	0b1100,
	0b0110,
	0b0011,
}

var (
	ErrUnknownMotor     = errors.New("stepper: unknown motor")
	ErrUnknownDirection = errors.New("stepper: unknown direction")
	ErrClosed           = errors.New("stepper: driver closed")
)

// Config holds the hardware configuration of the register.
type Config struct {
	LatchPin int    // RCK / chip-select line (BCM). Idle HIGH.
	Delay    uint16 // initial delay between steps in ms; above MaxDelay keeps DefaultDelay
	Framing  Framing
}

// Driver is the stepping state machine for both motors. All methods are
// safe for concurrent use; each one holds the driver for the whole
// latch-transfer-latch sequence.
type Driver struct {
	mu sync.Mutex

	lines gpio.Driver
	bus   spi.Bus
	clk   clock.Source

	latch   int
	framing Framing
	delay   uint16

	phase    [2]uint8
	deadline [2]uint32
	data     byte // last byte latched onto the register

	closed bool
}

// New configures the latch line as an idle-high output, begins the bus and
// stamps both motors as due now.
func New(lines gpio.Driver, bus spi.Bus, clk clock.Source, cfg Config) (*Driver, error) {
	d := &Driver{
		lines:   lines,
		bus:     bus,
		clk:     clk,
		latch:   cfg.LatchPin,
		framing: cfg.Framing,
		delay:   DefaultDelay,
	}
	d.setDelay(cfg.Delay)

	if err := lines.SetupPin(d.latch, gpio.Output); err != nil {
		return nil, fmt.Errorf("setup latch pin %d: %w", d.latch, err)
	}
	if err := lines.WritePin(d.latch, gpio.High); err != nil {
		return nil, fmt.Errorf("idle latch pin %d: %w", d.latch, err)
	}
	if err := bus.Begin(); err != nil {
		return nil, fmt.Errorf("begin bus: %w", err)
	}

	now := clk.Millis()
	d.deadline = [2]uint32{now, now}

	debug.Info("Stepper595: latch pin %d, delay %dms, framing %s", d.latch, d.delay, d.framing)
	return d, nil
}

// SetDelay sets the delay between steps in milliseconds, shared by both
// motors. Values above MaxDelay are ignored.
func (d *Driver) SetDelay(ms uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setDelay(ms)
}

func (d *Driver) setDelay(ms uint16) {
	if ms > MaxDelay {
		debug.Verbose("Stepper595: ignoring delay %dms (max %d)", ms, MaxDelay)
		return
	}
	d.delay = ms
}

// Delay returns the current delay between steps in milliseconds.
func (d *Driver) Delay() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delay
}

// Step advances motor m one step in direction dir if its delay has elapsed.
// It reports whether a step happened. A failed write leaves the phase and
// deadline untouched.
func (d *Driver) Step(m Motor, dir Direction) (bool, error) {
	if !m.Valid() {
		return false, fmt.Errorf("%w: %d", ErrUnknownMotor, int(m))
	}
	if dir != CCW && dir != CW {
		return false, fmt.Errorf("%w: %d", ErrUnknownDirection, int(dir))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, ErrClosed
	}

	now := d.clk.Millis()
	if !clock.Due(now, d.deadline[m]) {
		return false, nil
	}

	out := pattern[d.phase[m]] << shift(m)
	if d.framing == FramingShared {
		out |= d.data &^ mask(m)
	}
	if err := d.write(out); err != nil {
		return false, err
	}
	debug.Step(m.String(), int(d.phase[m]), out)

	d.phase[m] = advance(d.phase[m], dir)
	d.deadline[m] = now + uint32(d.delay)
	return true, nil
}

// StepBoth advances both motors in direction dir with a single write. It
// fires only when both motors are due.
func (d *Driver) StepBoth(dir Direction) (bool, error) {
	if dir != CCW && dir != CW {
		return false, fmt.Errorf("%w: %d", ErrUnknownDirection, int(dir))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, ErrClosed
	}

	now := d.clk.Millis()
	if !clock.Due(now, d.deadline[MotorA]) || !clock.Due(now, d.deadline[MotorB]) {
		return false, nil
	}

	out := pattern[d.phase[MotorA]] | pattern[d.phase[MotorB]]<<4
	if err := d.write(out); err != nil {
		return false, err
	}
	debug.Step("A+B", int(d.phase[MotorA]), out)

	for _, m := range []Motor{MotorA, MotorB} {
		d.phase[m] = advance(d.phase[m], dir)
		d.deadline[m] = now + uint32(d.delay)
	}
	return true, nil
}

// StopAll de-energizes both motors by latching 0x00. Phases and deadlines
// are kept, so stepping resumes where it left off.
func (d *Driver) StopAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	debug.Live("Stopping both motors")
	return d.write(0)
}

// StopMotor de-energizes motor m. With FramingShared the other motor's coils
// are left as they are; with FramingExclusive the whole register is cleared.
func (d *Driver) StopMotor(m Motor) error {
	if !m.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownMotor, int(m))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	var out byte
	if d.framing == FramingShared {
		out = d.data &^ mask(m)
	}
	debug.Live("Stopping motor %s", m)
	return d.write(out)
}

// Close releases the bus. It does not de-energize the coils; call StopAll
// first for that.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.bus.End(); err != nil {
		return fmt.Errorf("end bus: %w", err)
	}
	return nil
}

// Phase returns the current index of m into the pattern table (0-3).
func (d *Driver) Phase(m Motor) int {
	if !m.Valid() {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.phase[m])
}

// Deadline returns the tick at which m may step again.
func (d *Driver) Deadline(m Motor) uint32 {
	if !m.Valid() {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deadline[m]
}

// LastByte returns the byte currently latched onto the register.
func (d *Driver) LastByte() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.data
}

// Framing returns the framing mode chosen at construction.
func (d *Driver) Framing() Framing {
	return d.framing
}

// write pulses the latch low, shifts out b and latches it with the rising
// edge. The latch is always returned high, even when the transfer fails.
func (d *Driver) write(b byte) error {
	if err := d.lines.WritePin(d.latch, gpio.Low); err != nil {
		return fmt.Errorf("latch low: %w", err)
	}
	_, err := d.bus.Transfer(b)
	if hiErr := d.lines.WritePin(d.latch, gpio.High); hiErr != nil && err == nil {
		return fmt.Errorf("latch high: %w", hiErr)
	}
	if err != nil {
		return fmt.Errorf("transfer 0x%02x: %w", b, err)
	}
	d.data = b
	return nil
}

func shift(m Motor) uint { return 4 * uint(m) }

func mask(m Motor) byte { return 0x0f << shift(m) }

// advance moves phase one entry through the table: CCW forward (3 wraps to
// 0), CW backward (0 wraps to 3).
func advance(phase uint8, dir Direction) uint8 {
	if dir == CCW {
		return (phase + 1) % uint8(len(pattern))
	}
	if phase == 0 {
		return uint8(len(pattern)) - 1
	}
	return phase - 1
}

// ParseMotor accepts "a"/"b" (any case) or "0"/"1".
func ParseMotor(s string) (Motor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a", "0":
		return MotorA, nil
	case "b", "1":
		return MotorB, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMotor, s)
	}
}

// ParseDirection accepts "cw" or "ccw" (any case).
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ccw":
		return CCW, nil
	case "cw":
		return CW, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDirection, s)
	}
}

// ParseFraming accepts "shared" (or "") and "exclusive".
func ParseFraming(s string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "shared":
		return FramingShared, nil
	case "exclusive":
		return FramingExclusive, nil
	default:
		return 0, fmt.Errorf("unknown framing %q (want shared or exclusive)", s)
	}
}
