package stepper

import (
	"errors"
	"math"
	"testing"

	"github.com/cjeanneret/stepper595/internal/hw/clock"
	"github.com/cjeanneret/stepper595/internal/hw/gpio"
)

const latchPin = 8

// recorder is both the GPIO driver and the SPI bus, so the order of latch
// edges and transfers ends up in a single call log.
type recorder struct {
	calls       []hwCall
	transferErr error
	setupErr    error
	beginErr    error
	begins      int
	ends        int
}

type hwCall struct {
	op    string // "setup", "write", "transfer"
	pin   int
	level gpio.Level
	data  byte
}

func (r *recorder) SetupPin(pin int, mode gpio.PinMode) error {
	if r.setupErr != nil {
		return r.setupErr
	}
	r.calls = append(r.calls, hwCall{op: "setup", pin: pin})
	return nil
}

func (r *recorder) WritePin(pin int, level gpio.Level) error {
	r.calls = append(r.calls, hwCall{op: "write", pin: pin, level: level})
	return nil
}

func (r *recorder) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (r *recorder) Close() error {
	return nil
}

func (r *recorder) Begin() error {
	if r.beginErr != nil {
		return r.beginErr
	}
	r.begins++
	return nil
}

func (r *recorder) Transfer(b byte) (byte, error) {
	if r.transferErr != nil {
		return 0, r.transferErr
	}
	r.calls = append(r.calls, hwCall{op: "transfer", data: b})
	return 0, nil
}

func (r *recorder) End() error {
	r.ends++
	return nil
}

func (r *recorder) sent() []byte {
	var out []byte
	for _, c := range r.calls {
		if c.op == "transfer" {
			out = append(out, c.data)
		}
	}
	return out
}

func newTestDriver(t *testing.T, start uint32, cfg Config) (*Driver, *recorder, *clock.Manual) {
	t.Helper()
	rec := &recorder{}
	clk := clock.NewManual(start)
	cfg.LatchPin = latchPin
	d, err := New(rec, rec, clk, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec.calls = nil // reset after init
	return d, rec, clk
}

func mustStep(t *testing.T, d *Driver, m Motor, dir Direction) bool {
	t.Helper()
	fired, err := d.Step(m, dir)
	if err != nil {
		t.Fatalf("Step(%s, %s): %v", m, dir, err)
	}
	return fired
}

func TestNew_InitializesLatchAndBus(t *testing.T) {
	rec := &recorder{}
	clk := clock.NewManual(1234)
	d, err := New(rec, rec, clk, Config{LatchPin: latchPin, Delay: 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if len(rec.calls) != 2 {
		t.Fatalf("expected setup + write on init, got %v", rec.calls)
	}
	if rec.calls[0].op != "setup" || rec.calls[0].pin != latchPin {
		t.Errorf("first call should set up latch pin, got %+v", rec.calls[0])
	}
	if rec.calls[1].op != "write" || rec.calls[1].level != gpio.High {
		t.Errorf("latch should idle HIGH, got %+v", rec.calls[1])
	}
	if rec.begins != 1 {
		t.Errorf("bus begins = %d, want 1", rec.begins)
	}
	for _, m := range []Motor{MotorA, MotorB} {
		if d.Phase(m) != 0 {
			t.Errorf("phase(%s) = %d, want 0", m, d.Phase(m))
		}
		if d.Deadline(m) != 1234 {
			t.Errorf("deadline(%s) = %d, want 1234", m, d.Deadline(m))
		}
	}
	if d.Delay() != 5 {
		t.Errorf("delay = %d, want 5", d.Delay())
	}
	if d.LastByte() != 0 {
		t.Errorf("last byte = %#x, want 0", d.LastByte())
	}
}

func TestNew_DefaultDelayWhenOutOfRange(t *testing.T) {
	d, _, _ := newTestDriver(t, 0, Config{Delay: 1000})
	if d.Delay() != DefaultDelay {
		t.Errorf("delay = %d, want default %d", d.Delay(), DefaultDelay)
	}
}

func TestNew_Errors(t *testing.T) {
	boom := errors.New("boom")

	rec := &recorder{setupErr: boom}
	if _, err := New(rec, rec, clock.NewManual(0), Config{LatchPin: latchPin}); !errors.Is(err, boom) {
		t.Errorf("setup failure: err = %v, want boom", err)
	}

	rec = &recorder{beginErr: boom}
	if _, err := New(rec, rec, clock.NewManual(0), Config{LatchPin: latchPin}); !errors.Is(err, boom) {
		t.Errorf("begin failure: err = %v, want boom", err)
	}
}

func TestStep_LatchSequence(t *testing.T) {
	d, rec, _ := newTestDriver(t, 0, Config{Delay: 2})

	if !mustStep(t, d, MotorA, CCW) {
		t.Fatal("first step should fire")
	}

	want := []hwCall{
		{op: "write", pin: latchPin, level: gpio.Low},
		{op: "transfer", data: 0b1001},
		{op: "write", pin: latchPin, level: gpio.High},
	}
	if len(rec.calls) != len(want) {
		t.Fatalf("calls = %+v, want %+v", rec.calls, want)
	}
	for i := range want {
		if rec.calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, rec.calls[i], want[i])
		}
	}
}

func TestStep_NotDueHasNoEffect(t *testing.T) {
	for _, m := range []Motor{MotorA, MotorB} {
		for _, dir := range []Direction{CCW, CW} {
			t.Run(m.String()+"_"+dir.String(), func(t *testing.T) {
				d, rec, clk := newTestDriver(t, 0, Config{Delay: 10})
				mustStep(t, d, m, dir)
				phase, deadline := d.Phase(m), d.Deadline(m)
				rec.calls = nil

				for _, now := range []uint32{1, 5, 9} {
					clk.Set(now)
					if mustStep(t, d, m, dir) {
						t.Errorf("step at t=%d fired before delay elapsed", now)
					}
				}
				if d.Phase(m) != phase {
					t.Errorf("phase changed: %d -> %d", phase, d.Phase(m))
				}
				if d.Deadline(m) != deadline {
					t.Errorf("deadline changed: %d -> %d", deadline, d.Deadline(m))
				}
				if len(rec.calls) != 0 {
					t.Errorf("not-due step touched hardware: %+v", rec.calls)
				}
			})
		}
	}
}

func TestStep_FourCCWStepsRoundTrip(t *testing.T) {
	for _, m := range []Motor{MotorA, MotorB} {
		d, _, clk := newTestDriver(t, 0, Config{Delay: 1})
		start := d.Phase(m)
		for i := 0; i < 4; i++ {
			if !mustStep(t, d, m, CCW) {
				t.Fatalf("motor %s step %d did not fire", m, i)
			}
			clk.Advance(1)
		}
		if d.Phase(m) != start {
			t.Errorf("motor %s phase after 4 CCW = %d, want %d", m, d.Phase(m), start)
		}
	}
}

func TestStep_DirectionsAreInverse(t *testing.T) {
	for _, m := range []Motor{MotorA, MotorB} {
		for _, first := range []Direction{CW, CCW} {
			second := CW
			if first == CW {
				second = CCW
			}
			for startPhase := 0; startPhase < 4; startPhase++ {
				d, _, clk := newTestDriver(t, 0, Config{Delay: 0})
				for d.Phase(m) != startPhase {
					mustStep(t, d, m, CCW)
				}
				mustStep(t, d, m, first)
				clk.Advance(1)
				mustStep(t, d, m, second)
				if d.Phase(m) != startPhase {
					t.Errorf("motor %s from phase %d: %s then %s ended at %d",
						m, startPhase, first, second, d.Phase(m))
				}
			}
		}
	}
}

func TestStep_Timing(t *testing.T) {
	d, _, clk := newTestDriver(t, 0, Config{Delay: 2})

	cases := []struct {
		now  uint32
		want bool
	}{
		{0, true},
		{1, false},
		{3, true},
	}
	for _, tc := range cases {
		clk.Set(tc.now)
		if got := mustStep(t, d, MotorA, CCW); got != tc.want {
			t.Errorf("step at t=%d = %v, want %v", tc.now, got, tc.want)
		}
	}
	if got := d.Deadline(MotorA); got != 5 {
		t.Errorf("deadline = %d, want 5", got)
	}
}

func TestSetDelay_RejectsAboveMax(t *testing.T) {
	d, _, _ := newTestDriver(t, 0, Config{Delay: 7})
	d.SetDelay(300)
	if d.Delay() != 7 {
		t.Errorf("SetDelay(300) changed delay to %d", d.Delay())
	}
	d.SetDelay(257)
	if d.Delay() != 7 {
		t.Errorf("SetDelay(257) changed delay to %d", d.Delay())
	}
	d.SetDelay(MaxDelay)
	if d.Delay() != MaxDelay {
		t.Errorf("SetDelay(%d) = %d, want accepted", MaxDelay, d.Delay())
	}
}

func TestSetDelay_UsedByNextStep(t *testing.T) {
	d, _, clk := newTestDriver(t, 50, Config{Delay: 2})
	d.SetDelay(100)
	mustStep(t, d, MotorB, CW)
	if got := d.Deadline(MotorB); got != 150 {
		t.Errorf("deadline = %d, want 150", got)
	}
	clk.Set(149)
	if mustStep(t, d, MotorB, CW) {
		t.Error("step fired before new delay elapsed")
	}
	clk.Set(150)
	if !mustStep(t, d, MotorB, CW) {
		t.Error("step did not fire once new delay elapsed")
	}
}

func TestStep_CounterOverflow(t *testing.T) {
	d, _, clk := newTestDriver(t, math.MaxUint32-1, Config{Delay: 2})

	if !mustStep(t, d, MotorA, CCW) {
		t.Fatal("step at MaxUint32-1 should fire")
	}
	if got := d.Deadline(MotorA); got != 0 {
		t.Fatalf("wrapped deadline = %d, want 0", got)
	}

	// A naive now >= deadline would fire here.
	clk.Set(math.MaxUint32)
	if mustStep(t, d, MotorA, CCW) {
		t.Error("step fired before the wrapped deadline")
	}

	fires := 0
	clk.Set(0)
	for i := 0; i < 3; i++ {
		if mustStep(t, d, MotorA, CCW) {
			fires++
		}
	}
	if fires != 1 {
		t.Errorf("fires at wrapped time = %d, want exactly 1", fires)
	}
	if got := d.Deadline(MotorA); got != 2 {
		t.Errorf("deadline after wrapped step = %d, want 2", got)
	}
}

func TestStep_PatternBytes(t *testing.T) {
	cases := []struct {
		name string
		m    Motor
		dir  Direction
		want []byte
	}{
		{"A_ccw", MotorA, CCW, []byte{0x09, 0x0c, 0x06, 0x03, 0x09}},
		{"A_cw", MotorA, CW, []byte{0x09, 0x03, 0x06, 0x0c, 0x09}},
		{"B_ccw", MotorB, CCW, []byte{0x90, 0xc0, 0x60, 0x30, 0x90}},
		{"B_cw", MotorB, CW, []byte{0x90, 0x30, 0x60, 0xc0, 0x90}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, rec, _ := newTestDriver(t, 0, Config{Delay: 0})
			for range tc.want {
				mustStep(t, d, tc.m, tc.dir)
			}
			got := rec.sent()
			if string(got) != string(tc.want) {
				t.Errorf("bytes = %x, want %x", got, tc.want)
			}
		})
	}
}

func TestStep_SharedFramingKeepsOtherMotor(t *testing.T) {
	d, rec, _ := newTestDriver(t, 0, Config{Delay: 0, Framing: FramingShared})

	mustStep(t, d, MotorA, CCW) // A phase 0
	mustStep(t, d, MotorB, CCW) // B phase 0, A still 1001
	mustStep(t, d, MotorA, CCW) // A phase 1, B still 1001

	want := []byte{0x09, 0x99, 0x9c}
	if got := rec.sent(); string(got) != string(want) {
		t.Errorf("bytes = %x, want %x", got, want)
	}
	if d.LastByte() != 0x9c {
		t.Errorf("LastByte = %#x, want 0x9c", d.LastByte())
	}
}

func TestStep_ExclusiveFramingZeroesOtherMotor(t *testing.T) {
	d, rec, _ := newTestDriver(t, 0, Config{Delay: 0, Framing: FramingExclusive})

	mustStep(t, d, MotorA, CCW)
	mustStep(t, d, MotorB, CCW)
	mustStep(t, d, MotorA, CCW)

	want := []byte{0x09, 0x90, 0x0c}
	if got := rec.sent(); string(got) != string(want) {
		t.Errorf("bytes = %x, want %x", got, want)
	}
}

func TestStep_MotorsHaveIndependentTimers(t *testing.T) {
	d, _, clk := newTestDriver(t, 0, Config{Delay: 10})
	mustStep(t, d, MotorA, CCW)
	clk.Set(3)
	if !mustStep(t, d, MotorB, CCW) {
		t.Error("motor B should be due while A waits")
	}
	if d.Deadline(MotorA) != 10 || d.Deadline(MotorB) != 13 {
		t.Errorf("deadlines = %d/%d, want 10/13", d.Deadline(MotorA), d.Deadline(MotorB))
	}
}

func TestStep_TransferErrorLeavesState(t *testing.T) {
	d, rec, _ := newTestDriver(t, 0, Config{Delay: 2})
	boom := errors.New("bus fault")
	rec.transferErr = boom

	fired, err := d.Step(MotorA, CCW)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want bus fault", err)
	}
	if fired {
		t.Error("failed step reported as fired")
	}
	if d.Phase(MotorA) != 0 || d.Deadline(MotorA) != 0 {
		t.Errorf("state changed after failed write: phase=%d deadline=%d", d.Phase(MotorA), d.Deadline(MotorA))
	}
	last := rec.calls[len(rec.calls)-1]
	if last.op != "write" || last.level != gpio.High {
		t.Errorf("latch should return HIGH after a failed transfer, last call %+v", last)
	}
}

func TestStep_InvalidArguments(t *testing.T) {
	d, rec, _ := newTestDriver(t, 0, Config{})
	if _, err := d.Step(Motor(2), CCW); !errors.Is(err, ErrUnknownMotor) {
		t.Errorf("Step(Motor(2)) err = %v, want ErrUnknownMotor", err)
	}
	if _, err := d.Step(MotorA, Direction(7)); !errors.Is(err, ErrUnknownDirection) {
		t.Errorf("Step(Direction(7)) err = %v, want ErrUnknownDirection", err)
	}
	if _, err := d.StepBoth(Direction(-1)); !errors.Is(err, ErrUnknownDirection) {
		t.Errorf("StepBoth(Direction(-1)) err = %v, want ErrUnknownDirection", err)
	}
	if err := d.StopMotor(Motor(-1)); !errors.Is(err, ErrUnknownMotor) {
		t.Errorf("StopMotor(Motor(-1)) err = %v, want ErrUnknownMotor", err)
	}
	if len(rec.calls) != 0 {
		t.Errorf("invalid calls touched hardware: %+v", rec.calls)
	}
}

func TestStepBoth(t *testing.T) {
	d, rec, clk := newTestDriver(t, 0, Config{Delay: 4})

	if !mustStepBoth(t, d, CCW) {
		t.Fatal("StepBoth should fire when both motors are due")
	}
	if got := rec.sent(); len(got) != 1 || got[0] != 0x99 {
		t.Errorf("bytes = %x, want [99]", got)
	}
	if d.Phase(MotorA) != 1 || d.Phase(MotorB) != 1 {
		t.Errorf("phases = %d/%d, want 1/1", d.Phase(MotorA), d.Phase(MotorB))
	}

	// Step B alone so the two timers diverge.
	clk.Set(2)
	d.SetDelay(4)
	if mustStep(t, d, MotorB, CCW) {
		t.Fatal("B should not be due at t=2")
	}
	clk.Set(4)
	mustStep(t, d, MotorB, CCW) // B deadline now 8
	clk.Set(5)
	if mustStepBoth(t, d, CW) {
		t.Error("StepBoth fired while motor B was not due")
	}
	clk.Set(8)
	if !mustStepBoth(t, d, CW) {
		t.Error("StepBoth should fire once both motors are due")
	}
	if d.Deadline(MotorA) != 12 || d.Deadline(MotorB) != 12 {
		t.Errorf("deadlines = %d/%d, want 12/12", d.Deadline(MotorA), d.Deadline(MotorB))
	}
}

func mustStepBoth(t *testing.T, d *Driver, dir Direction) bool {
	t.Helper()
	fired, err := d.StepBoth(dir)
	if err != nil {
		t.Fatalf("StepBoth(%s): %v", dir, err)
	}
	return fired
}

func TestStopAll(t *testing.T) {
	d, rec, _ := newTestDriver(t, 0, Config{Delay: 3})
	mustStep(t, d, MotorA, CCW)
	mustStep(t, d, MotorB, CW)
	phaseA, phaseB := d.Phase(MotorA), d.Phase(MotorB)
	deadA, deadB := d.Deadline(MotorA), d.Deadline(MotorB)
	rec.calls = nil

	if err := d.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	got := rec.sent()
	if len(got) != 1 || got[0] != 0 {
		t.Errorf("StopAll sent %x, want a single 00", got)
	}
	if d.Phase(MotorA) != phaseA || d.Phase(MotorB) != phaseB {
		t.Error("StopAll changed a phase counter")
	}
	if d.Deadline(MotorA) != deadA || d.Deadline(MotorB) != deadB {
		t.Error("StopAll changed a deadline")
	}
}

func TestStopMotor_Framing(t *testing.T) {
	cases := []struct {
		name    string
		framing Framing
		stop    Motor
		want    byte
	}{
		{"shared_A", FramingShared, MotorA, 0x90},
		{"shared_B", FramingShared, MotorB, 0x09},
		{"exclusive_A", FramingExclusive, MotorA, 0x00},
		{"exclusive_B", FramingExclusive, MotorB, 0x00},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, rec, _ := newTestDriver(t, 0, Config{Delay: 0, Framing: tc.framing})
			if _, err := d.StepBoth(CCW); err != nil {
				t.Fatal(err)
			}
			rec.calls = nil

			if err := d.StopMotor(tc.stop); err != nil {
				t.Fatalf("StopMotor: %v", err)
			}
			got := rec.sent()
			if len(got) != 1 || got[0] != tc.want {
				t.Errorf("StopMotor(%s) sent %x, want %02x", tc.stop, got, tc.want)
			}
		})
	}
}

func TestStopMotor_SharedThenStepKeepsStoppedMotorOff(t *testing.T) {
	d, rec, _ := newTestDriver(t, 0, Config{Delay: 0})
	mustStepBoth(t, d, CCW) // 0x99
	if err := d.StopMotor(MotorB); err != nil {
		t.Fatal(err)
	}
	mustStep(t, d, MotorA, CCW) // A phase 1 = 1100, B stays off
	got := rec.sent()
	if got[len(got)-1] != 0x0c {
		t.Errorf("last byte = %#x, want 0x0c", got[len(got)-1])
	}
}

func TestClose(t *testing.T) {
	d, rec, _ := newTestDriver(t, 0, Config{})
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if rec.ends != 1 {
		t.Errorf("bus ends = %d, want 1", rec.ends)
	}
	if _, err := d.Step(MotorA, CCW); !errors.Is(err, ErrClosed) {
		t.Errorf("Step after Close err = %v, want ErrClosed", err)
	}
	if err := d.StopAll(); !errors.Is(err, ErrClosed) {
		t.Errorf("StopAll after Close err = %v, want ErrClosed", err)
	}
}

func TestAdvance(t *testing.T) {
	cases := []struct {
		phase uint8
		dir   Direction
		want  uint8
	}{
		{0, CCW, 1},
		{3, CCW, 0},
		{0, CW, 3},
		{2, CW, 1},
	}
	for _, tc := range cases {
		if got := advance(tc.phase, tc.dir); got != tc.want {
			t.Errorf("advance(%d, %s) = %d, want %d", tc.phase, tc.dir, got, tc.want)
		}
	}
}

func TestParse(t *testing.T) {
	if m, err := ParseMotor("B"); err != nil || m != MotorB {
		t.Errorf("ParseMotor(B) = %v, %v", m, err)
	}
	if m, err := ParseMotor("0"); err != nil || m != MotorA {
		t.Errorf("ParseMotor(0) = %v, %v", m, err)
	}
	if _, err := ParseMotor("c"); !errors.Is(err, ErrUnknownMotor) {
		t.Errorf("ParseMotor(c) err = %v", err)
	}
	if dir, err := ParseDirection("CW"); err != nil || dir != CW {
		t.Errorf("ParseDirection(CW) = %v, %v", dir, err)
	}
	if _, err := ParseDirection("up"); !errors.Is(err, ErrUnknownDirection) {
		t.Errorf("ParseDirection(up) err = %v", err)
	}
	if f, err := ParseFraming(""); err != nil || f != FramingShared {
		t.Errorf("ParseFraming(\"\") = %v, %v", f, err)
	}
	if f, err := ParseFraming("exclusive"); err != nil || f != FramingExclusive {
		t.Errorf("ParseFraming(exclusive) = %v, %v", f, err)
	}
	if _, err := ParseFraming("both"); err == nil {
		t.Error("ParseFraming(both) should fail")
	}
}
