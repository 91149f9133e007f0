// Package spi provides the synchronous serial bus that shifts bytes into the
// 74HC595. The latch gesture around each byte is owned by the caller; a Bus
// only moves bits.
package spi

import (
	"fmt"

	"github.com/cjeanneret/stepper595/internal/debug"
)

// Bus is the serial bus collaborator: one byte out, one byte back.
type Bus interface {
	// Begin acquires and configures the bus.
	Begin() error
	// Transfer clocks b out MSB-first and returns the byte clocked in.
	Transfer(b byte) (byte, error)
	// End releases the bus.
	End() error
}

// Backend names accepted by NewBus.
const (
	TypeMock   = "mock"
	TypeRPi    = "rpio"
	TypePeriph = "periph"
)

// Config selects and configures a bus backend.
type Config struct {
	Type    string
	Device  int    // rpio: SPI controller index (0 = SPI0)
	Port    string // periph: spireg port name, "" = first available
	SpeedHz int
	Mode    int // SPI mode 0-3 (CPOL<<1 | CPHA)
}

// NewBus creates an unopened bus for cfg.Type. Call Begin before use.
func NewBus(cfg Config) (Bus, error) {
	if cfg.Mode < 0 || cfg.Mode > 3 {
		return nil, fmt.Errorf("spi mode must be 0-3, got %d", cfg.Mode)
	}
	switch cfg.Type {
	case TypeMock:
		debug.Info("Using MOCK SPI bus (development mode)")
		return &MockBus{}, nil
	case TypeRPi:
		return NewRPiBus(cfg.Device, cfg.SpeedHz, cfg.Mode), nil
	case TypePeriph:
		return NewPeriphBus(cfg.Port, cfg.SpeedHz, cfg.Mode), nil
	default:
		return nil, fmt.Errorf("unsupported bus type: %q", cfg.Type)
	}
}
