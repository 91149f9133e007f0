package spi

import (
	"errors"
	"fmt"

	"github.com/cjeanneret/stepper595/internal/debug"
	"periph.io/x/conn/v3/physic"
	pspi "periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// ErrNotBegun is returned by Transfer before Begin succeeded.
var ErrNotBegun = errors.New("spi: bus not begun")

// PeriphBus talks to a Linux spidev port through periph.io. It works on any
// board periph supports, not just the Raspberry Pi.
type PeriphBus struct {
	port  string
	speed physic.Frequency
	mode  pspi.Mode

	p    pspi.PortCloser
	conn pspi.Conn
}

// NewPeriphBus returns a bus on the named spireg port ("" = first one).
func NewPeriphBus(port string, speedHz, mode int) *PeriphBus {
	return &PeriphBus{
		port:  port,
		speed: physic.Frequency(speedHz) * physic.Hertz,
		mode:  pspi.Mode(mode),
	}
}

func (b *PeriphBus) Begin() error {
	debug.Info("Initializing SPI port %q (periph) at %s, mode %d", b.port, b.speed, b.mode)
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("periph host init: %w", err)
	}
	p, err := spireg.Open(b.port)
	if err != nil {
		return fmt.Errorf("open spi port %q: %w", b.port, err)
	}
	c, err := p.Connect(b.speed, b.mode, 8)
	if err != nil {
		_ = p.Close()
		return fmt.Errorf("connect spi port %q: %w", b.port, err)
	}
	b.p, b.conn = p, c
	return nil
}

func (b *PeriphBus) Transfer(data byte) (byte, error) {
	if b.conn == nil {
		return 0, ErrNotBegun
	}
	debug.SPI("Transfer", data)
	r := make([]byte, 1)
	if err := b.conn.Tx([]byte{data}, r); err != nil {
		return 0, fmt.Errorf("spi tx: %w", err)
	}
	return r[0], nil
}

func (b *PeriphBus) End() error {
	debug.Trace("SPI End (periph)")
	if b.p == nil {
		return nil
	}
	err := b.p.Close()
	b.p, b.conn = nil, nil
	return err
}
