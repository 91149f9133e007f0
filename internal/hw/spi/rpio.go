package spi

import (
	"fmt"

	"github.com/cjeanneret/stepper595/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiBus drives the BCM283x hardware SPI controller through go-rpio.
// rpio.Open must already have succeeded (gpio.NewRPiRealDriver does it).
type RPiBus struct {
	dev   rpio.SpiDev
	speed int
	mode  int
}

// NewRPiBus returns a bus on SPI controller device (0 = SPI0).
func NewRPiBus(device, speedHz, mode int) *RPiBus {
	return &RPiBus{
		dev:   rpio.SpiDev(device),
		speed: speedHz,
		mode:  mode,
	}
}

func (b *RPiBus) Begin() error {
	debug.Info("Initializing SPI%d (go-rpio) at %d Hz, mode %d", b.dev, b.speed, b.mode)
	if err := rpio.SpiBegin(b.dev); err != nil {
		return fmt.Errorf("begin SPI%d: %w", b.dev, err)
	}
	if b.speed > 0 {
		rpio.SpiSpeed(b.speed)
	}
	rpio.SpiMode(uint8(b.mode>>1)&1, uint8(b.mode)&1)
	// CE0 toggles too, but the 74HC595 latch is a separate line.
	rpio.SpiChipSelect(0)
	return nil
}

func (b *RPiBus) Transfer(data byte) (byte, error) {
	debug.SPI("Transfer", data)
	buf := []byte{data}
	rpio.SpiExchange(buf)
	return buf[0], nil
}

func (b *RPiBus) End() error {
	debug.Trace("SPI%d End (go-rpio)", b.dev)
	rpio.SpiEnd(b.dev)
	return nil
}
