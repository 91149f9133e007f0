package spi

import (
	"sync"

	"github.com/cjeanneret/stepper595/internal/debug"
)

// MockBus records every transferred byte. Setting Err makes the next
// transfers fail with it.
type MockBus struct {
	mu       sync.Mutex
	sent     []byte
	begins   int
	ends     int
	Err      error
	BeginErr error
}

func (m *MockBus) Begin() error {
	debug.Trace("SPI Begin (mock)")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BeginErr != nil {
		return m.BeginErr
	}
	m.begins++
	return nil
}

func (m *MockBus) Transfer(b byte) (byte, error) {
	debug.SPI("Transfer (mock)", b)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	m.sent = append(m.sent, b)
	return 0, nil
}

func (m *MockBus) End() error {
	debug.Trace("SPI End (mock)")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ends++
	return nil
}

// Sent returns a copy of the bytes transferred so far.
func (m *MockBus) Sent() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.sent...)
}

// Reset forgets recorded bytes.
func (m *MockBus) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// Begins and Ends report how often the bus was acquired and released.
func (m *MockBus) Begins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begins
}

func (m *MockBus) Ends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ends
}
