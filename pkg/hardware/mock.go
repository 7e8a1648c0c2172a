package hardware

import (
	"sync"
)

// MockGPIO implements GPIOInterface for testing and bench simulation.
type MockGPIO struct {
	mu      sync.RWMutex
	pins    map[int]bool
	initErr error
	pinErr  error
	closed  bool
}

// NewMockGPIO creates a mock GPIO backend.
func NewMockGPIO() *MockGPIO {
	return &MockGPIO{pins: make(map[int]bool)}
}

// SetInitError makes Initialize fail.
func (g *MockGPIO) SetInitError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initErr = err
}

// SetPinError makes pin operations fail.
func (g *MockGPIO) SetPinError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pinErr = err
}

// Pin returns the recorded level of a pin.
func (g *MockGPIO) Pin(pin int) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pins[pin]
}

// Closed reports whether Close was called.
func (g *MockGPIO) Closed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closed
}

func (g *MockGPIO) Initialize() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.initErr
}

func (g *MockGPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *MockGPIO) SetPin(pin int, value bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pinErr != nil {
		return g.pinErr
	}
	g.pins[pin] = value
	return nil
}

func (g *MockGPIO) GetPin(pin int) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.pinErr != nil {
		return false, g.pinErr
	}
	return g.pins[pin], nil
}
