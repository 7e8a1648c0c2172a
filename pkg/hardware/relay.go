// Package hardware drives the antenna changeover relay that routes the
// loop feedline to either the radio or the analyzer. Measurements only
// make sense with the relay on the analyzer side, so the engine flips
// it around every sweep.
package hardware

import (
	"fmt"
	"strings"
	"sync"

	"github.com/magloop/loopd/pkg/logging"
)

// Mode is the relay routing state.
type Mode int

const (
	ModeRadio Mode = iota
	ModeAnalyzer
)

// String returns the mode name used in logs and API responses.
func (m Mode) String() string {
	switch m {
	case ModeRadio:
		return "radio"
	case ModeAnalyzer:
		return "analyzer"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "radio":
		return ModeRadio, nil
	case "analyzer":
		return ModeAnalyzer, nil
	default:
		return ModeRadio, fmt.Errorf("unknown relay mode %q", s)
	}
}

// GPIOInterface defines the pin operations the relay needs.
type GPIOInterface interface {
	Initialize() error
	Close() error
	SetPin(pin int, value bool) error
	GetPin(pin int) (bool, error)
}

// RelayConfig represents the changeover relay wiring.
type RelayConfig struct {
	Enabled    bool
	GPIOPin    int
	ActiveHigh bool
}

// RelayManager owns the changeover relay state.
type RelayManager struct {
	config RelayConfig
	mutex  sync.RWMutex

	gpio        GPIOInterface
	mode        Mode
	initialized bool
}

// NewRelayManager creates a relay manager over the given GPIO backend.
func NewRelayManager(config RelayConfig, gpio GPIOInterface) *RelayManager {
	return &RelayManager{
		config: config,
		gpio:   gpio,
		mode:   ModeRadio,
	}
}

// Initialize prepares the GPIO pin and parks the relay on the radio side.
func (r *RelayManager) Initialize() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.initialized {
		return nil
	}

	if !r.config.Enabled {
		logging.Info("relay", "Relay disabled, antenna stays on radio side")
		r.initialized = true
		return nil
	}

	if err := r.gpio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize relay GPIO: %w", err)
	}

	if err := r.drive(ModeRadio); err != nil {
		return fmt.Errorf("failed to park relay: %w", err)
	}

	logging.Infof("relay", "Relay initialized on GPIO pin %d (active high: %t)",
		r.config.GPIOPin, r.config.ActiveHigh)
	r.initialized = true
	return nil
}

// SetMode routes the feedline to the radio or the analyzer.
func (r *RelayManager) SetMode(mode Mode) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.initialized {
		return fmt.Errorf("relay not initialized")
	}

	if mode == r.mode {
		return nil
	}

	if r.config.Enabled {
		if err := r.drive(mode); err != nil {
			return fmt.Errorf("failed to switch relay to %s: %w", mode, err)
		}
	}

	logging.Debugf("relay", "Relay switched to %s", mode)
	r.mode = mode
	return nil
}

// Mode returns the current routing state.
func (r *RelayManager) Mode() Mode {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.mode
}

// drive writes the pin level for a mode. Callers hold the lock.
func (r *RelayManager) drive(mode Mode) error {
	value := mode == ModeAnalyzer
	if !r.config.ActiveHigh {
		value = !value
	}
	return r.gpio.SetPin(r.config.GPIOPin, value)
}

// Close parks the relay on the radio side and releases the GPIO.
func (r *RelayManager) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.initialized {
		return nil
	}
	r.initialized = false

	if !r.config.Enabled {
		return nil
	}

	if err := r.drive(ModeRadio); err != nil {
		logging.Warnf("relay", "Failed to park relay on close: %v", err)
	}
	r.mode = ModeRadio

	return r.gpio.Close()
}
