// Package analyzer drives the antenna analyzer that measures SWR across
// a frequency span while the actuator holds position. Loop calibration
// and tuning verification both sample through it.
package analyzer

import (
	"errors"
	"fmt"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Driver is implemented by each analyzer device backend.
type Driver interface {
	Identify() (string, error)
	SetSweep(config SweepConfig) error
	Scan() (Sweep, error)
	Close() error
}

// SweepConfig describes one frequency sweep.
type SweepConfig struct {
	StartHz float64 `json:"start_hz"`
	StopHz  float64 `json:"stop_hz"`
	Points  int     `json:"points"`
}

// Validate checks the sweep parameters.
func (c SweepConfig) Validate() error {
	if c.StartHz >= c.StopHz {
		return fmt.Errorf("sweep start %v not below stop %v", c.StartHz, c.StopHz)
	}
	if c.Points <= 0 {
		return fmt.Errorf("sweep points must be positive, got %d", c.Points)
	}
	return nil
}

// Sweep holds the reflection data returned by one scan.
type Sweep struct {
	Frequencies []float64    `json:"frequencies"`
	S11         []complex128 `json:"-"`
}

// VSWR converts the reflection coefficients to standing wave ratios.
func (s *Sweep) VSWR() []float64 {
	vswr := make([]float64, len(s.S11))
	for i, s11 := range s.S11 {
		gamma := cmplx.Abs(s11)
		if gamma >= 1.0 {
			vswr[i] = 9999.0
		} else {
			vswr[i] = (1 + gamma) / (1 - gamma)
		}
	}
	return vswr
}

// Measurement is the resonance found in a sweep.
type Measurement struct {
	FrequencyHz float64 `json:"frequency_hz"`
	SWR         float64 `json:"swr"`
}

// FindResonance returns the sweep point with the lowest SWR.
func (s *Sweep) FindResonance() (Measurement, error) {
	if len(s.S11) == 0 || len(s.Frequencies) != len(s.S11) {
		return Measurement{}, errors.New("empty or inconsistent sweep")
	}

	vswr := s.VSWR()
	idx := floats.MinIdx(vswr)
	return Measurement{FrequencyHz: s.Frequencies[idx], SWR: vswr[idx]}, nil
}

// Analyzer serializes access to a single analyzer device.
type Analyzer struct {
	driver Driver
	mu     sync.Mutex
}

// New wraps a driver.
func New(driver Driver) *Analyzer {
	return &Analyzer{driver: driver}
}

// Identify returns the device version string.
func (a *Analyzer) Identify() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.Identify()
}

// Sweep runs one scan over the given span.
func (a *Analyzer) Sweep(config SweepConfig) (Sweep, error) {
	if err := config.Validate(); err != nil {
		return Sweep{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.driver.SetSweep(config); err != nil {
		return Sweep{}, fmt.Errorf("failed to set sweep: %w", err)
	}
	return a.driver.Scan()
}

// Measure runs one scan and returns the resonance it finds.
func (a *Analyzer) Measure(config SweepConfig) (Measurement, error) {
	sweep, err := a.Sweep(config)
	if err != nil {
		return Measurement{}, err
	}
	return sweep.FindResonance()
}

// Close shuts down the underlying driver.
func (a *Analyzer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.Close()
}
