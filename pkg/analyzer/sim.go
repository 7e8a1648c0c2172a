package analyzer

import (
	"fmt"
	"math"
	"sync"
)

// SimDriver synthesizes sweeps for bench development without analyzer
// hardware. The resonant frequency tracks a supplied source, so tuning
// loops driving a simulated actuator see the dip move with position.
type SimDriver struct {
	mu        sync.Mutex
	config    SweepConfig
	resonance func() float64
}

// NewSimDriver creates a simulated analyzer. resonance supplies the
// current resonant frequency; when nil the dip sits mid-span.
func NewSimDriver(resonance func() float64) *SimDriver {
	return &SimDriver{resonance: resonance}
}

func (d *SimDriver) Identify() (string, error) {
	return "loopd sim-analyzer 1.0", nil
}

func (d *SimDriver) SetSweep(config SweepConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	d.config = config
	d.mu.Unlock()
	return nil
}

func (d *SimDriver) Scan() (Sweep, error) {
	d.mu.Lock()
	config := d.config
	d.mu.Unlock()

	if config.Points <= 0 {
		return Sweep{}, fmt.Errorf("scan before sweep configuration")
	}

	center := (config.StartHz + config.StopHz) / 2
	if d.resonance != nil {
		center = d.resonance()
	}

	span := config.StopHz - config.StartHz
	width := span / 8
	step := 0.0
	if config.Points > 1 {
		step = span / float64(config.Points-1)
	}

	sweep := Sweep{
		Frequencies: make([]float64, 0, config.Points),
		S11:         make([]complex128, 0, config.Points),
	}

	for i := 0; i < config.Points; i++ {
		freq := config.StartHz + float64(i)*step

		// Reflection rises away from resonance, capped short of total
		// mismatch so VSWR stays finite.
		gamma := 0.08 + 0.9*math.Abs(freq-center)/width
		if gamma > 0.98 {
			gamma = 0.98
		}

		sweep.Frequencies = append(sweep.Frequencies, freq)
		sweep.S11 = append(sweep.S11, complex(gamma, 0))
	}

	return sweep, nil
}

func (d *SimDriver) Close() error {
	return nil
}
